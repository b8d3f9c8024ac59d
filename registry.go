package redmap

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds model metadata. It is an explicit dependency of the
// Backend constructor; two backends with different registries never
// interfere.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Meta
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]*Meta),
	}
}

// Register validates and adds a model. Registering the same name twice is
// an error; metadata is immutable once registered.
func (r *Registry) Register(meta *Meta) error {
	if err := meta.init(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.models[meta.Name]; dup {
		return fmt.Errorf("model %s already registered", meta.Name)
	}
	r.models[meta.Name] = meta
	return nil
}

// MustRegister is Register, panicking on error. Intended for package-level
// model declarations.
func (r *Registry) MustRegister(meta *Meta) {
	if err := r.Register(meta); err != nil {
		panic(err)
	}
}

// Unregister removes a model. Reports whether it was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.models[name]
	delete(r.models, name)
	return ok
}

// Clear removes every registered model.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = make(map[string]*Meta)
}

// Meta returns the metadata for a model name.
func (r *Registry) Meta(name string) (*Meta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return m, nil
}

// Models returns the names of all registered models, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// dependent pairs a model with the relation through which it points at a
// target model.
type dependent struct {
	meta     *Meta
	relation *Relation
}

// relatedTo returns every registered model holding a relation to target,
// split by whether the relation points back at target itself. Cascade
// deletion handles self-referential relations in a single aggregation
// pass and recurses into required relations on other models.
func (r *Registry) relatedTo(target string) (self, others []dependent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		for _, rel := range m.Relations {
			if rel.Model != target {
				continue
			}
			d := dependent{meta: m, relation: rel}
			if m.Name == target {
				self = append(self, d)
			} else {
				others = append(others, d)
			}
		}
	}
	return self, others
}
