package redmap

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/redmap/internal/keys"
	"github.com/hupe1980/redmap/script"
)

// Backend is a data mapper bound to one Redis client and one model
// registry. It is safe for concurrent use.
type Backend struct {
	client redis.UniversalClient
	reg    *Registry
	opts   options

	mu       sync.Mutex
	metaInfo map[*Meta]string

	scriptsOnce sync.Once
	scriptsErr  error
}

// New creates a Backend. The registry is an explicit dependency; backends
// with different registries never interfere.
func New(client redis.UniversalClient, reg *Registry, optFns ...Option) *Backend {
	return &Backend{
		client:   client,
		reg:      reg,
		opts:     applyOptions(optFns),
		metaInfo: make(map[*Meta]string),
	}
}

// Client exposes the underlying Redis client.
func (b *Backend) Client() redis.UniversalClient { return b.client }

// Registry exposes the model registry.
func (b *Backend) Registry() *Registry { return b.reg }

// Namespace returns the configured key prefix.
func (b *Backend) Namespace() string { return b.opts.namespace }

// basekey returns the root key for a model.
func (b *Backend) basekey(m *Meta) string {
	return keys.Base(b.opts.namespace, m.Name)
}

// indexKey returns the equality-index key for attr=value.
func (b *Backend) indexKey(base, attr, value string) string {
	return keys.Join(base, "idx", attr, value)
}

// tempKey returns a fresh temporary key for a model. Every temp key must
// receive an expiry in the pipeline that populates it.
func (b *Backend) tempKey(m *Meta) string {
	return keys.Temp(b.basekey(m))
}

// expire attaches the configured TTL to a temporary key on a pipeline.
func (b *Backend) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.Expire(ctx, key, b.opts.tempKeyTTL)
}

// metaInfoJSON builds (and caches) the metadata blob shipped as the
// second argument of every odmrun invocation.
func (b *Backend) metaInfoJSON(m *Meta) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.metaInfo[m]; ok {
		return s, nil
	}
	info := metaJSON{
		Name:      m.Name,
		Namespace: b.basekey(m),
		PK:        m.PK,
		Ordering:  m.Ordering,
		Indices:   append([]string{}, m.indices...),
		Multi:     append([]string{}, m.multi...),
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal meta info for %s: %w", m.Name, err)
	}
	b.metaInfo[m] = string(raw)
	return string(raw), nil
}

// odmrun queues one multiplexed script invocation on a pipeline. The wire
// protocol is positional: (command, metaInfo, args...).
func (b *Backend) odmrun(ctx context.Context, pipe redis.Pipeliner, cmd script.Command, m *Meta, scriptKeys []string, args ...any) (*redis.Cmd, error) {
	if !cmd.Valid() {
		return nil, fmt.Errorf("invalid script command %d", int(cmd))
	}
	info, err := b.metaInfoJSON(m)
	if err != nil {
		return nil, err
	}
	full := make([]any, 0, len(args)+2)
	full = append(full, cmd.String(), info)
	full = append(full, args...)
	return script.ODMRun.Run(ctx, pipe, scriptKeys, full...), nil
}

// dispatch sends a pipeline, respecting the optional resource controller.
// Scripts preload once before the first Exec: a pipelined EVALSHA cannot
// fall back to EVAL mid-flight.
func (b *Backend) dispatch(ctx context.Context, pipe redis.Pipeliner) ([]redis.Cmder, error) {
	b.scriptsOnce.Do(func() {
		b.scriptsErr = b.LoadScripts(ctx)
	})
	if b.scriptsErr != nil {
		return nil, b.scriptsErr
	}
	if err := b.opts.controller.AcquireDispatch(ctx); err != nil {
		return nil, err
	}
	defer b.opts.controller.ReleaseDispatch()
	cmds, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return cmds, err
	}
	return cmds, nil
}

// NewQuery starts a query for a model.
func (b *Backend) NewQuery(model string) *Query {
	m, err := b.reg.Meta(model)
	return &Query{backend: b, meta: m, err: err}
}

// NewSession starts an empty mutation session.
func (b *Backend) NewSession() *Session {
	return &Session{
		backend: b,
		dirty:   make(map[string][]*Instance),
		deletes: make(map[string][]pendingDelete),
	}
}

// LoadScripts preloads every server-side script into the script cache.
// Called automatically ahead of the first pipeline dispatch.
func (b *Backend) LoadScripts(ctx context.Context) error {
	return script.LoadAll(ctx, b.client, fmt.Sprintf("%p", b.client))
}

// Ping checks connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// ModelKeys returns every key belonging to a model, bookkeeping and
// temporaries included.
func (b *Backend) ModelKeys(ctx context.Context, model string) ([]string, error) {
	m, err := b.reg.Meta(model)
	if err != nil {
		return nil, err
	}
	return b.scanKeys(ctx, b.basekey(m)+"*")
}

// InstanceKeys returns the keys holding one instance: its hash plus one
// key per structure-backed field.
func (b *Backend) InstanceKeys(model, id string) ([]string, error) {
	m, err := b.reg.Meta(model)
	if err != nil {
		return nil, err
	}
	base := b.basekey(m)
	obj := keys.Object(base, id)
	out := []string{obj}
	for _, attr := range m.multi {
		out = append(out, keys.Join(obj, attr))
	}
	return out, nil
}

// Flush removes every key of the given models. With no arguments it
// flushes all registered models.
func (b *Backend) Flush(ctx context.Context, models ...string) (int64, error) {
	if len(models) == 0 {
		models = b.reg.Models()
	}
	var total int64
	for _, name := range models {
		ks, err := b.ModelKeys(ctx, name)
		if err != nil {
			return total, err
		}
		if len(ks) == 0 {
			continue
		}
		n, err := b.client.Del(ctx, ks...).Result()
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Clean removes leftover temporary keys for a model. Temp keys carry an
// expiry already; Clean reclaims them eagerly.
func (b *Backend) Clean(ctx context.Context, model string) (int64, error) {
	m, err := b.reg.Meta(model)
	if err != nil {
		return 0, err
	}
	ks, err := b.scanKeys(ctx, keys.TempPattern(b.basekey(m)))
	if err != nil || len(ks) == 0 {
		return 0, err
	}
	return b.client.Del(ctx, ks...).Result()
}

func (b *Backend) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := b.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

// Instance is one in-memory object of a model: a primary key, a field
// map and a lifecycle state.
type Instance struct {
	meta    *Meta
	id      string
	iid     string // session-local identity, assigned on Add
	state   State
	action  string // insert or update, set when added to a session
	data    map[string]any
	related map[string]any

	commitScore float64
	scored      bool
}

// NewInstance creates a transient instance for a registered model.
func (b *Backend) NewInstance(model string) (*Instance, error) {
	m, err := b.reg.Meta(model)
	if err != nil {
		return nil, err
	}
	return &Instance{
		meta:  m,
		state: Transient,
		data:  make(map[string]any),
	}, nil
}

// Model returns the model name.
func (i *Instance) Model() string { return i.meta.Name }

// ID returns the primary key, empty until the store assigns one.
func (i *Instance) ID() string { return i.id }

// SetID sets the primary key explicitly, opting out of auto-assignment.
func (i *Instance) SetID(id string) { i.id = id }

// IID returns the session-local identity, empty until the instance joins
// a session. Unlike ID it is stable across a failed insert.
func (i *Instance) IID() string { return i.iid }

// CommitScore returns the ordering score the store applied at the last
// successful commit, if the model is ordered.
func (i *Instance) CommitScore() (float64, bool) { return i.commitScore, i.scored }

// State returns the lifecycle state.
func (i *Instance) State() State { return i.state }

// Set assigns a field value.
func (i *Instance) Set(field string, v any) *Instance {
	i.data[field] = v
	return i
}

// Get reads a field value.
func (i *Instance) Get(field string) (any, bool) {
	v, ok := i.data[field]
	return v, ok
}

// Fields returns a copy of the field map.
func (i *Instance) Fields() map[string]any {
	out := make(map[string]any, len(i.data))
	for k, v := range i.data {
		out[k] = v
	}
	return out
}

// validate runs required and per-field validation before a commit.
func (i *Instance) validate() error {
	bad := make(map[string]string)
	for _, f := range i.meta.Fields {
		v, ok := i.data[f.Name]
		if !ok || v == nil {
			if f.Required {
				bad[f.Name] = "required"
			}
			continue
		}
		if f.Validate != nil {
			if err := f.Validate(v); err != nil {
				bad[f.Name] = err.Error()
			}
		}
	}
	if len(bad) > 0 {
		return &ValidationError{Model: i.meta.Name, Fields: bad}
	}
	return nil
}

// score computes the ordering score for this instance, or the auto
// sentinel when the model uses a server-assigned score.
func (i *Instance) score() (any, error) {
	ord := i.meta.Ordering
	if ord == nil {
		return minScore, nil
	}
	if ord.Auto {
		return "auto", nil
	}
	v, ok := i.data[ord.Name]
	if !ok {
		return nil, fmt.Errorf("ordering field %s not set on %s", ord.Name, i.meta.Name)
	}
	f, ok := i.meta.fieldsByName[ord.Name]
	if ok && f.Score != nil {
		return f.Score(v), nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case time.Time:
		return float64(n.UnixNano()) / 1e9, nil
	default:
		return nil, fmt.Errorf("ordering field %s on %s is not numeric", ord.Name, i.meta.Name)
	}
}

// minScore is the sentinel meaning "no meaningful score": small enough to
// sort before any real value while staying representable as a float.
const minScore = -1e99
