package redmap

import (
	"fmt"

	"github.com/hupe1980/redmap/codec"
)

// StructureKind identifies the store-side shape of a structure-backed
// field.
type StructureKind int

const (
	KindNone StructureKind = iota // plain scalar field
	KindString
	KindSet
	KindList
	KindHash
	KindZSet
	KindTS
	KindArray
)

var kindNames = map[StructureKind]string{
	KindNone:   "",
	KindString: "string",
	KindSet:    "set",
	KindList:   "list",
	KindHash:   "hashtable",
	KindZSet:   "zset",
	KindTS:     "ts",
	KindArray:  "numberarray",
}

func (k StructureKind) String() string { return kindNames[k] }

// Field describes one model attribute.
//
// The codec is chosen here, at registration time, never per call. Scalar
// fields default to codec.Scalar; structured fields to codec.Default.
type Field struct {
	// Name is the public field name.
	Name string

	// Attr is the storage attribute name; defaults to Name.
	Attr string

	// Index registers an equality index for this field, making it
	// filterable.
	Index bool

	// Required fields must be set before commit.
	Required bool

	// Text marks the field for lexicographic (ALPHA) comparison when it
	// drives an ordering.
	Text bool

	// Structure marks the field as structure-backed; its data lives in a
	// dedicated key next to the instance hash.
	Structure StructureKind

	// Codec encodes values of this field.
	Codec codec.Codec

	// Validate rejects bad values at commit time. Optional.
	Validate func(v any) error

	// Score maps a value to a sort score for ordered storage. Optional;
	// defaults to numeric interpretation of the value.
	Score func(v any) float64
}

func (f *Field) attname() string {
	if f.Attr != "" {
		return f.Attr
	}
	return f.Name
}

func (f *Field) codec() codec.Codec {
	if f.Codec != nil {
		return f.Codec
	}
	if f.Structure != KindNone {
		return codec.Default
	}
	return codec.Scalar{}
}

// Encode serializes a value for storage.
func (f *Field) Encode(v any) ([]byte, error) {
	return f.codec().Marshal(v)
}

// Decode deserializes a stored value into target.
func (f *Field) Decode(data []byte, target any) error {
	return f.codec().Unmarshal(data, target)
}

// Relation is a typed reference to another model: the foreign identifier
// is stored in Attr, the owning model is named explicitly and resolved
// via lookup, never dereferenced implicitly.
type Relation struct {
	// Name is the public relation name.
	Name string

	// Attr is the attribute on this model holding the foreign id. It is
	// always indexed, so reverse lookups and cascades stay key-level.
	Attr string

	// Model is the related model name.
	Model string

	// Required relations enforce non-null integrity: deleting the target
	// cascades to the owner.
	Required bool
}

// Ordering declares model-level default ordering. Instances are then
// stored in a sorted primary-key index.
type Ordering struct {
	// Name is the field driving the ordering.
	Name string

	// Desc orders descending.
	Desc bool

	// Auto assigns scores from a store-side auto-incrementing counter
	// instead of the field value.
	Auto bool
}

// Meta describes a model: its fields, relations and ordering. A Meta is
// immutable after registration.
type Meta struct {
	// Name is the model name; it becomes part of every key.
	Name string

	// PK is the primary-key attribute name. Defaults to "id".
	PK string

	Fields    []*Field
	Relations []*Relation
	Ordering  *Ordering

	fieldsByName map[string]*Field
	indices      []string
	multi        []string
}

// metaJSON is the metadata blob shipped with every script invocation.
// Namespace carries the full model base key.
type metaJSON struct {
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`
	PK        string    `json:"pk"`
	Ordering  *Ordering `json:"ordering,omitempty"`
	Indices   []string  `json:"indices"`
	Multi     []string  `json:"multi"`
}

func (m *Meta) init() error {
	if m.Name == "" {
		return fmt.Errorf("model name must not be empty")
	}
	if m.PK == "" {
		m.PK = "id"
	}
	m.fieldsByName = make(map[string]*Field, len(m.Fields))
	m.indices = m.indices[:0]
	m.multi = m.multi[:0]
	for _, f := range m.Fields {
		if f.Name == "" {
			return fmt.Errorf("model %s: field name must not be empty", m.Name)
		}
		if _, dup := m.fieldsByName[f.Name]; dup {
			return fmt.Errorf("model %s: duplicate field %s", m.Name, f.Name)
		}
		m.fieldsByName[f.Name] = f
		if f.Index {
			m.indices = append(m.indices, f.attname())
		}
		if f.Structure != KindNone {
			m.multi = append(m.multi, f.attname())
		}
	}
	for _, r := range m.Relations {
		if r.Attr == "" || r.Model == "" {
			return fmt.Errorf("model %s: relation %s needs Attr and Model", m.Name, r.Name)
		}
		// Relation attributes are always filterable.
		if _, ok := m.fieldsByName[r.Attr]; !ok {
			f := &Field{Name: r.Attr, Index: true, Required: r.Required}
			m.Fields = append(m.Fields, f)
			m.fieldsByName[r.Attr] = f
			m.indices = append(m.indices, r.Attr)
		}
	}
	if m.Ordering != nil {
		if _, ok := m.fieldsByName[m.Ordering.Name]; !ok && !m.Ordering.Auto {
			return fmt.Errorf("model %s: ordering field %s not declared", m.Name, m.Ordering.Name)
		}
	}
	return nil
}

// Field returns the descriptor for a public field name.
func (m *Meta) Field(name string) (*Field, bool) {
	f, ok := m.fieldsByName[name]
	return f, ok
}

// Relation returns the descriptor for a relation name.
func (m *Meta) Relation(name string) (*Relation, bool) {
	for _, r := range m.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}
