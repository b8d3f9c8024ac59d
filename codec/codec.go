// Package codec centralizes value encoding for stored attributes.
//
// A codec is chosen per field at model-registration time, never per call:
// if you change a field's codec, bytes persisted by the older codec may no
// longer decode.
package codec

import "fmt"

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
//
// Archive blobs and model metadata store the codec name, so persisted data
// is self-describing and can be validated on load.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	case "gob":
		return Gob{}, true
	case "scalar":
		return Scalar{}, true
	case "zstd+go-json":
		return NewZstd(GoJSON{}), true
	case "lz4+go-json":
		return NewLZ4(GoJSON{}), true
	default:
		return nil, false
	}
}

// MustMarshal is a helper for internal tests/benchmarks.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}
