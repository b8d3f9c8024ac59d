package codec

import (
	"bytes"
	"encoding/gob"
)

// Gob encodes values with encoding/gob.
//
// Gob is the binary "opaque object" codec: it round-trips arbitrary Go
// values including types JSON cannot express, at the cost of being readable
// only from Go. Use it for fields that are never inspected server-side.
type Gob struct{}

// Marshal encodes the value with gob.
func (Gob) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes gob data into v.
func (Gob) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Name returns the unique name of the codec ("gob").
func (Gob) Name() string { return "gob" }
