package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Zstd wraps an inner codec with zstd compression.
//
// Intended for large structured payloads and archive blobs where network
// and memory cost dominates. Small values grow slightly; pick per field.
type Zstd struct {
	inner Codec
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewZstd creates a zstd-compressing wrapper around inner.
// If inner is nil, the default codec is used.
func NewZstd(inner Codec) *Zstd {
	if inner == nil {
		inner = Default
	}
	// Errors only occur for invalid options; defaults cannot fail.
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return &Zstd{inner: inner, enc: enc, dec: dec}
}

// Marshal encodes with the inner codec, then compresses.
func (c *Zstd) Marshal(v any) ([]byte, error) {
	raw, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, nil), nil
}

// Unmarshal decompresses, then decodes with the inner codec.
func (c *Zstd) Unmarshal(data []byte, v any) error {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd decode: %w", err)
	}
	return c.inner.Unmarshal(raw, v)
}

// Name returns "zstd+" followed by the inner codec name.
func (c *Zstd) Name() string { return "zstd+" + c.inner.Name() }

// LZ4 wraps an inner codec with lz4 block compression.
//
// Cheaper than zstd on both ends with a worse ratio; the archive writer
// uses it for streaming exports.
type LZ4 struct {
	inner Codec
}

// NewLZ4 creates an lz4-compressing wrapper around inner.
// If inner is nil, the default codec is used.
func NewLZ4(inner Codec) *LZ4 {
	if inner == nil {
		inner = Default
	}
	return &LZ4{inner: inner}
}

// Marshal encodes with the inner codec, then compresses.
func (c *LZ4) Marshal(v any) ([]byte, error) {
	raw, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decompresses, then decodes with the inner codec.
func (c *LZ4) Unmarshal(data []byte, v any) error {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return fmt.Errorf("lz4 decode: %w", err)
	}
	return c.inner.Unmarshal(raw, v)
}

// Name returns "lz4+" followed by the inner codec name.
func (c *LZ4) Name() string { return "lz4+" + c.inner.Name() }
