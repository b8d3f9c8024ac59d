package redmap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/redmap/codec"
	"github.com/hupe1980/redmap/internal/keys"
	"github.com/hupe1980/redmap/script"
)

// Structure is a store-backed data structure with client-side write
// buffering. Writes accumulate in a local cache and flush as at most one
// add command and one remove command on a shared pipeline; ClearCache
// runs only after the pipeline executed, so a failed flush loses nothing.
type Structure interface {
	// Key returns the store key.
	Key() string

	// Kind returns the store-side shape.
	Kind() StructureKind

	// Dirty reports whether the cache holds unflushed writes.
	Dirty() bool

	// Flush queues the buffered writes on the pipeline.
	Flush(ctx context.Context, pipe redis.Pipeliner) error

	// ClearCache drops the buffered writes.
	ClearCache()
}

// StructureKey returns the key of a structure-backed field on an
// instance.
func (b *Backend) StructureKey(model, id, field string) (string, error) {
	m, err := b.reg.Meta(model)
	if err != nil {
		return "", err
	}
	f, ok := m.Field(field)
	if !ok || f.Structure == KindNone {
		return "", fmt.Errorf("no structure field %s on %s", field, model)
	}
	return keys.Join(keys.Object(b.basekey(m), id), f.attname()), nil
}

// StructureInfo is the store's view of one structure key.
type StructureInfo struct {
	Type string
	Size int64
}

// StructureInfos reports type and size per key, one atomic script call.
// Useful for verifying flush outcomes.
func (b *Backend) StructureInfos(ctx context.Context, model string, ks ...string) ([]StructureInfo, error) {
	m, err := b.reg.Meta(model)
	if err != nil {
		return nil, err
	}
	pipe := b.client.Pipeline()
	cmd, err := b.odmrun(ctx, pipe, script.Structure, m, ks)
	if err != nil {
		return nil, err
	}
	if _, err := b.dispatch(ctx, pipe); err != nil {
		return nil, err
	}
	rows, ok := cmd.Val().([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected structure reply %T", cmd.Val())
	}
	out := make([]StructureInfo, 0, len(rows))
	for _, r := range rows {
		pair, ok := r.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("malformed structure row %v", r)
		}
		size, _ := pair[1].(int64)
		out = append(out, StructureInfo{Type: asString(pair[0]), Size: size})
	}
	return out, nil
}

// base embeds the pieces every structure shares.
type structureBase struct {
	backend *Backend
	key     string
	codec   codec.Codec
}

func (s *structureBase) Key() string { return s.key }

func (s *structureBase) encode(v any) (string, error) {
	raw, err := s.codec.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode structure value for %s: %w", s.key, err)
	}
	return string(raw), nil
}

// FlushOne flushes a single structure on its own pipeline. Sessions batch
// many structures instead; see Session.AddStructure.
func (b *Backend) FlushOne(ctx context.Context, st Structure) error {
	if !st.Dirty() {
		return nil
	}
	pipe := b.client.Pipeline()
	if err := st.Flush(ctx, pipe); err != nil {
		return err
	}
	_, err := b.dispatch(ctx, pipe)
	b.opts.logger.LogFlush(ctx, st.Key(), true, err)
	if err != nil {
		return err
	}
	st.ClearCache()
	return nil
}

// SetStructure is an unordered collection of unique values.
type SetStructure struct {
	structureBase
	toAdd    []any
	toRemove []any
}

// Set returns a set structure on the given key.
func (b *Backend) Set(key string, c codec.Codec) *SetStructure {
	if c == nil {
		c = b.opts.codec
	}
	return &SetStructure{structureBase: structureBase{backend: b, key: key, codec: c}}
}

func (s *SetStructure) Kind() StructureKind { return KindSet }
func (s *SetStructure) Dirty() bool         { return len(s.toAdd)+len(s.toRemove) > 0 }

func (s *SetStructure) Add(values ...any) error {
	for _, v := range values {
		enc, err := s.encode(v)
		if err != nil {
			return err
		}
		s.toAdd = append(s.toAdd, enc)
	}
	return nil
}

func (s *SetStructure) Remove(values ...any) error {
	for _, v := range values {
		enc, err := s.encode(v)
		if err != nil {
			return err
		}
		s.toRemove = append(s.toRemove, enc)
	}
	return nil
}

func (s *SetStructure) Flush(ctx context.Context, pipe redis.Pipeliner) error {
	if len(s.toAdd) > 0 {
		pipe.SAdd(ctx, s.key, s.toAdd...)
	}
	if len(s.toRemove) > 0 {
		pipe.SRem(ctx, s.key, s.toRemove...)
	}
	return nil
}

func (s *SetStructure) ClearCache() { s.toAdd, s.toRemove = nil, nil }

func (s *SetStructure) Size(ctx context.Context) (int64, error) {
	return s.backend.client.SCard(ctx, s.key).Result()
}

func (s *SetStructure) Contains(ctx context.Context, v any) (bool, error) {
	enc, err := s.encode(v)
	if err != nil {
		return false, err
	}
	return s.backend.client.SIsMember(ctx, s.key, enc).Result()
}

func (s *SetStructure) Members(ctx context.Context) ([]string, error) {
	return s.backend.client.SMembers(ctx, s.key).Result()
}

// StringStructure is a plain string value with buffered appends.
type StringStructure struct {
	structureBase
	toAppend []byte
}

// String returns a string structure on the given key.
func (b *Backend) String(key string) *StringStructure {
	return &StringStructure{structureBase: structureBase{backend: b, key: key, codec: codec.Scalar{}}}
}

func (s *StringStructure) Kind() StructureKind { return KindString }
func (s *StringStructure) Dirty() bool         { return len(s.toAppend) > 0 }

// Append buffers data for appending to the value.
func (s *StringStructure) Append(data []byte) {
	s.toAppend = append(s.toAppend, data...)
}

func (s *StringStructure) Flush(ctx context.Context, pipe redis.Pipeliner) error {
	if len(s.toAppend) > 0 {
		pipe.Append(ctx, s.key, string(s.toAppend))
	}
	return nil
}

func (s *StringStructure) ClearCache() { s.toAppend = nil }

func (s *StringStructure) Size(ctx context.Context) (int64, error) {
	return s.backend.client.StrLen(ctx, s.key).Result()
}

// Value reads the whole string. A missing key reads as empty.
func (s *StringStructure) Value(ctx context.Context) (string, error) {
	v, err := s.backend.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// ZSetStructure is an ordered collection of unique values scored by
// floats.
type ZSetStructure struct {
	structureBase
	toAdd    []redis.Z
	toRemove []any
}

// ZSet returns a sorted-set structure on the given key.
func (b *Backend) ZSet(key string, c codec.Codec) *ZSetStructure {
	if c == nil {
		c = b.opts.codec
	}
	return &ZSetStructure{structureBase: structureBase{backend: b, key: key, codec: c}}
}

func (z *ZSetStructure) Kind() StructureKind { return KindZSet }
func (z *ZSetStructure) Dirty() bool         { return len(z.toAdd)+len(z.toRemove) > 0 }

func (z *ZSetStructure) Add(score float64, v any) error {
	enc, err := z.encode(v)
	if err != nil {
		return err
	}
	z.toAdd = append(z.toAdd, redis.Z{Score: score, Member: enc})
	return nil
}

func (z *ZSetStructure) Remove(values ...any) error {
	for _, v := range values {
		enc, err := z.encode(v)
		if err != nil {
			return err
		}
		z.toRemove = append(z.toRemove, enc)
	}
	return nil
}

func (z *ZSetStructure) Flush(ctx context.Context, pipe redis.Pipeliner) error {
	if len(z.toAdd) > 0 {
		pipe.ZAdd(ctx, z.key, z.toAdd...)
	}
	if len(z.toRemove) > 0 {
		pipe.ZRem(ctx, z.key, z.toRemove...)
	}
	return nil
}

func (z *ZSetStructure) ClearCache() { z.toAdd, z.toRemove = nil, nil }

func (z *ZSetStructure) Size(ctx context.Context) (int64, error) {
	return z.backend.client.ZCard(ctx, z.key).Result()
}

// Range returns members by rank, both bounds inclusive.
func (z *ZSetStructure) Range(ctx context.Context, start, stop int64) ([]string, error) {
	return z.backend.client.ZRange(ctx, z.key, start, stop).Result()
}

// RangeByScore returns members with their scores for a score interval.
func (z *ZSetStructure) RangeByScore(ctx context.Context, min, max float64) ([]redis.Z, error) {
	return z.backend.client.ZRangeByScoreWithScores(ctx, z.key, &redis.ZRangeBy{
		Min: strconvFloat(min),
		Max: strconvFloat(max),
	}).Result()
}

// PopRange atomically returns and removes the members of a score
// interval.
func (z *ZSetStructure) PopRange(ctx context.Context, min, max float64) ([]redis.Z, error) {
	lo, hi := strconvFloat(min), strconvFloat(max)
	var get *redis.ZSliceCmd
	_, err := z.backend.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.ZRangeByScoreWithScores(ctx, z.key, &redis.ZRangeBy{Min: lo, Max: hi})
		pipe.ZRemRangeByScore(ctx, z.key, lo, hi)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return get.Val(), nil
}

func strconvFloat(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return fmt.Sprintf("%g", f)
	}
}

// HashStructure is a field-to-value map.
type HashStructure struct {
	structureBase
	toSet    map[string]any
	toRemove []string
}

// Hash returns a hash structure on the given key.
func (b *Backend) Hash(key string, c codec.Codec) *HashStructure {
	if c == nil {
		c = b.opts.codec
	}
	return &HashStructure{
		structureBase: structureBase{backend: b, key: key, codec: c},
		toSet:         make(map[string]any),
	}
}

func (h *HashStructure) Kind() StructureKind { return KindHash }
func (h *HashStructure) Dirty() bool         { return len(h.toSet)+len(h.toRemove) > 0 }

func (h *HashStructure) Set(field string, v any) error {
	enc, err := h.encode(v)
	if err != nil {
		return err
	}
	h.toSet[field] = enc
	return nil
}

func (h *HashStructure) Remove(fields ...string) {
	h.toRemove = append(h.toRemove, fields...)
}

func (h *HashStructure) Flush(ctx context.Context, pipe redis.Pipeliner) error {
	if len(h.toSet) > 0 {
		flat := make([]any, 0, 2*len(h.toSet))
		for k, v := range h.toSet {
			flat = append(flat, k, v)
		}
		pipe.HSet(ctx, h.key, flat...)
	}
	if len(h.toRemove) > 0 {
		pipe.HDel(ctx, h.key, h.toRemove...)
	}
	return nil
}

func (h *HashStructure) ClearCache() {
	h.toSet = make(map[string]any)
	h.toRemove = nil
}

func (h *HashStructure) Size(ctx context.Context) (int64, error) {
	return h.backend.client.HLen(ctx, h.key).Result()
}

func (h *HashStructure) Get(ctx context.Context, field string) (string, error) {
	return h.backend.client.HGet(ctx, h.key, field).Result()
}

func (h *HashStructure) GetAll(ctx context.Context) (map[string]string, error) {
	return h.backend.client.HGetAll(ctx, h.key).Result()
}

func (h *HashStructure) Contains(ctx context.Context, field string) (bool, error) {
	return h.backend.client.HExists(ctx, h.key, field).Result()
}

// Pop atomically returns and removes one field. The second result is
// false when the field does not exist.
func (h *HashStructure) Pop(ctx context.Context, field string) (string, bool, error) {
	var get *redis.StringCmd
	_, err := h.backend.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, h.key, field)
		pipe.HDel(ctx, h.key, field)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return get.Val(), true, nil
}

// ListStructure is an ordered sequence with push-front and push-back.
type ListStructure struct {
	structureBase
	front []any
	back  []any
}

// List returns a list structure on the given key.
func (b *Backend) List(key string, c codec.Codec) *ListStructure {
	if c == nil {
		c = b.opts.codec
	}
	return &ListStructure{structureBase: structureBase{backend: b, key: key, codec: c}}
}

func (l *ListStructure) Kind() StructureKind { return KindList }
func (l *ListStructure) Dirty() bool         { return len(l.front)+len(l.back) > 0 }

func (l *ListStructure) PushBack(values ...any) error {
	for _, v := range values {
		enc, err := l.encode(v)
		if err != nil {
			return err
		}
		l.back = append(l.back, enc)
	}
	return nil
}

func (l *ListStructure) PushFront(values ...any) error {
	for _, v := range values {
		enc, err := l.encode(v)
		if err != nil {
			return err
		}
		l.front = append(l.front, enc)
	}
	return nil
}

func (l *ListStructure) Flush(ctx context.Context, pipe redis.Pipeliner) error {
	if len(l.front) > 0 {
		// LPUSH reverses its arguments; pre-reverse so the cache order
		// survives.
		rev := make([]any, len(l.front))
		for i, v := range l.front {
			rev[len(l.front)-1-i] = v
		}
		pipe.LPush(ctx, l.key, rev...)
	}
	if len(l.back) > 0 {
		pipe.RPush(ctx, l.key, l.back...)
	}
	return nil
}

func (l *ListStructure) ClearCache() { l.front, l.back = nil, nil }

func (l *ListStructure) Size(ctx context.Context) (int64, error) {
	return l.backend.client.LLen(ctx, l.key).Result()
}

func (l *ListStructure) Range(ctx context.Context, start, stop int64) ([]string, error) {
	return l.backend.client.LRange(ctx, l.key, start, stop).Result()
}

// PopFront removes and returns the first element. The second result is
// false when the list is empty.
func (l *ListStructure) PopFront(ctx context.Context) (string, bool, error) {
	v, err := l.backend.client.LPop(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return v, err == nil, err
}

// PopBack removes and returns the last element.
func (l *ListStructure) PopBack(ctx context.Context) (string, bool, error) {
	v, err := l.backend.client.RPop(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return v, err == nil, err
}

// NumberArray is a fixed-width array of float64 values stored as one raw
// string, eight bytes big-endian per entry. Indexing is zero-based on the
// Go side.
type NumberArray struct {
	structureBase
	pushes []float64
}

// Array returns a numeric array structure on the given key.
func (b *Backend) Array(key string) *NumberArray {
	return &NumberArray{structureBase: structureBase{backend: b, key: key, codec: codec.Scalar{}}}
}

func (a *NumberArray) Kind() StructureKind { return KindArray }
func (a *NumberArray) Dirty() bool         { return len(a.pushes) > 0 }

// PushBack buffers values for appending.
func (a *NumberArray) PushBack(values ...float64) {
	a.pushes = append(a.pushes, values...)
}

func (a *NumberArray) Flush(ctx context.Context, pipe redis.Pipeliner) error {
	if len(a.pushes) == 0 {
		return nil
	}
	args := make([]any, len(a.pushes))
	for i, v := range a.pushes {
		args[i] = strconvFloat(v)
	}
	script.NumberArrayPushBack.Run(ctx, pipe, []string{a.key}, args...)
	return nil
}

func (a *NumberArray) ClearCache() { a.pushes = nil }

func (a *NumberArray) Size(ctx context.Context) (int64, error) {
	n, err := a.backend.client.StrLen(ctx, a.key).Result()
	return n / 8, err
}

// Get reads one entry.
func (a *NumberArray) Get(ctx context.Context, i int) (float64, error) {
	res, err := script.NumberArrayGetSet.Run(ctx, a.backend.client,
		[]string{a.key}, "get", i+1).Result()
	if err != nil {
		return 0, err
	}
	var f float64
	if _, err := fmt.Sscan(asString(res), &f); err != nil {
		return 0, fmt.Errorf("array %s entry %d: %w", a.key, i, err)
	}
	return f, nil
}

// Set writes one entry in place.
func (a *NumberArray) Set(ctx context.Context, i int, v float64) error {
	err := script.NumberArrayGetSet.Run(ctx, a.backend.client,
		[]string{a.key}, "set", i+1, strconvFloat(v)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Resize grows or truncates the array; new slots take the fill value.
func (a *NumberArray) Resize(ctx context.Context, n int, fill float64) error {
	return script.NumberArrayResize.Run(ctx, a.backend.client,
		[]string{a.key}, n, strconvFloat(fill)).Err()
}

// All reads the whole array.
func (a *NumberArray) All(ctx context.Context) ([]float64, error) {
	res, err := script.NumberArrayAllRaw.Run(ctx, a.backend.client, []string{a.key}).Result()
	if err != nil {
		return nil, err
	}
	raw := []byte(asString(res))
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("array %s has truncated payload of %d bytes", a.key, len(raw))
	}
	out := make([]float64, len(raw)/8)
	for i := range out {
		bits := binary.BigEndian.Uint64(raw[i*8:])
		out[i] = math.Float64frombits(bits)
	}
	return out, nil
}
