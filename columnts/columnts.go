// Package columnts implements a multi-field (column oriented) timeseries
// on top of a sorted-set timeline. Each field is a column stored in its
// own hash keyed by timestamp; writes buffer client-side in an ordered
// cache and flush as one atomic script call.
package columnts

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/redmap"
	"github.com/hupe1980/redmap/codec"
	"github.com/hupe1980/redmap/internal/skiplist"
	"github.com/hupe1980/redmap/script"
)

// Resolution maps between time.Time and the integer timestamps stored on
// the timeline.
type Resolution int

const (
	Seconds Resolution = iota
	Milliseconds
	Microseconds
	Nanoseconds
)

// ToUnix converts a time to a stored timestamp.
func (r Resolution) ToUnix(t time.Time) int64 {
	switch r {
	case Milliseconds:
		return t.UnixMilli()
	case Microseconds:
		return t.UnixMicro()
	case Nanoseconds:
		return t.UnixNano()
	default:
		return t.Unix()
	}
}

// ToTime converts a stored timestamp back to a time.
func (r Resolution) ToTime(ts int64) time.Time {
	switch r {
	case Milliseconds:
		return time.UnixMilli(ts)
	case Microseconds:
		return time.UnixMicro(ts)
	case Nanoseconds:
		return time.Unix(0, ts)
	default:
		return time.Unix(ts, 0)
	}
}

type options struct {
	resolution Resolution
	codec      codec.Codec
}

// Option configures a ColumnTS.
type Option func(*options)

// WithResolution sets the timestamp resolution. Default is seconds.
func WithResolution(r Resolution) Option {
	return func(o *options) { o.resolution = r }
}

// WithCodec sets the value codec. Default is the scalar codec; numeric
// columns must stay scalar for server-side statistics and merging to see
// their values.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// ColumnTS is one timeseries. It implements redmap.Structure, so a
// session can flush it together with instance commits.
type ColumnTS struct {
	client redis.UniversalClient
	key    string
	opts   options

	fields       map[string]*skiplist.List
	deleteFields map[string]bool
	deleteTimes  map[int64]bool

	loadOnce sync.Once
	loadErr  error
}

// New creates a timeseries on the given key.
func New(client redis.UniversalClient, key string, optFns ...Option) *ColumnTS {
	o := options{codec: codec.Scalar{}}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return &ColumnTS{
		client:       client,
		key:          key,
		opts:         o,
		fields:       make(map[string]*skiplist.List),
		deleteFields: make(map[string]bool),
		deleteTimes:  make(map[int64]bool),
	}
}

// Key returns the store key.
func (c *ColumnTS) Key() string { return c.key }

// Kind returns the store-side shape.
func (c *ColumnTS) Kind() redmap.StructureKind { return redmap.KindTS }

// Resolution returns the configured timestamp resolution.
func (c *ColumnTS) Resolution() Resolution { return c.opts.resolution }

// Dirty reports whether the cache holds unflushed writes.
func (c *ColumnTS) Dirty() bool {
	if len(c.deleteFields) > 0 || len(c.deleteTimes) > 0 {
		return true
	}
	for _, l := range c.fields {
		if l.Len() > 0 {
			return true
		}
	}
	return false
}

// Add buffers one value. The same (time, field) pair added twice keeps
// the last value.
func (c *ColumnTS) Add(t time.Time, field string, value any) error {
	raw, err := c.opts.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s value for %s: %w", field, c.key, err)
	}
	l := c.fields[field]
	if l == nil {
		l = skiplist.New()
		c.fields[field] = l
	}
	l.Insert(c.opts.resolution.ToUnix(t), raw)
	return nil
}

// AddMany buffers one timestamp across several fields.
func (c *ColumnTS) AddMany(t time.Time, values map[string]any) error {
	names := make([]string, 0, len(values))
	for f := range values {
		names = append(names, f)
	}
	sort.Strings(names)
	for _, f := range names {
		if err := c.Add(t, f, values[f]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteField buffers removal of a whole column.
func (c *ColumnTS) DeleteField(field string) {
	delete(c.fields, field)
	c.deleteFields[field] = true
}

// DeleteTime buffers removal of one timestamp across all columns.
func (c *ColumnTS) DeleteTime(t time.Time) {
	ts := c.opts.resolution.ToUnix(t)
	for _, l := range c.fields {
		l.Remove(ts)
	}
	c.deleteTimes[ts] = true
}

// Flush queues the buffered writes: at most one removal call followed by
// one addition call, both atomic server-side.
func (c *ColumnTS) Flush(ctx context.Context, pipe redis.Pipeliner) error {
	if dels := c.deleteArgs(); dels != nil {
		script.TS.Run(ctx, pipe, []string{c.key}, dels...)
	}
	if adds := c.addArgs(); adds != nil {
		script.TS.Run(ctx, pipe, []string{c.key}, adds...)
	}
	return nil
}

// ClearCache drops the buffered writes.
func (c *ColumnTS) ClearCache() {
	c.fields = make(map[string]*skiplist.List)
	c.deleteFields = make(map[string]bool)
	c.deleteTimes = make(map[int64]bool)
}

// deleteArgs builds the 'del' wire layout:
// del, nfields, fields..., ntimes, times...
func (c *ColumnTS) deleteArgs() []any {
	if len(c.deleteFields) == 0 && len(c.deleteTimes) == 0 {
		return nil
	}
	fields := make([]string, 0, len(c.deleteFields))
	for f := range c.deleteFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	times := make([]int64, 0, len(c.deleteTimes))
	for ts := range c.deleteTimes {
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	args := []any{"del", strconv.Itoa(len(fields))}
	for _, f := range fields {
		args = append(args, f)
	}
	args = append(args, strconv.Itoa(len(times)))
	for _, ts := range times {
		args = append(args, strconv.FormatInt(ts, 10))
	}
	return args
}

// addArgs builds the 'add' wire layout: add, then (field, ts, value)
// triples in field order, timestamps ascending within a field.
func (c *ColumnTS) addArgs() []any {
	names := make([]string, 0, len(c.fields))
	for f, l := range c.fields {
		if l.Len() > 0 {
			names = append(names, f)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	args := []any{"add"}
	for _, f := range names {
		c.fields[f].Walk(func(ts int64, value []byte) bool {
			args = append(args, f, strconv.FormatInt(ts, 10), string(value))
			return true
		})
	}
	return args
}

// flushNow flushes on a private pipeline; reads call it so the store
// always reflects buffered writes. The script preloads once because a
// pipelined EVALSHA cannot fall back to EVAL.
func (c *ColumnTS) flushNow(ctx context.Context) error {
	if !c.Dirty() {
		return nil
	}
	if c.client == nil {
		return fmt.Errorf("flush %s: %w", c.key, redmap.ErrSessionUnavailable)
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}
	pipe := c.client.Pipeline()
	if err := c.Flush(ctx, pipe); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	c.ClearCache()
	return nil
}

func (c *ColumnTS) ensureLoaded(ctx context.Context) error {
	c.loadOnce.Do(func() {
		c.loadErr = script.TS.Load(ctx, c.client).Err()
	})
	return c.loadErr
}

func (c *ColumnTS) run(ctx context.Context, args ...any) (any, error) {
	if c.client == nil {
		return nil, fmt.Errorf("read %s: %w", c.key, redmap.ErrSessionUnavailable)
	}
	if err := c.flushNow(ctx); err != nil {
		return nil, err
	}
	return script.TS.Run(ctx, c.client, []string{c.key}, args...).Result()
}

func (c *ColumnTS) ts(t time.Time) string {
	return strconv.FormatInt(c.opts.resolution.ToUnix(t), 10)
}

// Size returns the number of timestamps.
func (c *ColumnTS) Size(ctx context.Context) (int64, error) {
	res, err := c.run(ctx, "size")
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// Exists reports whether the timeline holds the given time.
func (c *ColumnTS) Exists(ctx context.Context, t time.Time) (bool, error) {
	res, err := c.run(ctx, "exists", c.ts(t))
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Count returns the number of timestamps within [start, end].
func (c *ColumnTS) Count(ctx context.Context, start, end time.Time) (int64, error) {
	res, err := c.run(ctx, "count", c.ts(start), c.ts(end))
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// Rank returns the timeline position of t, or -1 when absent.
func (c *ColumnTS) Rank(ctx context.Context, t time.Time) (int64, error) {
	res, err := c.run(ctx, "rank", c.ts(t))
	if err != nil {
		return 0, err
	}
	if res == nil {
		return -1, nil
	}
	n, _ := res.(int64)
	return n, nil
}

// NumFields returns the number of columns.
func (c *ColumnTS) NumFields(ctx context.Context) (int64, error) {
	res, err := c.run(ctx, "numfields")
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// Fields returns the column names, sorted.
func (c *ColumnTS) Fields(ctx context.Context) ([]string, error) {
	res, err := c.run(ctx, "fields")
	if err != nil {
		return nil, err
	}
	return toStrings(res), nil
}

// Times returns the timestamps within [start, end].
func (c *ColumnTS) Times(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	res, err := c.run(ctx, "times", c.ts(start), c.ts(end))
	if err != nil {
		return nil, err
	}
	return c.toTimes(res), nil
}

// ITimes returns the timestamps within rank interval [i1, i2], both
// bounds inclusive, negatives counting from the end.
func (c *ColumnTS) ITimes(ctx context.Context, i1, i2 int64) ([]time.Time, error) {
	res, err := c.run(ctx, "itimes", i1, i2)
	if err != nil {
		return nil, err
	}
	return c.toTimes(res), nil
}

// Front returns the earliest timestamp.
func (c *ColumnTS) Front(ctx context.Context) (time.Time, bool, error) {
	return c.edge(ctx, 0)
}

// Back returns the latest timestamp.
func (c *ColumnTS) Back(ctx context.Context) (time.Time, bool, error) {
	return c.edge(ctx, -1)
}

func (c *ColumnTS) edge(ctx context.Context, rank int64) (time.Time, bool, error) {
	times, err := c.ITimes(ctx, rank, rank)
	if err != nil || len(times) == 0 {
		return time.Time{}, false, err
	}
	return times[0], true, nil
}

// Get returns the column values at one time.
func (c *ColumnTS) Get(ctx context.Context, t time.Time, fields ...string) (map[string]string, bool, error) {
	res, err := c.run(ctx, append([]any{"get", c.ts(t)}, fieldArgs(fields)...)...)
	if err != nil {
		return nil, false, err
	}
	s, err := c.parseSeries(res)
	if err != nil {
		return nil, false, err
	}
	if len(s.Times) == 0 {
		return nil, false, nil
	}
	out := make(map[string]string, len(s.Fields))
	for f, vals := range s.Fields {
		if len(vals) > 0 && vals[0] != "" {
			out[f] = vals[0]
		}
	}
	return out, true, nil
}

// Range returns the series within [start, end].
func (c *ColumnTS) Range(ctx context.Context, start, end time.Time, fields ...string) (*Series, error) {
	return c.rangeCmd(ctx, "range", c.ts(start), c.ts(end), fields)
}

// IRange returns the series within rank interval [i1, i2].
func (c *ColumnTS) IRange(ctx context.Context, i1, i2 int64, fields ...string) (*Series, error) {
	return c.rangeCmd(ctx, "irange", strconv.FormatInt(i1, 10), strconv.FormatInt(i2, 10), fields)
}

// PopRange returns and removes the series within [start, end].
func (c *ColumnTS) PopRange(ctx context.Context, start, end time.Time, fields ...string) (*Series, error) {
	return c.rangeCmd(ctx, "pop_range", c.ts(start), c.ts(end), fields)
}

// IPopRange returns and removes the series within rank interval [i1, i2].
func (c *ColumnTS) IPopRange(ctx context.Context, i1, i2 int64, fields ...string) (*Series, error) {
	return c.rangeCmd(ctx, "ipop_range", strconv.FormatInt(i1, 10), strconv.FormatInt(i2, 10), fields)
}

// Pop returns and removes the values at one time.
func (c *ColumnTS) Pop(ctx context.Context, t time.Time) (map[string]string, bool, error) {
	res, err := c.run(ctx, "pop", c.ts(t))
	if err != nil {
		return nil, false, err
	}
	s, err := c.parseSeries(res)
	if err != nil || len(s.Times) == 0 {
		return nil, false, err
	}
	out := make(map[string]string, len(s.Fields))
	for f, vals := range s.Fields {
		if len(vals) > 0 && vals[0] != "" {
			out[f] = vals[0]
		}
	}
	return out, true, nil
}

// IPop returns and removes the entry at one rank.
func (c *ColumnTS) IPop(ctx context.Context, rank int64) (*Series, error) {
	res, err := c.run(ctx, "ipop", rank)
	if err != nil {
		return nil, err
	}
	return c.parseSeries(res)
}

func (c *ColumnTS) rangeCmd(ctx context.Context, sub, a, b string, fields []string) (*Series, error) {
	args := append([]any{sub, a, b}, fieldArgs(fields)...)
	args = append(args, "0") // values wanted
	res, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return c.parseSeries(res)
}

func fieldArgs(fields []string) []any {
	args := []any{strconv.Itoa(len(fields))}
	for _, f := range fields {
		args = append(args, f)
	}
	return args
}

// Series is a decoded range reply: timestamps plus per-column values
// aligned with them. A missing value is the empty string.
type Series struct {
	Times  []time.Time
	Fields map[string][]string
}

// Float returns a column as float64 values aligned with Times. Missing
// entries raise an error.
func (s *Series) Float(field string) ([]float64, error) {
	vals, ok := s.Fields[field]
	if !ok {
		return nil, fmt.Errorf("no field %s in series", field)
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		if v == "" {
			return nil, fmt.Errorf("field %s has no value at position %d", field, i)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s position %d: %w", field, i, err)
		}
		out[i] = f
	}
	return out, nil
}

func (c *ColumnTS) parseSeries(raw any) (*Series, error) {
	s := &Series{Fields: make(map[string][]string)}
	top, ok := raw.([]any)
	if !ok {
		if raw == nil {
			return s, nil
		}
		return nil, fmt.Errorf("unexpected series reply %T", raw)
	}
	if len(top) == 0 {
		return s, nil
	}
	for _, t := range toStrings(top[0]) {
		ts, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", t, err)
		}
		s.Times = append(s.Times, c.opts.resolution.ToTime(ts))
	}
	if len(top) > 1 {
		rows, _ := top[1].([]any)
		for _, r := range rows {
			pair, ok := r.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("malformed series column %v", r)
			}
			s.Fields[str(pair[0])] = toStrings(pair[1])
		}
	}
	return s, nil
}

func (c *ColumnTS) toTimes(raw any) []time.Time {
	strs := toStrings(raw)
	out := make([]time.Time, 0, len(strs))
	for _, t := range strs {
		if ts, err := strconv.ParseInt(t, 10, 64); err == nil {
			out = append(out, c.opts.resolution.ToTime(ts))
		}
	}
	return out
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func toStrings(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, len(list))
	for i, v := range list {
		out[i] = str(v)
	}
	return out
}
