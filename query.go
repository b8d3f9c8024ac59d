package redmap

import (
	"context"
	"fmt"
	"math"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/redmap/internal/keys"
	"github.com/hupe1980/redmap/script"
)

// End marks an open-ended slice stop.
const End = math.MaxInt

// lookup kinds within one query condition.
const (
	lookupValue = "value"  // equality against an index
	lookupPK    = "pk"     // equality against the primary key
	lookupSet   = "set"    // operand is an already-compiled key
	lookupInSet = "in_set" // operand is a key holding field values
)

type condition struct {
	field  string
	lookup string
	values []string
	subs   []*Query // compiled to 'set' operands
}

// Query is a declarative object query. Methods return the receiver for
// chaining; construction errors surface on execution. A query never
// touches the store until Count, IDs, Load or GetField runs.
type Query struct {
	backend *Backend
	meta    *Meta
	err     error

	filters  []condition // intersected
	excludes []condition // subtracted
	unions   []*Query
	where    string

	orderField  string
	orderNested string
	orderDesc   bool
	hasOrder    bool

	start, stop int
	hasSlice    bool

	fields  []string
	get     string
	related map[string][]string
}

func (q *Query) fail(reason string) *Query {
	if q.err == nil {
		q.err = &QueryUsageError{Reason: reason}
	}
	return q
}

func (q *Query) checkField(name string) bool {
	if name == q.meta.PK {
		return true
	}
	_, ok := q.meta.Field(name)
	return ok
}

// Filter restricts the result to instances whose field equals any of the
// given values. Multiple Filter calls intersect.
func (q *Query) Filter(field string, values ...any) *Query {
	if q.err != nil {
		return q
	}
	if len(values) == 0 {
		return q.fail("filter needs at least one value")
	}
	if !q.checkField(field) {
		return q.fail("unknown field " + field)
	}
	lookup := lookupValue
	if field == q.meta.PK {
		lookup = lookupPK
	} else if f, _ := q.meta.Field(field); !f.Index {
		return q.fail("field " + field + " is not indexed")
	}
	c := condition{field: field, lookup: lookup}
	for _, v := range values {
		if sub, ok := v.(*Query); ok {
			c.subs = append(c.subs, sub)
		} else {
			c.values = append(c.values, fmt.Sprint(v))
		}
	}
	q.filters = append(q.filters, c)
	return q
}

// Exclude removes instances whose field equals any of the given values.
func (q *Query) Exclude(field string, values ...any) *Query {
	if q.err != nil {
		return q
	}
	if len(values) == 0 {
		return q.fail("exclude needs at least one value")
	}
	if !q.checkField(field) {
		return q.fail("unknown field " + field)
	}
	lookup := lookupValue
	if field == q.meta.PK {
		lookup = lookupPK
	}
	c := condition{field: field, lookup: lookup}
	for _, v := range values {
		c.values = append(c.values, fmt.Sprint(v))
	}
	q.excludes = append(q.excludes, c)
	return q
}

// filterInKey restricts to instances whose field value is a member of the
// given store key. Used by cascading deletes.
func (q *Query) filterInKey(field, key string) *Query {
	q.filters = append(q.filters, condition{
		field: field, lookup: lookupInSet, values: []string{key},
	})
	return q
}

// Union merges another query's results into this one.
func (q *Query) Union(other *Query) *Query {
	if q.err != nil {
		return q
	}
	if other.meta != q.meta {
		return q.fail("union across models")
	}
	q.unions = append(q.unions, other)
	return q
}

// Intersect keeps only instances present in the other query. Sugar over
// Filter with a sub-query on the primary key.
func (q *Query) Intersect(other *Query) *Query {
	if q.err != nil {
		return q
	}
	if other.meta != q.meta {
		return q.fail("intersect across models")
	}
	q.filters = append(q.filters, condition{
		field: q.meta.PK, lookup: lookupSet, subs: []*Query{other},
	})
	return q
}

// Where applies a server-side boolean expression over the instance
// attribute table `this`, e.g. "tonumber(this.age) > 30".
func (q *Query) Where(clause string) *Query {
	if q.err != nil {
		return q
	}
	if strings.TrimSpace(clause) == "" {
		return q.fail("empty where clause")
	}
	q.where = clause
	return q
}

// Sort orders the result by a field. Prefix with '-' for descending;
// "rel__field" follows a relation one level.
func (q *Query) Sort(field string) *Query {
	if q.err != nil {
		return q
	}
	if field == "" {
		return q.fail("empty sort field")
	}
	q.orderDesc = strings.HasPrefix(field, "-")
	field = strings.TrimPrefix(field, "-")
	if i := strings.Index(field, "__"); i > 0 {
		q.orderField, q.orderNested = field[:i], field[i+2:]
		if _, ok := q.meta.Relation(q.orderField); !ok {
			return q.fail("unknown relation " + q.orderField)
		}
	} else {
		q.orderField = field
		if !q.checkField(field) {
			return q.fail("unknown field " + field)
		}
	}
	q.hasOrder = true
	return q
}

// Slice keeps result positions [start, stop), python-style: negatives
// count from the end, End leaves the stop open. Without any ordering the
// positions resolve against the primary key.
func (q *Query) Slice(start, stop int) *Query {
	if q.err != nil {
		return q
	}
	q.start, q.stop, q.hasSlice = start, stop, true
	return q
}

// Fields loads only the named fields.
func (q *Query) Fields(names ...string) *Query {
	if q.err != nil {
		return q
	}
	for _, n := range names {
		if !q.checkField(n) {
			return q.fail("unknown field " + n)
		}
	}
	q.fields = append(q.fields, names...)
	return q
}

// Related side-loads a relation or structure field together with the
// result. For relations an optional field subset restricts which
// attributes travel back; call Related once per name.
func (q *Query) Related(name string, fields ...string) *Query {
	if q.err != nil {
		return q
	}
	if rel, ok := q.meta.Relation(name); ok {
		if len(fields) > 0 {
			rm, err := q.backend.reg.Meta(rel.Model)
			if err != nil {
				return q.fail("unknown related model " + rel.Model)
			}
			for _, f := range fields {
				if f == rm.PK {
					continue
				}
				if _, ok := rm.Field(f); !ok {
					return q.fail("unknown field " + f + " on " + rel.Model)
				}
			}
		}
	} else if f, ok := q.meta.Field(name); ok && f.Structure != KindNone {
		if len(fields) > 0 {
			return q.fail("structure field " + name + " takes no field subset")
		}
	} else {
		return q.fail("no relation or structure field " + name)
	}
	if q.related == nil {
		q.related = make(map[string][]string)
	}
	if q.related[name] == nil {
		// marshals as [] so the script sees a list either way
		q.related[name] = []string{}
	}
	q.related[name] = append(q.related[name], fields...)
	return q
}

func (q *Query) ordered() bool { return q.meta.Ordering != nil }

// compile lowers the query tree to key-level operations on the pipeline
// and returns the key holding the result. The permanent primary-key index
// is reused when the query has no conditions; every other key is
// temporary and receives an expiry on the same pipeline.
func (q *Query) compile(ctx context.Context, pipe redis.Pipeliner) (string, bool, error) {
	if q.err != nil {
		return "", false, q.err
	}
	b, m := q.backend, q.meta
	base := b.basekey(m)
	idkey := keys.Join(base, keys.IDx)

	newTemp := func() string { return b.tempKey(m) }

	compileCond := func(c condition) (string, error) {
		dest := newTemp()
		args := []any{c.field}
		for _, v := range c.values {
			args = append(args, c.lookup, v)
		}
		for _, sub := range c.subs {
			subKey, _, err := sub.compile(ctx, pipe)
			if err != nil {
				return "", err
			}
			args = append(args, lookupSet, subKey)
		}
		if _, err := b.odmrun(ctx, pipe, script.Query, m, []string{dest}, args...); err != nil {
			return "", err
		}
		b.expire(ctx, pipe, dest)
		return dest, nil
	}

	// Keys get normalized to one type ahead of native set algebra.
	normalize := func(operands []string) {
		target := "s"
		if q.ordered() {
			target = "z"
		}
		script.Move2Set.Run(ctx, pipe, operands, target)
	}

	combine := func(op string, operands []string) string {
		dest := newTemp()
		normalize(operands)
		if q.ordered() {
			zs := &redis.ZStore{Keys: operands}
			if op == "union" {
				pipe.ZUnionStore(ctx, dest, zs)
			} else {
				pipe.ZInterStore(ctx, dest, zs)
			}
		} else {
			if op == "union" {
				pipe.SUnionStore(ctx, dest, operands...)
			} else {
				pipe.SInterStore(ctx, dest, operands...)
			}
		}
		b.expire(ctx, pipe, dest)
		return dest
	}

	var operands []string
	for _, c := range q.filters {
		k, err := compileCond(c)
		if err != nil {
			return "", false, err
		}
		operands = append(operands, k)
	}

	key := idkey
	temp := false
	switch len(operands) {
	case 0:
	case 1:
		key, temp = operands[0], true
	default:
		key, temp = combine("inter", operands), true
	}

	if len(q.unions) > 0 {
		all := []string{key}
		for _, u := range q.unions {
			uk, _, err := u.compile(ctx, pipe)
			if err != nil {
				return "", false, err
			}
			all = append(all, uk)
		}
		key, temp = combine("union", all), true
	}

	if len(q.excludes) > 0 {
		exKeys := []string{key}
		for _, c := range q.excludes {
			k, err := compileCond(c)
			if err != nil {
				return "", false, err
			}
			exKeys = append(exKeys, k)
		}
		dest := newTemp()
		normalize(exKeys)
		if q.ordered() {
			script.ZDiffStore.Run(ctx, pipe, append([]string{dest}, exKeys...))
		} else {
			pipe.SDiffStore(ctx, dest, exKeys...)
		}
		b.expire(ctx, pipe, dest)
		key, temp = dest, true
	}

	if q.where != "" {
		info, err := b.metaInfoJSON(m)
		if err != nil {
			return "", false, err
		}
		dest := newTemp()
		script.Where(q.where).Run(ctx, pipe, []string{dest, key}, info)
		b.expire(ctx, pipe, dest)
		key, temp = dest, true
	}

	return key, temp, nil
}

// execute compiles the query and returns the result key with its
// cardinality, one round trip.
func (q *Query) execute(ctx context.Context) (string, int64, error) {
	if q.err != nil {
		return "", 0, q.err
	}
	b := q.backend
	pipe := b.client.Pipeline()
	key, temp, err := q.compile(ctx, pipe)
	if err != nil {
		b.opts.logger.LogCompile(ctx, q.meta.Name, "", false, err)
		return "", 0, err
	}
	var card *redis.IntCmd
	if q.ordered() {
		card = pipe.ZCard(ctx, key)
	} else {
		card = pipe.SCard(ctx, key)
	}
	if _, err := b.dispatch(ctx, pipe); err != nil {
		b.opts.logger.LogCompile(ctx, q.meta.Name, key, temp, err)
		return "", 0, err
	}
	b.opts.logger.LogCompile(ctx, q.meta.Name, key, temp, nil)
	return key, card.Val(), nil
}

// Count returns the number of matching instances.
func (q *Query) Count(ctx context.Context) (int64, error) {
	_, n, err := q.execute(ctx)
	return n, err
}

// resolveSlice maps python-style [start, stop) bounds onto a known result
// size. It returns the absolute start position and the element count.
func resolveSlice(start, stop, size int) (int, int) {
	if start < 0 {
		start += size
	}
	if start < 0 {
		start = 0
	}
	if start > size {
		start = size
	}
	if stop == End || stop > size {
		stop = size
	} else if stop < 0 {
		stop += size
	}
	if stop < start {
		stop = start
	}
	return start, stop - start
}

type loadOrder struct {
	Field  string   `json:"field"`
	Method string   `json:"method"`
	Nested []string `json:"nested"`
	Desc   bool     `json:"desc"`
}

type relatedSpec struct {
	Field  string   `json:"field"`
	Type   string   `json:"type"`
	BK     string   `json:"bk"`
	Fields []string `json:"fields"`
}

type loadOptions struct {
	Ordering string                 `json:"ordering"`
	Order    *loadOrder             `json:"order,omitempty"`
	Start    int                    `json:"start"`
	Stop     int                    `json:"stop"`
	Fields   []string               `json:"fields,omitempty"`
	Related  map[string]relatedSpec `json:"related,omitempty"`
	Get      string                 `json:"get,omitempty"`
}

// buildLoadOptions resolves ordering, slice and projection into the
// options blob cmd_load consumes. size is the compiled cardinality.
func (q *Query) buildLoadOptions(size int) (*loadOptions, error) {
	o := &loadOptions{Start: 0, Stop: -1}

	switch {
	case q.hasOrder:
		o.Ordering = "explicit"
		field := q.orderField
		ord := &loadOrder{Field: field, Nested: []string{}, Desc: q.orderDesc}
		if field == q.meta.PK {
			ord.Field = ""
		}
		if q.orderNested != "" {
			rel, _ := q.meta.Relation(field)
			ord.Field = rel.Attr
			ord.Nested = []string{
				keys.Base(q.backend.opts.namespace, rel.Model),
				q.orderNested,
			}
			ord.Method = "ALPHA"
		} else if f, ok := q.meta.Field(field); ok && f.Text {
			ord.Method = "ALPHA"
		}
		o.Order = ord
		// Explicit sort takes (start, count) bounds.
		start, stop := 0, End
		if q.hasSlice {
			start, stop = q.start, q.stop
		}
		abs, count := resolveSlice(start, stop, size)
		o.Start, o.Stop = abs, count
	case q.ordered():
		o.Ordering = "ASC"
		if q.meta.Ordering.Desc {
			o.Ordering = "DESC"
		}
		if q.hasSlice {
			abs, count := resolveSlice(q.start, q.stop, size)
			if count == 0 {
				o.Start, o.Stop = 0, -1
				o.Ordering = "empty"
			} else {
				// zrange bounds are inclusive
				o.Start, o.Stop = abs, abs+count-1
			}
		}
	default:
		if q.hasSlice {
			// No ordering anywhere: slice against the primary key so
			// the positions stay deterministic.
			o.Ordering = "explicit"
			o.Order = &loadOrder{Nested: []string{}}
			abs, count := resolveSlice(q.start, q.stop, size)
			o.Start, o.Stop = abs, count
		}
	}

	if q.get != "" && len(q.fields) > 0 {
		return nil, &QueryUsageError{Reason: "field projection and value projection are exclusive"}
	}
	o.Get = q.get
	o.Fields = q.fields

	if len(q.related) > 0 {
		o.Related = make(map[string]relatedSpec, len(q.related))
		for name, sub := range q.related {
			if rel, ok := q.meta.Relation(name); ok {
				o.Related[name] = relatedSpec{
					Field:  rel.Attr,
					BK:     keys.Base(q.backend.opts.namespace, rel.Model),
					Fields: sub,
				}
				continue
			}
			f, _ := q.meta.Field(name)
			o.Related[name] = relatedSpec{
				Field:  f.attname(),
				Type:   f.Structure.String(),
				Fields: []string{},
			}
		}
	}
	return o, nil
}

// load runs the compile round trip followed by one odmrun load.
func (q *Query) load(ctx context.Context) (any, error) {
	key, size, err := q.execute(ctx)
	if err != nil {
		return nil, err
	}
	o, err := q.buildLoadOptions(int(size))
	if err != nil {
		return nil, err
	}
	if o.Ordering == "empty" {
		return []any{}, nil
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	b := q.backend
	pipe := b.client.Pipeline()
	cmd, err := b.odmrun(ctx, pipe, script.Load, q.meta, []string{key}, string(raw))
	if err != nil {
		return nil, err
	}
	if _, err := b.dispatch(ctx, pipe); err != nil {
		return nil, err
	}
	return cmd.Result()
}

// Load materializes the matching instances. Field values arrive as the
// stored strings; decode typed values through the field codecs.
func (q *Query) Load(ctx context.Context) ([]*Instance, error) {
	raw, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	return parseLoadReply(q.meta, raw, q.fields)
}

// IDs returns the matching primary keys in result order.
func (q *Query) IDs(ctx context.Context) ([]string, error) {
	return q.GetField(ctx, q.meta.PK)
}

// GetField projects a single attribute across the result.
func (q *Query) GetField(ctx context.Context, field string) ([]string, error) {
	if q.err != nil {
		return nil, q.err
	}
	if !q.checkField(field) {
		return nil, &QueryUsageError{Reason: "unknown field " + field}
	}
	if q.hasSlice && field != q.meta.PK {
		return nil, &QueryUsageError{Reason: "slice and field projection are exclusive"}
	}
	proj := *q
	proj.get = field
	if field == q.meta.PK {
		proj.get = q.meta.PK
	}
	raw, err := proj.load(ctx)
	if err != nil {
		return nil, err
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected projection reply %T", raw)
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, asString(v))
	}
	return out, nil
}

func asString(v any) string {
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

// parseLoadReply unwinds the cmd_load reply shape {data, related} into
// persistent instances.
func parseLoadReply(m *Meta, raw any, fields []string) ([]*Instance, error) {
	top, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected load reply %T", raw)
	}
	if len(top) == 0 {
		return nil, nil
	}
	dataList, ok := top[0].([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected load data %T", top[0])
	}
	instances := make([]*Instance, 0, len(dataList))
	byID := make(map[string]*Instance, len(dataList))
	for _, item := range dataList {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("malformed load row %v", item)
		}
		id := asString(pair[0])
		flat, _ := pair[1].([]any)
		inst := &Instance{
			meta:  m,
			id:    id,
			state: Persistent,
			data:  make(map[string]any),
		}
		if len(fields) > 0 {
			// hmget reply: values aligned with the requested fields
			for i, f := range fields {
				if i < len(flat) && flat[i] != nil {
					inst.data[f] = asString(flat[i])
				}
			}
		} else {
			for i := 0; i+1 < len(flat); i += 2 {
				inst.data[asString(flat[i])] = asString(flat[i+1])
			}
		}
		instances = append(instances, inst)
		byID[id] = inst
	}
	if len(top) > 1 {
		relList, _ := top[1].([]any)
		for _, item := range relList {
			entry, ok := item.([]any)
			if !ok || len(entry) < 2 {
				continue
			}
			name := asString(entry[0])
			rows, _ := entry[1].([]any)
			var subset []string
			if len(entry) > 2 {
				fl, _ := entry[2].([]any)
				for _, f := range fl {
					subset = append(subset, asString(f))
				}
			}
			for _, r := range rows {
				pair, ok := r.([]any)
				if !ok || len(pair) != 2 {
					continue
				}
				rid := asString(pair[0])
				payload := pair[1]
				if len(subset) > 0 {
					// hmget reply: realign the values to k/v pairs so
					// side-loads keep one shape regardless of subset
					vals, _ := pair[1].([]any)
					flat := make([]any, 0, 2*len(subset))
					for i, f := range subset {
						if i < len(vals) && vals[i] != nil {
							flat = append(flat, f, vals[i])
						}
					}
					payload = flat
				}
				if rel, ok := m.Relation(name); ok {
					// fk side-load: attach to every owner referencing rid
					for _, inst := range instances {
						if v, ok := inst.data[rel.Attr]; ok && asString(v) == rid {
							inst.setRelated(name, payload)
						}
					}
				} else if inst, ok := byID[rid]; ok {
					inst.setRelated(name, payload)
				}
			}
		}
	}
	return instances, nil
}

func (i *Instance) setRelated(name string, v any) {
	if i.related == nil {
		i.related = make(map[string]any)
	}
	i.related[name] = v
}

// RelatedData returns side-loaded data for a relation or structure field
// requested through Query.Related.
func (i *Instance) RelatedData(name string) (any, bool) {
	v, ok := i.related[name]
	return v, ok
}
