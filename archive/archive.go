package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/redmap"
	"github.com/hupe1980/redmap/codec"
	"github.com/hupe1980/redmap/columnts"
)

// magic prefixes every archive blob.
var magic = []byte("rmap1\x00")

type options struct {
	codec       codec.Codec
	concurrency int
	clock       func() time.Time
}

// Option configures an Archiver.
type Option func(*options)

// WithCodec sets the payload codec. Default is compressed JSON
// ("zstd+go-json"). The codec must be resolvable through codec.ByName,
// or restores elsewhere will fail.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithConcurrency bounds parallel blob writes during multi-field
// exports. Default is 4.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func withClock(fn func() time.Time) Option {
	return func(o *options) { o.clock = fn }
}

// Archiver writes model snapshots and timeseries ranges to a Store and
// restores them.
type Archiver struct {
	store Store
	opts  options
}

// New creates an Archiver on top of a Store.
func New(store Store, optFns ...Option) *Archiver {
	o := options{
		codec:       codec.NewZstd(codec.GoJSON{}),
		concurrency: 4,
		clock:       time.Now,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return &Archiver{store: store, opts: o}
}

// frame wraps an encoded payload with the magic and the codec name, so
// the blob decodes without configuration.
func (a *Archiver) frame(v any) ([]byte, error) {
	payload, err := a.opts.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	name := a.opts.codec.Name()
	buf := make([]byte, 0, len(magic)+len(name)+1+len(payload))
	buf = append(buf, magic...)
	buf = append(buf, name...)
	buf = append(buf, 0)
	return append(buf, payload...), nil
}

// unframe resolves the blob's codec by name and decodes the payload.
func unframe(data []byte, v any) error {
	if !bytes.HasPrefix(data, magic) {
		return fmt.Errorf("not an archive blob")
	}
	rest := data[len(magic):]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return fmt.Errorf("archive blob header is truncated")
	}
	name := string(rest[:i])
	c, ok := codec.ByName(name)
	if !ok {
		return fmt.Errorf("archive blob uses unknown codec %q", name)
	}
	return c.Unmarshal(rest[i+1:], v)
}

// modelSnapshot is the payload of a model export.
type modelSnapshot struct {
	Model      string            `json:"model"`
	ExportedAt time.Time         `json:"exported_at"`
	Instances  []snapshotRow     `json:"instances"`
	Extra      map[string]string `json:"extra,omitempty"`
}

type snapshotRow struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// ModelBlobName returns the blob name an export of model at time t uses.
func ModelBlobName(model string, t time.Time) string {
	return fmt.Sprintf("model/%s/%s.snap", model, t.UTC().Format("20060102T150405"))
}

// ExportModel snapshots every instance of a model into one blob and
// returns the blob name.
func (a *Archiver) ExportModel(ctx context.Context, b *redmap.Backend, model string) (string, error) {
	insts, err := b.NewQuery(model).Load(ctx)
	if err != nil {
		return "", err
	}
	snap := modelSnapshot{
		Model:      model,
		ExportedAt: a.opts.clock().UTC(),
		Instances:  make([]snapshotRow, 0, len(insts)),
	}
	for _, inst := range insts {
		row := snapshotRow{ID: inst.ID(), Fields: make(map[string]string)}
		for k, v := range inst.Fields() {
			row.Fields[k] = fmt.Sprint(v)
		}
		snap.Instances = append(snap.Instances, row)
	}
	data, err := a.frame(snap)
	if err != nil {
		return "", err
	}
	name := ModelBlobName(model, snap.ExportedAt)
	if err := a.store.Put(ctx, name, data); err != nil {
		return "", err
	}
	return name, nil
}

// RestoreModel inserts every instance of a snapshot blob, keeping the
// archived primary keys. The target model must be registered.
func (a *Archiver) RestoreModel(ctx context.Context, b *redmap.Backend, name string) (int, error) {
	data, err := a.store.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	var snap modelSnapshot
	if err := unframe(data, &snap); err != nil {
		return 0, err
	}
	session := b.NewSession()
	for _, row := range snap.Instances {
		inst, err := b.NewInstance(snap.Model)
		if err != nil {
			return 0, err
		}
		inst.SetID(row.ID)
		for k, v := range row.Fields {
			inst.Set(k, v)
		}
		if err := session.Add(inst); err != nil {
			return 0, err
		}
	}
	if err := session.Commit(ctx); err != nil {
		return 0, err
	}
	return len(snap.Instances), nil
}

// seriesSnapshot is the payload of one exported timeseries column.
type seriesSnapshot struct {
	Key        string    `json:"key"`
	Field      string    `json:"field"`
	Resolution int       `json:"resolution"`
	Times      []int64   `json:"times"`
	Values     []string  `json:"values"`
	ExportedAt time.Time `json:"exported_at"`
}

// SeriesBlobName returns the blob name one exported column uses.
func SeriesBlobName(key, field string) string {
	return fmt.Sprintf("ts/%s/%s.col", key, field)
}

// ExportRange exports the [start, end] range of a timeseries, one blob
// per column, written concurrently. With no fields given, every column
// exports. Returns the blob names.
func (a *Archiver) ExportRange(ctx context.Context, ts *columnts.ColumnTS, start, end time.Time, fields ...string) ([]string, error) {
	if len(fields) == 0 {
		var err error
		fields, err = ts.Fields(ctx)
		if err != nil {
			return nil, err
		}
	}
	res := ts.Resolution()
	exportedAt := a.opts.clock().UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.concurrency)
	names := make([]string, len(fields))
	for i, field := range fields {
		g.Go(func() error {
			s, err := ts.Range(gctx, start, end, field)
			if err != nil {
				return err
			}
			snap := seriesSnapshot{
				Key:        ts.Key(),
				Field:      field,
				Resolution: int(res),
				Times:      make([]int64, len(s.Times)),
				Values:     s.Fields[field],
				ExportedAt: exportedAt,
			}
			for j, t := range s.Times {
				snap.Times[j] = res.ToUnix(t)
			}
			data, err := a.frame(snap)
			if err != nil {
				return err
			}
			names[i] = SeriesBlobName(ts.Key(), field)
			return a.store.Put(gctx, names[i], data)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return names, nil
}

// RestoreSeries loads one exported column blob back into a timeseries.
// Points with no archived value are skipped.
func (a *Archiver) RestoreSeries(ctx context.Context, ts *columnts.ColumnTS, name string) (int, error) {
	data, err := a.store.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	var snap seriesSnapshot
	if err := unframe(data, &snap); err != nil {
		return 0, err
	}
	if len(snap.Times) != len(snap.Values) {
		return 0, fmt.Errorf("series blob %s has %d times but %d values", name, len(snap.Times), len(snap.Values))
	}
	res := columnts.Resolution(snap.Resolution)
	n := 0
	for i, t := range snap.Times {
		if snap.Values[i] == "" {
			continue
		}
		if err := ts.Add(res.ToTime(t), snap.Field, snap.Values[i]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
