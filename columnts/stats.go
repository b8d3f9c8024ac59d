package columnts

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// FieldStats are aggregates over one column; Mean and Variance derive
// from the raw sums.
type FieldStats struct {
	Min  float64
	Max  float64
	Sum  float64
	Sum2 float64
	N    int64
}

// Mean returns the arithmetic mean.
func (f FieldStats) Mean() float64 {
	if f.N == 0 {
		return 0
	}
	return f.Sum / float64(f.N)
}

// Variance returns the population variance.
func (f FieldStats) Variance() float64 {
	if f.N == 0 {
		return 0
	}
	m := f.Mean()
	return f.Sum2/float64(f.N) - m*m
}

// Stats are aggregates over a time range; only columns with at least one
// numeric value appear.
type Stats struct {
	First  time.Time
	Last   time.Time
	Fields map[string]FieldStats
}

// Stats aggregates the columns within [start, end], one atomic pass
// server-side.
func (c *ColumnTS) Stats(ctx context.Context, start, end time.Time, fields ...string) (*Stats, error) {
	args := append([]any{"stats", c.ts(start), c.ts(end)}, fieldArgs(fields)...)
	res, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return c.parseStats(res)
}

// IStats aggregates the columns within rank interval [i1, i2].
func (c *ColumnTS) IStats(ctx context.Context, i1, i2 int64, fields ...string) (*Stats, error) {
	args := append([]any{"istats", i1, i2}, fieldArgs(fields)...)
	res, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return c.parseStats(res)
}

func (c *ColumnTS) parseStats(raw any) (*Stats, error) {
	top, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected stats reply %T", raw)
	}
	if len(top) == 0 {
		return nil, nil
	}
	if len(top) != 3 {
		return nil, fmt.Errorf("malformed stats reply of %d parts", len(top))
	}
	first, err := strconv.ParseInt(str(top[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad stats first timestamp: %w", err)
	}
	last, err := strconv.ParseInt(str(top[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad stats last timestamp: %w", err)
	}
	out := &Stats{
		First:  c.opts.resolution.ToTime(first),
		Last:   c.opts.resolution.ToTime(last),
		Fields: make(map[string]FieldStats),
	}
	rows, _ := top[2].([]any)
	for _, r := range rows {
		pair, ok := r.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("malformed stats column %v", r)
		}
		vals := toStrings(pair[1])
		if len(vals) != 5 {
			return nil, fmt.Errorf("malformed stats values %v", vals)
		}
		var fs FieldStats
		if fs.Min, err = strconv.ParseFloat(vals[0], 64); err != nil {
			return nil, err
		}
		if fs.Max, err = strconv.ParseFloat(vals[1], 64); err != nil {
			return nil, err
		}
		if fs.Sum, err = strconv.ParseFloat(vals[2], 64); err != nil {
			return nil, err
		}
		if fs.Sum2, err = strconv.ParseFloat(vals[3], 64); err != nil {
			return nil, err
		}
		if fs.N, err = strconv.ParseInt(vals[4], 10, 64); err != nil {
			return nil, err
		}
		out.Fields[str(pair[0])] = fs
	}
	return out, nil
}
