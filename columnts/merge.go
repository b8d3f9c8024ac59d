package columnts

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/redmap"
	"github.com/hupe1980/redmap/internal/keys"
	"github.com/hupe1980/redmap/script"
)

// Alignment decides which timestamps a merge evaluates.
type Alignment string

const (
	// AlignFirst evaluates the timestamps of each group's first series.
	AlignFirst Alignment = "first"

	// AlignUnion evaluates every timestamp any participating series has.
	AlignUnion Alignment = "union"
)

// Group is one weighted product term of a merge: weight * series1(t) *
// series2(t) * ... Timestamps where any participant lacks a value are
// skipped for the group.
type Group struct {
	Weight float64
	Series []*ColumnTS
}

// Merge evaluates result(t) = sum over groups of weight * product of the
// group's series at t, and stores the result into this timeseries. The
// whole evaluation is one atomic script call; buffered writes on every
// participant flush first.
func (c *ColumnTS) Merge(ctx context.Context, alignment Alignment, groups []Group, fields ...string) error {
	if c.client == nil {
		return fmt.Errorf("merge into %s: %w", c.key, redmap.ErrSessionUnavailable)
	}
	args, seriesKeys, err := c.mergeArgs(alignment, groups, fields)
	if err != nil {
		return err
	}
	for _, g := range groups {
		for _, s := range g.Series {
			if err := s.flushNow(ctx); err != nil {
				return err
			}
		}
	}
	return script.TS.Run(ctx, c.client,
		append([]string{c.key}, seriesKeys...), args...).Err()
}

// mergeArgs builds the merge wire layout: merge, alignment, ngroups,
// then (weight, nseries) per group, then the field list. Series keys
// travel as KEYS[2..] in group order.
func (c *ColumnTS) mergeArgs(alignment Alignment, groups []Group, fields []string) ([]any, []string, error) {
	if len(groups) == 0 {
		return nil, nil, fmt.Errorf("merge needs at least one group")
	}
	switch alignment {
	case "":
		alignment = AlignFirst
	case AlignFirst, AlignUnion:
	default:
		return nil, nil, fmt.Errorf("unknown merge alignment %q", alignment)
	}
	args := []any{"merge", string(alignment), strconv.Itoa(len(groups))}
	var seriesKeys []string
	for i, g := range groups {
		if len(g.Series) == 0 {
			return nil, nil, fmt.Errorf("merge group %d has no series", i)
		}
		args = append(args,
			strconv.FormatFloat(g.Weight, 'g', -1, 64),
			strconv.Itoa(len(g.Series)))
		for _, s := range g.Series {
			if s.opts.resolution != c.opts.resolution {
				return nil, nil, fmt.Errorf("merge group %d mixes timestamp resolutions", i)
			}
			seriesKeys = append(seriesKeys, s.key)
		}
	}
	args = append(args, fieldArgs(fields)...)
	return args, seriesKeys, nil
}

// MergedSeries evaluates a merge into a throwaway series, reads it back
// and removes it, leaving no residue. Fields default to the columns of
// the first series of the first group.
func (c *ColumnTS) MergedSeries(ctx context.Context, alignment Alignment, groups []Group, fields ...string) (*Series, error) {
	if c.client == nil {
		return nil, fmt.Errorf("merge into %s: %w", c.key, redmap.ErrSessionUnavailable)
	}
	if len(groups) == 0 || len(groups[0].Series) == 0 {
		return nil, fmt.Errorf("merge needs at least one group with one series")
	}
	if len(fields) == 0 {
		var err error
		fields, err = groups[0].Series[0].Fields(ctx)
		if err != nil {
			return nil, err
		}
	}

	tmp := New(c.client, keys.Temp(c.key),
		WithResolution(c.opts.resolution), WithCodec(c.opts.codec))
	args, seriesKeys, err := tmp.mergeArgs(alignment, groups, fields)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		for _, s := range g.Series {
			if err := s.flushNow(ctx); err != nil {
				return nil, err
			}
		}
	}

	// Merge, read and drop in one round trip.
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	pipe := c.client.Pipeline()
	script.TS.Run(ctx, pipe, append([]string{tmp.key}, seriesKeys...), args...)
	readArgs := append([]any{"irange", "0", "-1"}, fieldArgs(fields)...)
	readArgs = append(readArgs, "0")
	readCmd := script.TS.Run(ctx, pipe, []string{tmp.key}, readArgs...)
	drop := []string{tmp.key, tmp.key + ":fields"}
	for _, f := range fields {
		drop = append(drop, tmp.key+":field:"+f)
	}
	pipe.Del(ctx, drop...)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	return tmp.parseSeries(readCmd.Val())
}
