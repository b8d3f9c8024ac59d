package redmap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/redmap/script"
)

// Session buffers instance mutations, structure writes and deletes, and
// commits them in as few round trips as possible. Each model's dirty
// instances go to the store as one atomic script invocation with
// per-instance results: one rejected instance never poisons its batch.
//
// A Session is not safe for concurrent use during Commit.
type Session struct {
	backend *Backend

	mu         sync.Mutex
	seq        int
	dirty      map[string][]*Instance
	deletes    map[string][]pendingDelete
	structures []Structure
}

// pendingDelete is one buffered delete: the query selecting the victims
// and, when the delete came from a tracked instance, that instance.
type pendingDelete struct {
	query *Query
	inst  *Instance
}

// Add buffers an instance for commit. Transient instances are inserted,
// persistent ones updated.
func (s *Session) Add(inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch inst.state {
	case Transient:
		inst.action = "insert"
	case Persistent:
		inst.action = "update"
	default:
		return fmt.Errorf("%w: cannot add %s instance", ErrInvalidTransition, inst.state)
	}
	next, err := inst.state.transition(PendingCommit)
	if err != nil {
		return err
	}
	inst.state = next
	if inst.iid == "" {
		s.seq++
		inst.iid = strconv.Itoa(s.seq)
	}
	s.dirty[inst.meta.Name] = append(s.dirty[inst.meta.Name], inst)
	return nil
}

// Delete buffers a persistent instance for deletion.
func (s *Session) Delete(inst *Instance) error {
	if inst.state != Persistent {
		return fmt.Errorf("%w: cannot delete %s instance", ErrInvalidTransition, inst.state)
	}
	if inst.id == "" {
		return fmt.Errorf("cannot delete %s instance without a primary key", inst.meta.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := inst.meta.Name
	s.deletes[name] = append(s.deletes[name], pendingDelete{
		query: s.backend.NewQuery(name).Filter(inst.meta.PK, inst.id),
		inst:  inst,
	})
	return nil
}

// DeleteQuery buffers every instance matched by the query for deletion.
func (s *Session) DeleteQuery(q *Query) error {
	if q.err != nil {
		return q.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes[q.meta.Name] = append(s.deletes[q.meta.Name], pendingDelete{query: q})
	return nil
}

// AddStructure buffers a structure for flushing with the next commit.
func (s *Session) AddStructure(st Structure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.structures = append(s.structures, st)
}

// Dirty reports how many instances await commit.
func (s *Session) Dirty() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, insts := range s.dirty {
		n += len(insts)
	}
	return n
}

// Commit sends all buffered work: deletes first (cascading), then one
// commit script per model, then structure flushes, all on one pipeline.
// Per-instance rejections come back joined into the returned error;
// accepted siblings stay committed.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.backend
	start := time.Now()
	var errs []error

	if err := b.opts.controller.WaitFlush(ctx); err != nil {
		return err
	}

	pipe := b.client.Pipeline()

	deleteCmds, err := s.queueDeletes(ctx, pipe)
	if err != nil {
		return err
	}

	// Validation failures never reach the store; valid siblings do.
	toCommit := make(map[string][]*Instance, len(s.dirty))
	models := make([]string, 0, len(s.dirty))
	dirtyTotal := 0
	for name, insts := range s.dirty {
		models = append(models, name)
		for _, inst := range insts {
			dirtyTotal++
			if err := inst.validate(); err != nil {
				inst.state = Transient
				errs = append(errs, err)
				continue
			}
			toCommit[name] = append(toCommit[name], inst)
		}
	}
	sort.Strings(models)

	commitCmds := make(map[string]*redis.Cmd, len(toCommit))
	for _, name := range models {
		insts := toCommit[name]
		if len(insts) == 0 {
			continue
		}
		m := insts[0].meta
		args, err := buildCommitArgs(insts)
		if err != nil {
			return err
		}
		cmd, err := b.odmrun(ctx, pipe, script.Commit, m, []string{}, args...)
		if err != nil {
			return err
		}
		commitCmds[name] = cmd
	}

	flushed := make([]Structure, 0, len(s.structures))
	for _, st := range s.structures {
		if !st.Dirty() {
			continue
		}
		if err := st.Flush(ctx, pipe); err != nil {
			return err
		}
		flushed = append(flushed, st)
	}

	if _, err := b.dispatch(ctx, pipe); err != nil {
		b.opts.logger.LogCommit(ctx, dirtyTotal, 0, time.Since(start), err)
		return err
	}

	errs = append(errs, s.settleDeletes(ctx, deleteCmds)...)
	for _, name := range models {
		insts := toCommit[name]
		if len(insts) == 0 {
			continue
		}
		errs = append(errs, parseCommitReply(insts, commitCmds[name].Val())...)
	}
	for _, st := range flushed {
		st.ClearCache()
	}

	failed := len(errs)
	b.opts.logger.LogCommit(ctx, dirtyTotal, failed, time.Since(start), nil)

	s.dirty = make(map[string][]*Instance)
	s.deletes = make(map[string][]pendingDelete)
	s.structures = nil

	return errors.Join(errs...)
}

// buildCommitArgs flattens a batch into the commit wire layout: count,
// then per instance (action, id, score, n, k1, v1, ..., kn, vn).
// Structure-backed fields never travel here; they flush separately.
func buildCommitArgs(insts []*Instance) ([]any, error) {
	args := []any{strconv.Itoa(len(insts))}
	for _, inst := range insts {
		score, err := inst.score()
		if err != nil {
			return nil, err
		}
		var scoreArg string
		switch v := score.(type) {
		case string:
			scoreArg = v
		case float64:
			scoreArg = strconv.FormatFloat(v, 'g', -1, 64)
		default:
			scoreArg = fmt.Sprint(v)
		}

		fields := make([]string, 0, len(inst.data))
		for name := range inst.data {
			fields = append(fields, name)
		}
		sort.Strings(fields)

		var kv []any
		for _, name := range fields {
			f, declared := inst.meta.Field(name)
			if declared && f.Structure != KindNone {
				continue
			}
			var raw []byte
			if declared {
				raw, err = f.Encode(inst.data[name])
				if err != nil {
					return nil, fmt.Errorf("encode %s.%s: %w", inst.meta.Name, name, err)
				}
			} else {
				raw = []byte(fmt.Sprint(inst.data[name]))
			}
			attr := name
			if declared {
				attr = f.attname()
			}
			kv = append(kv, attr, string(raw))
		}

		args = append(args, inst.action, inst.id, scoreArg, strconv.Itoa(len(kv)))
		args = append(args, kv...)
	}
	return args, nil
}

// parseCommitReply settles one model batch against its (id, flag, info)
// reply triples, in submission order.
func parseCommitReply(insts []*Instance, raw any) []error {
	rows, ok := raw.([]any)
	if !ok {
		return []error{fmt.Errorf("unexpected commit reply %T", raw)}
	}
	var errs []error
	for i, inst := range insts {
		if i >= len(rows) {
			errs = append(errs, fmt.Errorf("missing commit result for %s instance %d", inst.meta.Name, i))
			continue
		}
		row, ok := rows[i].([]any)
		if !ok || len(row) < 3 {
			errs = append(errs, fmt.Errorf("malformed commit result %v", rows[i]))
			continue
		}
		flag, _ := row[1].(int64)
		if flag == 1 {
			inst.id = asString(row[0])
			if sc, err := strconv.ParseFloat(asString(row[2]), 64); err == nil {
				inst.commitScore, inst.scored = sc, true
			}
			inst.state = Persistent
			continue
		}
		inst.state = Transient
		errs = append(errs, &CommitError{
			Model:   inst.meta.Name,
			IID:     inst.iid,
			Message: asString(row[2]),
		})
	}
	return errs
}

type deleteCmd struct {
	model string
	cmd   *redis.Cmd
	insts []*Instance
}

// queueDeletes lowers every buffered delete, cascades included, onto the
// pipeline. Depth-first: dependents queue ahead of their target.
func (s *Session) queueDeletes(ctx context.Context, pipe redis.Pipeliner) ([]deleteCmd, error) {
	var out []deleteCmd
	names := make([]string, 0, len(s.deletes))
	for name := range s.deletes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, pd := range s.deletes[name] {
			var insts []*Instance
			if pd.inst != nil {
				insts = []*Instance{pd.inst}
			}
			cmds, err := s.accumulateDelete(ctx, pipe, pd.query, insts, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, cmds...)
		}
	}
	return out, nil
}

const maxCascadeDepth = 16

// accumulateDelete compiles the victim set, cascades inbound required
// relations, then queues the delete itself. Self-referential relations
// are cleared by aggregation; optional relations on other models keep
// their dangling references.
func (s *Session) accumulateDelete(ctx context.Context, pipe redis.Pipeliner, q *Query, insts []*Instance, depth int) ([]deleteCmd, error) {
	if depth > maxCascadeDepth {
		return nil, fmt.Errorf("cascade depth exceeded deleting %s", q.meta.Name)
	}
	b := s.backend
	vkey, _, err := q.compile(ctx, pipe)
	if err != nil {
		return nil, err
	}

	self, others := b.reg.relatedTo(q.meta.Name)
	var out []deleteCmd
	for _, d := range self {
		if _, err := b.odmrun(ctx, pipe, script.Aggregate, d.meta, []string{vkey}, d.relation.Attr); err != nil {
			return nil, err
		}
	}
	for _, d := range others {
		if !d.relation.Required {
			continue
		}
		sub := b.NewQuery(d.meta.Name).filterInKey(d.relation.Attr, vkey)
		subCmds, err := s.accumulateDelete(ctx, pipe, sub, nil, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, subCmds...)
	}

	cmd, err := b.odmrun(ctx, pipe, script.Delete, q.meta, []string{vkey})
	if err != nil {
		return nil, err
	}
	out = append(out, deleteCmd{model: q.meta.Name, cmd: cmd, insts: insts})
	return out, nil
}

// settleDeletes transitions deleted instances and surfaces instances the
// store failed to remove.
func (s *Session) settleDeletes(ctx context.Context, cmds []deleteCmd) []error {
	var errs []error
	for _, dc := range cmds {
		ids, _ := dc.cmd.Val().([]any)
		removed := make(map[string]bool, len(ids))
		for _, id := range ids {
			removed[asString(id)] = true
		}
		s.backend.opts.logger.LogDelete(ctx, dc.model, len(ids), nil)
		for _, inst := range dc.insts {
			if removed[inst.id] {
				inst.state = Deleted
			} else {
				errs = append(errs, &InvalidTransactionError{Model: dc.model, ID: inst.id})
			}
		}
	}
	return errs
}
