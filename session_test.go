package redmap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_AddStateRules(t *testing.T) {
	reg := testRegistry(t)
	b := New(nil, reg)
	s := b.NewSession()

	inst, err := b.NewInstance("author")
	require.NoError(t, err)
	inst.Set("name", "lem")

	require.NoError(t, s.Add(inst))
	assert.Equal(t, PendingCommit, inst.State())
	assert.Equal(t, "insert", inst.action)

	// pending instances cannot be re-added
	assert.ErrorIs(t, s.Add(inst), ErrInvalidTransition)

	inst.state = Persistent
	require.NoError(t, s.Add(inst))
	assert.Equal(t, "update", inst.action)
	assert.Equal(t, 2, s.Dirty(), "the rejected re-add never buffered")
}

func TestSession_DeleteStateRules(t *testing.T) {
	reg := testRegistry(t)
	b := New(nil, reg)
	s := b.NewSession()

	inst, err := b.NewInstance("author")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(inst), ErrInvalidTransition, "transient delete")

	inst.state = Persistent
	assert.Error(t, s.Delete(inst), "persistent instance without pk")

	inst.id = "4"
	require.NoError(t, s.Delete(inst))
}

func TestSession_DeleteFirstOperation(t *testing.T) {
	reg := testRegistry(t)
	b := New(nil, reg)
	s := b.NewSession()

	inst, err := b.NewInstance("author")
	require.NoError(t, err)
	inst.state, inst.id = Persistent, "7"

	require.NoError(t, s.Delete(inst), "delete may be the first session operation")
	require.Len(t, s.deletes["author"], 1)
	assert.Same(t, inst, s.deletes["author"][0].inst)
}

func TestSession_DeleteBufferPairing(t *testing.T) {
	reg := testRegistry(t)
	b := New(nil, reg)
	s := b.NewSession()

	require.NoError(t, s.DeleteQuery(b.NewQuery("author").Filter("name", "lem")))

	inst, err := b.NewInstance("author")
	require.NoError(t, err)
	inst.state, inst.id = Persistent, "4"
	require.NoError(t, s.Delete(inst))

	pending := s.deletes["author"]
	require.Len(t, pending, 2)
	assert.Nil(t, pending[0].inst, "query deletes track no instance")
	assert.Same(t, inst, pending[1].inst, "an instance rides its own delete entry")
}

func TestSession_SettleDeletes(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	b := New(nil, reg)
	s := b.NewSession()

	gone, err := b.NewInstance("author")
	require.NoError(t, err)
	gone.state, gone.id = Persistent, "2"

	kept, err := b.NewInstance("author")
	require.NoError(t, err)
	kept.state, kept.id = Persistent, "5"

	hit := redis.NewCmd(ctx)
	hit.SetVal([]any{"2"})
	miss := redis.NewCmd(ctx)
	miss.SetVal([]any{})

	errs := s.settleDeletes(ctx, []deleteCmd{
		{model: "author", cmd: hit, insts: []*Instance{gone}},
		{model: "author", cmd: miss, insts: []*Instance{kept}},
	})

	assert.Equal(t, Deleted, gone.State())
	require.Len(t, errs, 1)
	var ite *InvalidTransactionError
	require.ErrorAs(t, errs[0], &ite)
	assert.Equal(t, "5", ite.ID, "an id the store kept stays flagged")
}

// deleteCascadeDepth counts the commands one buffered delete queues when
// the victim model has the given inbound relation ("" for none).
func deleteCascadeDepth(t *testing.T, dependent string) int {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Meta{Name: "victim"}))
	if dependent != "" {
		require.NoError(t, reg.Register(&Meta{
			Name: "dependent",
			Relations: []*Relation{
				{Name: "victim", Attr: "victim_id", Model: "victim",
					Required: dependent == "required"},
			},
		}))
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := New(client, reg)

	s := b.NewSession()
	require.NoError(t, s.DeleteQuery(b.NewQuery("victim").Filter("id", "1")))
	pipe := b.client.Pipeline()
	_, err := s.queueDeletes(context.Background(), pipe)
	require.NoError(t, err)
	return pipe.Len()
}

func TestSession_DeleteCascadeScope(t *testing.T) {
	none := deleteCascadeDepth(t, "")
	optional := deleteCascadeDepth(t, "optional")
	required := deleteCascadeDepth(t, "required")

	assert.Equal(t, none, optional,
		"optional dependents keep their references, nothing extra queues")
	assert.Greater(t, required, none,
		"required dependents cascade into their own delete")
}

func TestBuildCommitArgs(t *testing.T) {
	reg := testRegistry(t)
	b := New(nil, reg)

	book, err := b.NewInstance("book")
	require.NoError(t, err)
	book.Set("title", "dune").Set("year", 1965).Set("author_id", "7")
	book.Set("tags", []string{"x"}) // structure field, must not travel
	book.action = "insert"

	args, err := buildCommitArgs([]*Instance{book})
	require.NoError(t, err)
	assert.Equal(t, []any{
		"1",
		"insert", "", "1965", "6",
		"author_id", "7", "title", "dune", "year", "1965",
	}, args)
}

func TestBuildCommitArgs_NoOrdering(t *testing.T) {
	reg := testRegistry(t)
	b := New(nil, reg)

	a, err := b.NewInstance("author")
	require.NoError(t, err)
	a.Set("name", "lem")
	a.action = "insert"

	args, err := buildCommitArgs([]*Instance{a})
	require.NoError(t, err)
	assert.Equal(t, []any{"1", "insert", "", "-1e+99", "2", "name", "lem"}, args)
}

func TestBuildCommitArgs_AutoScore(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Meta{
		Name:     "event",
		Ordering: &Ordering{Name: "seq", Auto: true},
	}))
	b := New(nil, reg)

	e, err := b.NewInstance("event")
	require.NoError(t, err)
	e.action = "insert"

	args, err := buildCommitArgs([]*Instance{e})
	require.NoError(t, err)
	assert.Equal(t, "auto", args[3])
}

func TestParseCommitReply(t *testing.T) {
	reg := testRegistry(t)
	b := New(nil, reg)

	s := b.NewSession()

	ok, err := b.NewInstance("author")
	require.NoError(t, err)
	ok.Set("name", "lem")
	require.NoError(t, s.Add(ok))

	bad, err := b.NewInstance("author")
	require.NoError(t, err)
	bad.Set("name", "dick")
	bad.id = "9"
	require.NoError(t, s.Add(bad))

	raw := []any{
		[]any{"5", int64(1), "3.5"},
		[]any{"", int64(0), "instance 9 already exists"},
	}
	errs := parseCommitReply([]*Instance{ok, bad}, raw)

	assert.Equal(t, "5", ok.ID(), "store-assigned id lands on the instance")
	assert.Equal(t, Persistent, ok.State())
	score, scored := ok.CommitScore()
	assert.True(t, scored)
	assert.Equal(t, 3.5, score, "ordering score from the commit reply")

	assert.Equal(t, Transient, bad.State(), "rejected instance falls back")
	require.Len(t, errs, 1)
	var ce *CommitError
	require.ErrorAs(t, errs[0], &ce)
	assert.Equal(t, bad.IID(), ce.IID)
	assert.NotEmpty(t, ce.IID, "failed inserts stay identifiable without a pk")
	assert.Contains(t, ce.Message, "already exists")
}

func TestInstance_Validate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Meta{
		Name: "user",
		Fields: []*Field{
			{Name: "email", Required: true},
			{Name: "age", Validate: func(v any) error {
				if n, _ := v.(int); n < 0 {
					return assert.AnError
				}
				return nil
			}},
		},
	}))
	b := New(nil, reg)

	u, err := b.NewInstance("user")
	require.NoError(t, err)
	u.Set("age", -1)

	verr := u.validate()
	var ve *ValidationError
	require.ErrorAs(t, verr, &ve)
	assert.Len(t, ve.Fields, 2)
	assert.Contains(t, ve.Error(), "age")
	assert.Contains(t, ve.Error(), "email: required")

	u.Set("email", "a@b.c").Set("age", 3)
	assert.NoError(t, u.validate())
}
