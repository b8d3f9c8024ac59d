package redmap

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The tests below exercise the server-side scripts and need a real Redis.
// Set REDIS_ADDR (e.g. localhost:6379) to run them; database 9 is flushed.

func integrationBackend(t *testing.T, reg *Registry, optFns ...Option) *Backend {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 9})
	ctx := context.Background()
	require.NoError(t, client.FlushDB(ctx).Err())
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	b := New(client, reg, optFns...)
	require.NoError(t, b.LoadScripts(ctx))
	return b
}

func seedBooks(t *testing.T, b *Backend) []*Instance {
	t.Helper()
	rows := []struct {
		title string
		year  int
		aid   string
	}{
		{"dune", 1965, "1"},
		{"solaris", 1961, "2"},
		{"fiasco", 1986, "2"},
	}
	s := b.NewSession()
	insts := make([]*Instance, 0, len(rows))
	for _, r := range rows {
		inst, err := b.NewInstance("book")
		require.NoError(t, err)
		inst.Set("title", r.title).Set("year", r.year).Set("author_id", r.aid)
		require.NoError(t, s.Add(inst))
		insts = append(insts, inst)
	}
	require.NoError(t, s.Commit(context.Background()))
	return insts
}

func TestIntegration_CommitAssignsIDs(t *testing.T) {
	b := integrationBackend(t, testRegistry(t))
	insts := seedBooks(t, b)

	for _, inst := range insts {
		assert.NotEmpty(t, inst.ID())
		assert.Equal(t, Persistent, inst.State())
	}

	n, err := b.NewQuery("book").Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestIntegration_BatchIsolation(t *testing.T) {
	b := integrationBackend(t, testRegistry(t))
	ctx := context.Background()

	first, err := b.NewInstance("book")
	require.NoError(t, err)
	first.SetID("9")
	first.Set("title", "original").Set("year", 1)
	s := b.NewSession()
	require.NoError(t, s.Add(first))
	require.NoError(t, s.Commit(ctx))

	// one duplicate insert between two good ones
	dup, err := b.NewInstance("book")
	require.NoError(t, err)
	dup.SetID("9")
	dup.Set("title", "imposter").Set("year", 2)

	good1, err := b.NewInstance("book")
	require.NoError(t, err)
	good1.Set("title", "ok1").Set("year", 3)
	good2, err := b.NewInstance("book")
	require.NoError(t, err)
	good2.Set("title", "ok2").Set("year", 4)

	s = b.NewSession()
	require.NoError(t, s.Add(good1))
	require.NoError(t, s.Add(dup))
	require.NoError(t, s.Add(good2))

	err = s.Commit(ctx)
	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "already exists")

	assert.Equal(t, Persistent, good1.State(), "siblings of a rejected instance stay committed")
	assert.Equal(t, Persistent, good2.State())
	assert.Equal(t, Transient, dup.State())

	titles, err := b.NewQuery("book").Filter("id", "9").GetField(ctx, "title")
	require.NoError(t, err)
	assert.Equal(t, []string{"original"}, titles)
}

func TestIntegration_QueryAlgebra(t *testing.T) {
	b := integrationBackend(t, testRegistry(t))
	ctx := context.Background()
	seedBooks(t, b)

	n, err := b.NewQuery("book").Filter("author_id", "2").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = b.NewQuery("book").
		Filter("author_id", "2").
		Exclude("title", "fiasco").
		Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	lem := b.NewQuery("book").Filter("author_id", "2")
	n, err = b.NewQuery("book").Filter("title", "dune").Union(lem).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = b.NewQuery("book").
		Filter("author_id", "2").
		Intersect(b.NewQuery("book").Filter("title", "solaris")).
		Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// same query compiles to the same result every time
	for i := 0; i < 3; i++ {
		n, err = b.NewQuery("book").Filter("author_id", "2").Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	}
}

func TestIntegration_OrderedLoadAndSlice(t *testing.T) {
	b := integrationBackend(t, testRegistry(t))
	ctx := context.Background()
	seedBooks(t, b)

	// model ordering: year ascending
	titles, err := b.NewQuery("book").GetField(ctx, "title")
	require.NoError(t, err)
	assert.Equal(t, []string{"solaris", "dune", "fiasco"}, titles)

	// slicing only combines with the pk projection
	ids, err := b.NewQuery("book").Slice(-2, End).IDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	_, err = b.NewQuery("book").Slice(-2, End).GetField(ctx, "title")
	var usage *QueryUsageError
	assert.ErrorAs(t, err, &usage)

	insts, err := b.NewQuery("book").Slice(-2, End).Load(ctx)
	require.NoError(t, err)
	require.Len(t, insts, 2)
	lastTitle, _ := insts[1].Get("title")
	assert.Equal(t, "fiasco", lastTitle)

	// explicit lexicographic sort
	titles, err = b.NewQuery("book").Sort("-title").GetField(ctx, "title")
	require.NoError(t, err)
	assert.Equal(t, []string{"solaris", "fiasco", "dune"}, titles)

	insts, err = b.NewQuery("book").Sort("title").Slice(0, 2).Load(ctx)
	require.NoError(t, err)
	require.Len(t, insts, 2)
	title, _ := insts[0].Get("title")
	assert.Equal(t, "dune", title)
}

func TestIntegration_WhereClause(t *testing.T) {
	b := integrationBackend(t, testRegistry(t))
	ctx := context.Background()
	seedBooks(t, b)

	titles, err := b.NewQuery("book").
		Where("tonumber(this.year) > 1962").
		Sort("title").
		GetField(ctx, "title")
	require.NoError(t, err)
	assert.Equal(t, []string{"dune", "fiasco"}, titles)
}

func TestIntegration_TempKeysExpire(t *testing.T) {
	b := integrationBackend(t, testRegistry(t), WithTempKeyTTL(30*time.Second))
	ctx := context.Background()
	seedBooks(t, b)

	_, err := b.NewQuery("book").Filter("author_id", "2").Count(ctx)
	require.NoError(t, err)

	temps, err := b.Client().Keys(ctx, "book:tmp:*").Result()
	require.NoError(t, err)
	require.NotEmpty(t, temps)
	for _, k := range temps {
		ttl, err := b.Client().TTL(ctx, k).Result()
		require.NoError(t, err)
		assert.Positive(t, ttl, "temp key %s must carry an expiry", k)
		assert.LessOrEqual(t, ttl, 30*time.Second)
	}
}

func TestIntegration_UpdateMovesIndex(t *testing.T) {
	b := integrationBackend(t, testRegistry(t))
	ctx := context.Background()
	insts := seedBooks(t, b)

	dune := insts[0]
	dune.Set("author_id", "3")
	s := b.NewSession()
	require.NoError(t, s.Add(dune))
	require.NoError(t, s.Commit(ctx))

	n, err := b.NewQuery("book").Filter("author_id", "1").Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "old index entry is gone")

	n, err = b.NewQuery("book").Filter("author_id", "3").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIntegration_CascadeDelete(t *testing.T) {
	reg := testRegistry(t)
	b := integrationBackend(t, reg)
	ctx := context.Background()

	author, err := b.NewInstance("author")
	require.NoError(t, err)
	author.Set("name", "lem")
	s := b.NewSession()
	require.NoError(t, s.Add(author))
	require.NoError(t, s.Commit(ctx))

	book, err := b.NewInstance("book")
	require.NoError(t, err)
	book.Set("title", "solaris").Set("year", 1961).Set("author_id", author.ID())
	s = b.NewSession()
	require.NoError(t, s.Add(book))
	require.NoError(t, s.Commit(ctx))

	// deleting the author takes its books with it (required relation)
	s = b.NewSession()
	require.NoError(t, s.Delete(author))
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, Deleted, author.State())

	n, err := b.NewQuery("book").Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = b.NewQuery("author").Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIntegration_SelfReferenceClearsOnDelete(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Meta{
		Name:      "node",
		Relations: []*Relation{{Name: "parent", Attr: "parent_id", Model: "node"}},
	}))
	b := integrationBackend(t, reg)
	ctx := context.Background()

	parent, err := b.NewInstance("node")
	require.NoError(t, err)
	s := b.NewSession()
	require.NoError(t, s.Add(parent))
	require.NoError(t, s.Commit(ctx))

	child, err := b.NewInstance("node")
	require.NoError(t, err)
	child.Set("parent_id", parent.ID())
	s = b.NewSession()
	require.NoError(t, s.Add(child))
	require.NoError(t, s.Commit(ctx))

	s = b.NewSession()
	require.NoError(t, s.Delete(parent))
	require.NoError(t, s.Commit(ctx))

	insts, err := b.NewQuery("node").Load(ctx)
	require.NoError(t, err)
	require.Len(t, insts, 1, "child survives, only the reference clears")
	_, hasParent := insts[0].Get("parent_id")
	assert.False(t, hasParent)
}

func TestIntegration_DeleteMissingInstance(t *testing.T) {
	b := integrationBackend(t, testRegistry(t))
	ctx := context.Background()

	ghost, err := b.NewInstance("author")
	require.NoError(t, err)
	ghost.state = Persistent
	ghost.id = "404"

	s := b.NewSession()
	require.NoError(t, s.Delete(ghost))
	err = s.Commit(ctx)
	var ite *InvalidTransactionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, "404", ite.ID)
}

func TestIntegration_RelatedLoad(t *testing.T) {
	b := integrationBackend(t, testRegistry(t))
	ctx := context.Background()

	author, err := b.NewInstance("author")
	require.NoError(t, err)
	author.Set("name", "herbert")
	s := b.NewSession()
	require.NoError(t, s.Add(author))
	require.NoError(t, s.Commit(ctx))

	book, err := b.NewInstance("book")
	require.NoError(t, err)
	book.Set("title", "dune").Set("year", 1965).Set("author_id", author.ID())
	s = b.NewSession()
	require.NoError(t, s.Add(book))
	require.NoError(t, s.Commit(ctx))

	key, err := b.StructureKey("book", book.ID(), "tags")
	require.NoError(t, err)
	tags := b.Set(key, nil)
	require.NoError(t, tags.Add("scifi"))
	require.NoError(t, b.FlushOne(ctx, tags))

	insts, err := b.NewQuery("book").Related("author").Related("tags").Load(ctx)
	require.NoError(t, err)
	require.Len(t, insts, 1)

	_, ok := insts[0].RelatedData("author")
	assert.True(t, ok)
	raw, ok := insts[0].RelatedData("tags")
	require.True(t, ok)
	assert.Equal(t, []any{"scifi"}, raw)

	// a field subset narrows what the side-load carries back
	insts, err = b.NewQuery("book").Related("author", "name").Load(ctx)
	require.NoError(t, err)
	require.Len(t, insts, 1)
	narrow, ok := insts[0].RelatedData("author")
	require.True(t, ok)
	assert.Equal(t, []any{"name", "herbert"}, narrow)

	infos, err := b.StructureInfos(ctx, "book", key)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "set", infos[0].Type)
	assert.Equal(t, int64(1), infos[0].Size)
}

func TestIntegration_AutoScoreOrdering(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Meta{
		Name:     "event",
		Fields:   []*Field{{Name: "what"}},
		Ordering: &Ordering{Name: "seq", Auto: true},
	}))
	b := integrationBackend(t, reg)
	ctx := context.Background()

	s := b.NewSession()
	for _, what := range []string{"first", "second", "third"} {
		e, err := b.NewInstance("event")
		require.NoError(t, err)
		e.Set("what", what)
		require.NoError(t, s.Add(e))
	}
	require.NoError(t, s.Commit(ctx))

	whats, err := b.NewQuery("event").GetField(ctx, "what")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, whats, "insertion order survives the auto score")
}

func TestIntegration_NumberArray(t *testing.T) {
	b := integrationBackend(t, testRegistry(t))
	ctx := context.Background()

	arr := b.Array("arr")
	arr.PushBack(1.5, -2.25, 3)
	require.NoError(t, b.FlushOne(ctx, arr))

	n, err := arr.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	v, err := arr.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, -2.25, v)

	require.NoError(t, arr.Set(ctx, 0, 9.5))
	require.NoError(t, arr.Resize(ctx, 5, 0))

	all, err := arr.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{9.5, -2.25, 3, 0, 0}, all)
}
