package redmap_test

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/redmap"
)

// Example_registry demonstrates declaring models.
func Example_registry() {
	reg := redmap.NewRegistry()
	reg.MustRegister(&redmap.Meta{
		Name:   "author",
		Fields: []*redmap.Field{{Name: "name", Index: true, Text: true}},
	})
	reg.MustRegister(&redmap.Meta{
		Name: "book",
		Fields: []*redmap.Field{
			{Name: "title", Index: true, Text: true},
			{Name: "year", Index: true},
		},
		Relations: []*redmap.Relation{
			{Name: "author", Attr: "author_id", Model: "author", Required: true},
		},
		Ordering: &redmap.Ordering{Name: "year"},
	})

	fmt.Println(reg.Models())
	// Output: [author book]
}

// Example_states demonstrates the instance lifecycle.
func Example_states() {
	fmt.Println(redmap.Transient.CanTransition(redmap.PendingCommit))
	fmt.Println(redmap.Transient.CanTransition(redmap.Deleted))
	fmt.Println(redmap.Persistent.CanTransition(redmap.Deleted))
	// Output:
	// true
	// false
	// true
}

// Example_session demonstrates the commit and query flow. It needs a
// running Redis and is compiled but not executed.
func Example_session() {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	reg := redmap.NewRegistry()
	reg.MustRegister(&redmap.Meta{
		Name:   "book",
		Fields: []*redmap.Field{{Name: "title", Index: true, Text: true}},
	})

	b := redmap.New(client, reg)

	inst, err := b.NewInstance("book")
	if err != nil {
		log.Fatal(err)
	}
	inst.Set("title", "dune")

	session := b.NewSession()
	if err := session.Add(inst); err != nil {
		log.Fatal(err)
	}
	if err := session.Commit(ctx); err != nil {
		log.Fatal(err)
	}

	titles, err := b.NewQuery("book").Filter("title", "dune").GetField(ctx, "title")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(titles)
}
