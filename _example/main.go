package main

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/redmap"
)

func main() {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	reg := redmap.NewRegistry()
	reg.MustRegister(&redmap.Meta{
		Name: "book",
		Fields: []*redmap.Field{
			{Name: "title", Index: true, Text: true},
			{Name: "year", Index: true},
		},
		Ordering: &redmap.Ordering{Name: "year"},
	})

	b := redmap.New(client, reg, redmap.WithNamespace("demo"))
	defer b.Flush(ctx, "book")

	fmt.Println("--- Commit ---")

	session := b.NewSession()
	for _, book := range []struct {
		title string
		year  int
	}{
		{"dune", 1965},
		{"solaris", 1961},
		{"fiasco", 1986},
	} {
		inst, err := b.NewInstance("book")
		if err != nil {
			log.Fatal(err)
		}
		inst.Set("title", book.title).Set("year", book.year)
		if err := session.Add(inst); err != nil {
			log.Fatal(err)
		}
	}
	if err := session.Commit(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("--- Query ---")

	insts, err := b.NewQuery("book").Filter("year", 1965).Load(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, inst := range insts {
		title, _ := inst.Get("title")
		fmt.Printf("id=%s title=%v\n", inst.ID(), title)
	}

	titles, err := b.NewQuery("book").Sort("-year").GetField(ctx, "title")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("newest first:", titles)
}
