// Package skiplist implements an ordered timestamp -> value buffer.
//
// It backs the timeseries write-behind cache: inserts are O(log n),
// duplicate timestamps overwrite, iteration is in timestamp order.
package skiplist

import (
	"math/rand"
)

const (
	maxLevel = 32
	p        = 0.25
)

type node struct {
	ts    int64
	value []byte
	next  []*node
}

// List is an ordered mapping from int64 timestamps to byte values.
// It is not safe for concurrent use; callers synchronize.
type List struct {
	head   *node
	back   *node
	level  int
	length int
	rng    *rand.Rand
}

// New creates an empty list.
func New() *List {
	return &List{
		head: &node{next: make([]*node, maxLevel)},
		// Deterministic seed keeps level distribution reproducible in tests;
		// levels only affect performance, never ordering.
		rng:   rand.New(rand.NewSource(0x1e99)),
		level: 1,
	}
}

func (l *List) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && l.rng.Float64() < p {
		lvl++
	}
	return lvl
}

// Insert sets the value for ts, overwriting any previous value.
func (l *List) Insert(ts int64, value []byte) {
	update := make([]*node, maxLevel)
	x := l.head
	for i := l.level - 1; i >= 0; i-- {
		for x.next[i] != nil && x.next[i].ts < ts {
			x = x.next[i]
		}
		update[i] = x
	}
	if x.next[0] != nil && x.next[0].ts == ts {
		x.next[0].value = value
		return
	}
	lvl := l.randomLevel()
	if lvl > l.level {
		for i := l.level; i < lvl; i++ {
			update[i] = l.head
		}
		l.level = lvl
	}
	n := &node{ts: ts, value: value, next: make([]*node, lvl)}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
	if n.next[0] == nil {
		l.back = n
	}
	l.length++
}

// Get returns the value stored at ts.
func (l *List) Get(ts int64) ([]byte, bool) {
	x := l.head
	for i := l.level - 1; i >= 0; i-- {
		for x.next[i] != nil && x.next[i].ts < ts {
			x = x.next[i]
		}
	}
	x = x.next[0]
	if x != nil && x.ts == ts {
		return x.value, true
	}
	return nil, false
}

// Remove deletes the entry at ts, reporting whether it existed.
func (l *List) Remove(ts int64) bool {
	update := make([]*node, maxLevel)
	x := l.head
	for i := l.level - 1; i >= 0; i-- {
		for x.next[i] != nil && x.next[i].ts < ts {
			x = x.next[i]
		}
		update[i] = x
	}
	x = x.next[0]
	if x == nil || x.ts != ts {
		return false
	}
	for i := 0; i < l.level; i++ {
		if update[i].next[i] != x {
			break
		}
		update[i].next[i] = x.next[i]
	}
	if l.back == x {
		if update[0] == l.head {
			l.back = nil
		} else {
			l.back = update[0]
		}
	}
	for l.level > 1 && l.head.next[l.level-1] == nil {
		l.level--
	}
	l.length--
	return true
}

// Len returns the number of entries.
func (l *List) Len() int { return l.length }

// Front returns the smallest timestamp entry.
func (l *List) Front() (int64, []byte, bool) {
	if x := l.head.next[0]; x != nil {
		return x.ts, x.value, true
	}
	return 0, nil, false
}

// Back returns the largest timestamp entry.
func (l *List) Back() (int64, []byte, bool) {
	if l.back != nil {
		return l.back.ts, l.back.value, true
	}
	return 0, nil, false
}

// Walk visits entries in timestamp order until fn returns false.
func (l *List) Walk(fn func(ts int64, value []byte) bool) {
	for x := l.head.next[0]; x != nil; x = x.next[0] {
		if !fn(x.ts, x.value) {
			return
		}
	}
}

// Flat appends alternating timestamp/value pairs in timestamp order.
// This is the positional layout the structure flush scripts expect.
func (l *List) Flat(dst []any) []any {
	l.Walk(func(ts int64, value []byte) bool {
		dst = append(dst, ts, value)
		return true
	})
	return dst
}
