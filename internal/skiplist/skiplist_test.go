package skiplist

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertOrdered(t *testing.T) {
	l := New()
	for _, ts := range []int64{5, 1, 9, 3, 7} {
		l.Insert(ts, []byte{byte(ts)})
	}
	require.Equal(t, 5, l.Len())

	var got []int64
	l.Walk(func(ts int64, _ []byte) bool {
		got = append(got, ts)
		return true
	})
	assert.Equal(t, []int64{1, 3, 5, 7, 9}, got)
}

func TestOverwrite(t *testing.T) {
	l := New()
	l.Insert(10, []byte("a"))
	l.Insert(10, []byte("b"))
	require.Equal(t, 1, l.Len())

	v, ok := l.Get(10)
	require.True(t, ok)
	assert.Equal(t, "b", string(v))
}

func TestFrontBack(t *testing.T) {
	l := New()
	_, _, ok := l.Front()
	assert.False(t, ok)

	l.Insert(2, []byte("x"))
	l.Insert(8, []byte("y"))
	l.Insert(5, []byte("z"))

	ts, v, ok := l.Front()
	require.True(t, ok)
	assert.Equal(t, int64(2), ts)
	assert.Equal(t, "x", string(v))

	ts, v, ok = l.Back()
	require.True(t, ok)
	assert.Equal(t, int64(8), ts)
	assert.Equal(t, "y", string(v))
}

func TestRemove(t *testing.T) {
	l := New()
	l.Insert(1, nil)
	l.Insert(2, nil)
	l.Insert(3, nil)

	assert.False(t, l.Remove(42))
	assert.True(t, l.Remove(3))
	assert.Equal(t, 2, l.Len())

	ts, _, ok := l.Back()
	require.True(t, ok)
	assert.Equal(t, int64(2), ts)
}

func TestFlat(t *testing.T) {
	l := New()
	l.Insert(3, []byte("c"))
	l.Insert(1, []byte("a"))

	flat := l.Flat(nil)
	require.Len(t, flat, 4)
	assert.Equal(t, int64(1), flat[0])
	assert.Equal(t, []byte("a"), flat[1])
	assert.Equal(t, int64(3), flat[2])
	assert.Equal(t, []byte("c"), flat[3])
}

func TestRandomized(t *testing.T) {
	l := New()
	rng := rand.New(rand.NewSource(7))
	ref := map[int64][]byte{}
	for i := 0; i < 2000; i++ {
		ts := int64(rng.Intn(500))
		v := []byte{byte(i)}
		l.Insert(ts, v)
		ref[ts] = v
	}
	require.Equal(t, len(ref), l.Len())

	keys := make([]int64, 0, len(ref))
	for ts := range ref {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var got []int64
	l.Walk(func(ts int64, v []byte) bool {
		got = append(got, ts)
		assert.Equal(t, ref[ts], v)
		return true
	})
	assert.Equal(t, keys, got)
}
