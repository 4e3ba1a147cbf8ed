package index

import (
	"testing"

	"github.com/alecthomas/assert"
)

func TestSetGetDelete(t *testing.T) {
	idx := New()
	assert.Equal(t, 0, idx.Len())

	_, ok := idx.Get([]byte("a"))
	assert.False(t, ok)

	idx.Set([]byte("a"), 0)
	idx.Set([]byte("b"), 17)
	idx.Set([]byte("a"), 34)
	assert.Equal(t, 2, idx.Len())

	off, ok := idx.Get([]byte("a"))
	assert.True(t, ok)
	assert.Equal(t, int64(34), off)

	assert.True(t, idx.Delete([]byte("b")))
	assert.False(t, idx.Delete([]byte("b")))
	_, ok = idx.Get([]byte("b"))
	assert.False(t, ok)
	assert.Equal(t, 1, idx.Len())
}

func TestBinaryKeys(t *testing.T) {
	idx := New()
	k1 := []byte{0, 0xff, 1}
	k2 := []byte{0, 0xff}
	idx.Set(k1, 1)
	idx.Set(k2, 2)
	off, ok := idx.Get(k1)
	assert.True(t, ok)
	assert.Equal(t, int64(1), off)
	off, ok = idx.Get(k2)
	assert.True(t, ok)
	assert.Equal(t, int64(2), off)
}

func TestKeysOrdered(t *testing.T) {
	idx := New()
	for i, k := range []string{"c", "a", "d", "b"} {
		idx.Set([]byte(k), int64(i))
	}
	var got []string
	for _, k := range idx.Keys() {
		got = append(got, string(k))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)

	n := 0
	idx.Scan(func(key []byte, offset int64) bool {
		n++
		return n < 2
	})
	assert.Equal(t, 2, n)
}

func TestEqualAndDiff(t *testing.T) {
	a := New()
	a.Set([]byte("x"), 1)
	a.Set([]byte("y"), 2)

	b := a.Clone()
	assert.True(t, a.Equal(b))
	assert.Equal(t, 0, len(a.Diff(b, 0)))

	b.Set([]byte("y"), 3)
	b.Set([]byte("z"), 4)
	assert.False(t, a.Equal(b))
	diff := a.Diff(b, 0)
	assert.Equal(t, 2, len(diff))
	assert.Equal(t, "y", string(diff[0]))
	assert.Equal(t, "z", string(diff[1]))
	assert.Equal(t, 1, len(a.Diff(b, 1)))

	// clone is independent
	_, ok := a.Get([]byte("z"))
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	idx := New()
	idx.Set([]byte("a"), 0)
	idx.Set([]byte("b"), 10)
	idx.Clear()
	assert.Equal(t, 0, idx.Len())
	_, ok := idx.Get([]byte("a"))
	assert.False(t, ok)
	idx.Set([]byte("c"), 20)
	assert.Equal(t, [][]byte{[]byte("c")}, idx.Keys())
}
