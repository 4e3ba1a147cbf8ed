// Package index implements the in-memory key -> log offset map.
//
// The index is a cache derived from the log: for every live key it
// holds the offset of the latest frame for that key. It can always be
// rebuilt by replaying the log from offset 0.
//
// Keys are kept ordered so that iteration (and therefore persisted
// snapshots) are deterministic.
//
// Index is not safe for concurrent use.
package index

import (
	"github.com/tidwall/btree"
)

type Index struct {
	m btree.Map[string, int64]
}

// New returns an empty index
func New() *Index {
	return &Index{}
}

// Get returns offset of the latest frame for key
func (idx *Index) Get(key []byte) (int64, bool) {
	return idx.m.Get(string(key))
}

// Set records that the latest frame for key is at offset
func (idx *Index) Set(key []byte, offset int64) {
	idx.m.Set(string(key), offset)
}

// Delete removes key, returns true if it was present
func (idx *Index) Delete(key []byte) bool {
	_, ok := idx.m.Delete(string(key))
	return ok
}

// Clear removes all keys
func (idx *Index) Clear() {
	idx.m = btree.Map[string, int64]{}
}

// Len returns number of keys
func (idx *Index) Len() int {
	return idx.m.Len()
}

// Scan calls fn for every key in ascending order until fn returns false
func (idx *Index) Scan(fn func(key []byte, offset int64) bool) {
	idx.m.Scan(func(k string, off int64) bool {
		return fn([]byte(k), off)
	})
}

// Keys returns all keys in ascending order
func (idx *Index) Keys() [][]byte {
	res := make([][]byte, 0, idx.Len())
	idx.m.Scan(func(k string, _ int64) bool {
		res = append(res, []byte(k))
		return true
	})
	return res
}

// Clone returns an independent copy
func (idx *Index) Clone() *Index {
	res := New()
	idx.m.Scan(func(k string, off int64) bool {
		res.m.Set(k, off)
		return true
	})
	return res
}

// Equal returns true if both indexes have the same keys with the same offsets
func (idx *Index) Equal(other *Index) bool {
	return len(idx.Diff(other, 1)) == 0
}

// Diff returns up to limit keys whose offsets differ between idx and other
// (including keys present in only one of them). limit <= 0 means no limit.
func (idx *Index) Diff(other *Index, limit int) [][]byte {
	var res [][]byte
	full := func() bool {
		return limit > 0 && len(res) >= limit
	}
	idx.m.Scan(func(k string, off int64) bool {
		if off2, ok := other.m.Get(k); !ok || off2 != off {
			res = append(res, []byte(k))
		}
		return !full()
	})
	if full() {
		return res
	}
	other.m.Scan(func(k string, _ int64) bool {
		if _, ok := idx.m.Get(k); !ok {
			res = append(res, []byte(k))
		}
		return !full()
	})
	return res
}
