package jsondb

import (
	"strings"

	"github.com/google/btree"
)

// indexDegree balances node size against depth for small embedded data sets.
const indexDegree = 16

// ordIndex is the single "primary" ordered index: a balanced tree over
// byte-wise comparison of the sort key. Keys with no value sort before all
// other keys.
type ordIndex struct {
	tree *btree.BTreeG[*Item]
}

func newOrdIndex() *ordIndex {
	return &ordIndex{
		tree: btree.NewG(indexDegree, func(a, b *Item) bool {
			return a.key < b.key
		}),
	}
}

// get returns the item with exactly this key, or nil.
func (ix *ordIndex) get(key string) *Item {
	it, ok := ix.tree.Get(&Item{key: key})
	if !ok {
		return nil
	}

	return it
}

// set inserts or replaces by key and returns the replaced item, if any.
func (ix *ordIndex) set(it *Item) *Item {
	old, ok := ix.tree.ReplaceOrInsert(it)
	if !ok {
		return nil
	}

	return old
}

// remove deletes the item with this key and returns it, or nil.
func (ix *ordIndex) remove(key string) *Item {
	old, ok := ix.tree.Delete(&Item{key: key})
	if !ok {
		return nil
	}

	return old
}

// ascend visits items in sort-key order starting at the first key >= from
// (or > from when strict, for pagination resume), until fn returns false.
func (ix *ordIndex) ascend(from string, strict bool, fn func(*Item) bool) {
	pivot := &Item{key: from}

	ix.tree.AscendGreaterOrEqual(pivot, func(it *Item) bool {
		if strict && it.key == from {
			return true
		}

		return fn(it)
	})
}

// ascendPrefix visits items whose key begins with prefix, in order. A query
// in begins-with mode compares only the first len(prefix) bytes, so an empty
// prefix visits the whole index.
func (ix *ordIndex) ascendPrefix(prefix string, fn func(*Item) bool) {
	ix.ascend(prefix, false, func(it *Item) bool {
		if !strings.HasPrefix(it.key, prefix) {
			return false
		}

		return fn(it)
	})
}

// all visits every item in sort-key order.
func (ix *ordIndex) all(fn func(*Item) bool) {
	ix.tree.Ascend(fn)
}

// len returns the number of items.
func (ix *ordIndex) len() int {
	return ix.tree.Len()
}
