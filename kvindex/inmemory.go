package kvindex

import (
	"github.com/cuemby/embedkv/btree"
	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/keyrange"
)

// InMemoryIndex is a secondary index held entirely in memory: an ordered
// B+ tree map from secondary key to the set of primary keys sharing it. It
// is used both as a standalone index for non-persistent stores and as the
// new-entries overlay inside a TransactionIndex.
type InMemoryIndex struct {
	def  Def
	tree *btree.OrderedIndex
}

// New returns an empty InMemoryIndex for the given index definition.
func New(def Def) *InMemoryIndex {
	return &InMemoryIndex{def: def, tree: btree.New()}
}

// Def returns the index definition this InMemoryIndex was built for.
func (idx *InMemoryIndex) Def() Def { return idx.def }

// putDetailed mutates the index for a write of (primary, value), given the
// previously observed value (nil if primary is new to this index's view),
// and reports which secondary keys were added and which were dropped.
func (idx *InMemoryIndex) putDetailed(primary keyrange.Key, value document.Value, old *document.Value) (added, removed SortedKeys, err error) {
	newKeys := extract(idx.def, value)
	var oldKeys SortedKeys
	if old != nil {
		oldKeys = extract(idx.def, *old)
	}
	toAdd := Difference(newKeys, oldKeys)
	toRemove := Difference(oldKeys, newKeys)

	if idx.def.Unique {
		for _, sk := range toAdd {
			if !idx.CheckUnique(sk) {
				return nil, nil, uniqueViolation(idx.def.Name)
			}
		}
	}

	for _, sk := range toRemove {
		idx.removeOne(sk, primary)
	}
	for _, sk := range toAdd {
		idx.insertOne(sk, primary)
	}
	return toAdd, toRemove, nil
}

func (idx *InMemoryIndex) insertOne(sk, primary keyrange.Key) {
	if rec, ok := idx.tree.Lookup(sk); ok {
		rec.Primary = SortedKeys(rec.Primary).Insert(primary)
		return
	}
	idx.tree.Insert(sk, &btree.Record{Primary: []keyrange.Key{primary}})
}

func (idx *InMemoryIndex) removeOne(sk, primary keyrange.Key) {
	rec, ok := idx.tree.Lookup(sk)
	if !ok {
		return
	}
	rec.Primary = SortedKeys(rec.Primary).Remove(primary)
	if len(rec.Primary) == 0 {
		idx.tree.Remove(sk)
	}
}

// Put implements Index.
func (idx *InMemoryIndex) Put(primary keyrange.Key, value document.Value, old *document.Value) error {
	_, _, err := idx.putDetailed(primary, value, old)
	return err
}

// Remove implements Index.
func (idx *InMemoryIndex) Remove(primary keyrange.Key, old document.Value) error {
	_, _, err := idx.putDetailed(primary, document.Absent, &old)
	return err
}

// Keys implements Index. Results are in ascending-secondary-key scan order,
// with primary-key order as the tie-break within a shared secondary key,
// per spec.md §4.2.
func (idx *InMemoryIndex) Keys(r keyrange.Range, limit int) SortedKeys {
	if exact, ok := r.IsExact(); ok {
		rec, found := idx.tree.Lookup(exact)
		if !found {
			return nil
		}
		out := append(SortedKeys{}, rec.Primary...)
		return applyLimit(out, limit)
	}
	var out SortedKeys
	idx.tree.AscendRange(r, func(rec *btree.Record) bool {
		out = append(out, rec.Primary...)
		return limit <= 0 || len(out) < limit
	})
	return applyLimit(out, limit)
}

// Values implements Index.
func (idx *InMemoryIndex) Values(r keyrange.Range, limit int, resolve Resolver) []document.Value {
	keys := idx.Keys(r, limit)
	out := make([]document.Value, 0, len(keys))
	for _, k := range keys {
		if v, ok := resolve(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// MinGroup implements Index: the first record (smallest secondary key) in
// range, and its full primary-key set.
func (idx *InMemoryIndex) MinGroup(r keyrange.Range) (keyrange.Key, SortedKeys, bool) {
	var sk keyrange.Key
	var primaries SortedKeys
	found := false
	idx.tree.AscendRange(r, func(rec *btree.Record) bool {
		sk = rec.SecondaryKey
		primaries = append(SortedKeys{}, rec.Primary...)
		found = true
		return false
	})
	return sk, primaries, found
}

// MaxGroup implements Index: the last record (largest secondary key) in
// range, and its full primary-key set.
func (idx *InMemoryIndex) MaxGroup(r keyrange.Range) (keyrange.Key, SortedKeys, bool) {
	var sk keyrange.Key
	var primaries SortedKeys
	found := false
	idx.tree.DescendRange(r, func(rec *btree.Record) bool {
		sk = rec.SecondaryKey
		primaries = append(SortedKeys{}, rec.Primary...)
		found = true
		return false
	})
	return sk, primaries, found
}

// Count implements Index, summing per-group sizes directly rather than
// materializing the full key set (Design Notes §9c).
func (idx *InMemoryIndex) Count(r keyrange.Range) int {
	total := 0
	idx.tree.AscendRange(r, func(rec *btree.Record) bool {
		total += len(rec.Primary)
		return true
	})
	return total
}

// CheckUnique implements Index: true iff no entry exists at secondary.
func (idx *InMemoryIndex) CheckUnique(secondary keyrange.Key) bool {
	_, ok := idx.tree.Lookup(secondary)
	return !ok
}
