// Package btree implements spec.md's OrderedIndex: an in-memory ordered map
// from secondary key to a primary-key record, backed by an in-memory
// B-tree, with a stateful cursor and a staged TreeTransaction for
// producing atomic batches.
//
// The balancing itself is delegated to github.com/google/btree; this package
// adds the record-with-multiset value type, the cursor, and the
// range-seeking operations spec.md requires that a plain ordered map does
// not provide.
package btree

import (
	gbtree "github.com/google/btree"

	"github.com/cuemby/embedkv/keyrange"
)

// degree controls the branching factor of the underlying B-tree node.
const degree = 32

// Record is the value an OrderedIndex holds at one secondary key: either a
// single primary key (unique indices) or a primary-key set sorted by the
// primary-key ordering (non-unique indices). Primary is never empty while
// the Record is reachable from the tree; callers remove the tree entry once
// the last primary key leaves the set.
type Record struct {
	SecondaryKey keyrange.Key
	Primary      []keyrange.Key
}

// Less implements gbtree.Item by comparing SecondaryKeys.
func (r *Record) Less(than gbtree.Item) bool {
	return r.SecondaryKey.Compare(than.(*Record).SecondaryKey) < 0
}

func probe(key keyrange.Key) *Record { return &Record{SecondaryKey: key} }

// SeekMode selects how Seek positions the cursor relative to a target key.
type SeekMode int

const (
	// Exact requires the target key to be present.
	Exact SeekMode = iota
	// GE positions at the smallest key >= target.
	GE
	// LE positions at the largest key <= target.
	LE
)

// OrderedIndex is an in-memory ordered map with a stateful cursor. It is not
// safe for concurrent use without external synchronization, matching the
// cooperative single-threaded model of the wider system.
type OrderedIndex struct {
	tree      *gbtree.BTree
	curKey    *keyrange.Key
	curRecord *Record
}

// New returns an empty OrderedIndex.
func New() *OrderedIndex {
	return &OrderedIndex{tree: gbtree.New(degree)}
}

// Length returns the number of distinct secondary keys held, not counting
// the size of any per-key multiset.
func (t *OrderedIndex) Length() int { return t.tree.Len() }

// Lookup returns the record stored at key, if any, without touching the
// cursor.
func (t *OrderedIndex) Lookup(key keyrange.Key) (*Record, bool) {
	item := t.tree.Get(probe(key))
	if item == nil {
		return nil, false
	}
	return item.(*Record), true
}

func (t *OrderedIndex) clearCursor() {
	t.curKey = nil
	t.curRecord = nil
}

func (t *OrderedIndex) setCursor(r *Record) {
	k := r.SecondaryKey
	t.curKey = &k
	t.curRecord = r
}

// Insert inserts record at key if no entry exists there yet, and reports
// whether an insertion occurred. If an entry already exists the cursor is
// positioned at it and the supplied record is discarded -- callers that need
// to mutate an existing record's primary-key set should Lookup it and mutate
// the returned pointer in place, since only the primary-key set (not the
// sort key) ever changes after insertion.
func (t *OrderedIndex) Insert(key keyrange.Key, record *Record) bool {
	if existing := t.tree.Get(probe(key)); existing != nil {
		t.setCursor(existing.(*Record))
		return false
	}
	record.SecondaryKey = key
	t.tree.ReplaceOrInsert(record)
	t.setCursor(record)
	return true
}

// Upsert inserts or replaces the record at key unconditionally, used by
// TreeTransaction when applying staged writes that are already known-good.
func (t *OrderedIndex) Upsert(key keyrange.Key, record *Record) {
	record.SecondaryKey = key
	t.tree.ReplaceOrInsert(record)
	t.setCursor(record)
}

// Remove removes the entry at key. The cursor is positioned at the next
// entry >= key, or cleared if none remains.
func (t *OrderedIndex) Remove(key keyrange.Key) bool {
	removed := t.tree.Delete(probe(key))
	if removed == nil {
		return false
	}
	t.seekGE(key)
	return true
}

// Seek positions the cursor according to mode and reports success.
func (t *OrderedIndex) Seek(key keyrange.Key, mode SeekMode) bool {
	switch mode {
	case Exact:
		if rec, ok := t.Lookup(key); ok {
			t.setCursor(rec)
			return true
		}
		t.clearCursor()
		return false
	case GE:
		return t.seekGE(key)
	case LE:
		return t.seekLE(key)
	default:
		return false
	}
}

func (t *OrderedIndex) seekGE(key keyrange.Key) bool {
	var found *Record
	t.tree.AscendGreaterOrEqual(probe(key), func(i gbtree.Item) bool {
		found = i.(*Record)
		return false
	})
	if found == nil {
		t.clearCursor()
		return false
	}
	t.setCursor(found)
	return true
}

func (t *OrderedIndex) seekLE(key keyrange.Key) bool {
	var found *Record
	t.tree.DescendLessOrEqual(probe(key), func(i gbtree.Item) bool {
		found = i.(*Record)
		return false
	})
	if found == nil {
		t.clearCursor()
		return false
	}
	t.setCursor(found)
	return true
}

// GoTop positions the cursor at the first entry.
func (t *OrderedIndex) GoTop() bool {
	item := t.tree.Min()
	if item == nil {
		t.clearCursor()
		return false
	}
	t.setCursor(item.(*Record))
	return true
}

// GoBottom positions the cursor at the last entry.
func (t *OrderedIndex) GoBottom() bool {
	item := t.tree.Max()
	if item == nil {
		t.clearCursor()
		return false
	}
	t.setCursor(item.(*Record))
	return true
}

// GoToLowerBound positions the cursor at the smallest key >= lower (or >
// lower when open is true).
func (t *OrderedIndex) GoToLowerBound(lower keyrange.Key, open bool) bool {
	var found *Record
	t.tree.AscendGreaterOrEqual(probe(lower), func(i gbtree.Item) bool {
		rec := i.(*Record)
		if open && rec.SecondaryKey.Equal(lower) {
			return true
		}
		found = rec
		return false
	})
	if found == nil {
		t.clearCursor()
		return false
	}
	t.setCursor(found)
	return true
}

// GoToUpperBound positions the cursor at the largest key <= upper (or <
// upper when open is true).
func (t *OrderedIndex) GoToUpperBound(upper keyrange.Key, open bool) bool {
	var found *Record
	t.tree.DescendLessOrEqual(probe(upper), func(i gbtree.Item) bool {
		rec := i.(*Record)
		if open && rec.SecondaryKey.Equal(upper) {
			return true
		}
		found = rec
		return false
	})
	if found == nil {
		t.clearCursor()
		return false
	}
	t.setCursor(found)
	return true
}

// Skip advances the cursor by n entries (n may be negative) and reports
// whether the result stayed within bounds; on failure the cursor is left at
// its prior position.
func (t *OrderedIndex) Skip(n int) bool {
	if t.curRecord == nil {
		return false
	}
	if n == 0 {
		return true
	}
	if n > 0 {
		return t.skipForward(n)
	}
	return t.skipBackward(-n)
}

func (t *OrderedIndex) skipForward(n int) bool {
	var result *Record
	count := 0
	t.tree.AscendGreaterOrEqual(probe(*t.curKey), func(i gbtree.Item) bool {
		rec := i.(*Record)
		if rec.SecondaryKey.Equal(*t.curKey) {
			return true
		}
		count++
		if count == n {
			result = rec
			return false
		}
		return true
	})
	if result == nil {
		return false
	}
	t.setCursor(result)
	return true
}

func (t *OrderedIndex) skipBackward(n int) bool {
	var result *Record
	count := 0
	t.tree.DescendLessOrEqual(probe(*t.curKey), func(i gbtree.Item) bool {
		rec := i.(*Record)
		if rec.SecondaryKey.Equal(*t.curKey) {
			return true
		}
		count++
		if count == n {
			result = rec
			return false
		}
		return true
	})
	if result == nil {
		return false
	}
	t.setCursor(result)
	return true
}

// Keynum returns the 1-based rank of the cursor among all entries.
func (t *OrderedIndex) Keynum() (int, bool) {
	if t.curRecord == nil {
		return 0, false
	}
	rank := 0
	t.tree.Ascend(func(i gbtree.Item) bool {
		rank++
		return !i.(*Record).SecondaryKey.Equal(*t.curKey)
	})
	return rank, true
}

// Pack is a no-op: github.com/google/btree self-balances on every insert and
// delete. It is kept for interface parity with spec.md's rebalancing op.
func (t *OrderedIndex) Pack() {}

// Current returns the cursor's key and record, if positioned.
func (t *OrderedIndex) Current() (keyrange.Key, *Record, bool) {
	if t.curRecord == nil {
		return keyrange.Key{}, nil, false
	}
	return *t.curKey, t.curRecord, true
}

// AscendRange visits every record whose SecondaryKey falls within r, in
// ascending order, until visit returns false.
func (t *OrderedIndex) AscendRange(r keyrange.Range, visit func(*Record) bool) {
	if r.Empty() {
		return
	}
	var start gbtree.Item
	if r.Lower != nil {
		start = probe(*r.Lower)
	}
	fn := func(i gbtree.Item) bool {
		rec := i.(*Record)
		if r.LowerOpen && r.Lower != nil && rec.SecondaryKey.Equal(*r.Lower) {
			return true
		}
		if r.Upper != nil {
			c := rec.SecondaryKey.Compare(*r.Upper)
			if c > 0 || (c == 0 && r.UpperOpen) {
				return false
			}
		}
		return visit(rec)
	}
	if start != nil {
		t.tree.AscendGreaterOrEqual(start, fn)
	} else {
		t.tree.Ascend(fn)
	}
}

// DescendRange visits every record whose SecondaryKey falls within r, in
// descending order, until visit returns false.
func (t *OrderedIndex) DescendRange(r keyrange.Range, visit func(*Record) bool) {
	if r.Empty() {
		return
	}
	var start gbtree.Item
	if r.Upper != nil {
		start = probe(*r.Upper)
	}
	fn := func(i gbtree.Item) bool {
		rec := i.(*Record)
		if r.UpperOpen && r.Upper != nil && rec.SecondaryKey.Equal(*r.Upper) {
			return true
		}
		if r.Lower != nil {
			c := rec.SecondaryKey.Compare(*r.Lower)
			if c < 0 || (c == 0 && r.LowerOpen) {
				return false
			}
		}
		return visit(rec)
	}
	if start != nil {
		t.tree.DescendLessOrEqual(start, fn)
	} else {
		t.tree.Descend(fn)
	}
}
