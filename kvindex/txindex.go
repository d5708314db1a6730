package kvindex

import (
	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/keyrange"
)

// BackendIndex is the read side of a persistent (or parent-transaction)
// index as seen through a transaction overlay: anything that can answer the
// same group/key queries InMemoryIndex answers. ObjectStore adapts both a
// backend's own index and a parent transaction's TransactionIndex to this
// interface, so TransactionIndex composes uniformly however deep the state
// stack runs.
type BackendIndex interface {
	Keys(r keyrange.Range, limit int) SortedKeys
	Values(r keyrange.Range, limit int, resolve Resolver) []document.Value
	MinGroup(r keyrange.Range) (secondary keyrange.Key, primaries SortedKeys, ok bool)
	MaxGroup(r keyrange.Range) (secondary keyrange.Key, primaries SortedKeys, ok bool)
	Count(r keyrange.Range) int
	CheckUnique(secondary keyrange.Key) bool
}

// TransactionIndex overlays a BackendIndex with a transaction's own new
// entries, tombstones (removed) and staleness markers (modified), per
// spec.md §4.3.
type TransactionIndex struct {
	def       Def
	backend   BackendIndex
	overlay   *InMemoryIndex
	removed   map[string]struct{}
	modified  map[string]struct{}
	truncated bool
}

// NewTransactionIndex returns a TransactionIndex over backend (which may be
// nil for a brand-new index with nothing persisted yet).
func NewTransactionIndex(def Def, backend BackendIndex) *TransactionIndex {
	return &TransactionIndex{
		def:      def,
		backend:  backend,
		overlay:  New(def),
		removed:  map[string]struct{}{},
		modified: map[string]struct{}{},
	}
}

// Truncate marks the backend side as logically empty, matching a truncated
// transaction: subsequent reads only see the overlay.
func (t *TransactionIndex) Truncate() {
	t.truncated = true
	t.removed = map[string]struct{}{}
	t.modified = map[string]struct{}{}
}

// Put implements Index.
func (t *TransactionIndex) Put(primary keyrange.Key, value document.Value, old *document.Value) error {
	_, removedKeys, err := t.overlay.putDetailed(primary, value, old)
	if err != nil {
		return err
	}
	delete(t.removed, primary.Canon())
	if len(removedKeys) > 0 {
		t.modified[primary.Canon()] = struct{}{}
	}
	return nil
}

// Remove implements Index.
func (t *TransactionIndex) Remove(primary keyrange.Key, old document.Value) error {
	if err := t.overlay.Remove(primary, old); err != nil {
		return err
	}
	t.removed[primary.Canon()] = struct{}{}
	delete(t.modified, primary.Canon())
	return nil
}

func (t *TransactionIndex) filterStale(keys SortedKeys) SortedKeys {
	if len(t.removed) == 0 && len(t.modified) == 0 {
		return keys
	}
	out := make(SortedKeys, 0, len(keys))
	for _, k := range keys {
		c := k.Canon()
		if _, removed := t.removed[c]; removed {
			continue
		}
		if _, modified := t.modified[c]; modified {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (t *TransactionIndex) backendKeys(r keyrange.Range) SortedKeys {
	if t.truncated || t.backend == nil {
		return nil
	}
	return t.filterStale(t.backend.Keys(r, 0))
}

// Keys implements Index: (backendKeys ∪ newKeys) \ removed \ modified,
// where the subtraction only strips stale backend-side entries -- the
// overlay's own entries are always current, since a no-op put (old and new
// secondary key equal) never touches the overlay or the modified set.
func (t *TransactionIndex) Keys(r keyrange.Range, limit int) SortedKeys {
	result := Union(t.backendKeys(r), t.overlay.Keys(r, 0))
	return applyLimit(result, limit)
}

// Values implements Index.
func (t *TransactionIndex) Values(r keyrange.Range, limit int, resolve Resolver) []document.Value {
	keys := t.Keys(r, limit)
	out := make([]document.Value, 0, len(keys))
	for _, k := range keys {
		if v, ok := resolve(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// MinGroup implements Index per spec.md §4.3: narrow the backend range by
// the observed extremal secondary key until a candidate group survives the
// removed/modified filter or the range empties, then compare against the
// overlay's own extremal group.
func (t *TransactionIndex) MinGroup(r keyrange.Range) (keyrange.Key, SortedKeys, bool) {
	newSK, newPrimaries, newOK := t.overlay.MinGroup(r)
	backSK, backPrimaries, backOK := t.narrowBackendMin(r)
	return mergeGroups(newSK, newPrimaries, newOK, backSK, backPrimaries, backOK, true)
}

// MaxGroup is the descending counterpart of MinGroup.
func (t *TransactionIndex) MaxGroup(r keyrange.Range) (keyrange.Key, SortedKeys, bool) {
	newSK, newPrimaries, newOK := t.overlay.MaxGroup(r)
	backSK, backPrimaries, backOK := t.narrowBackendMax(r)
	return mergeGroups(newSK, newPrimaries, newOK, backSK, backPrimaries, backOK, false)
}

func (t *TransactionIndex) narrowBackendMin(r keyrange.Range) (keyrange.Key, SortedKeys, bool) {
	if t.truncated || t.backend == nil {
		return keyrange.Key{}, nil, false
	}
	cur := r
	for {
		sk, primaries, ok := t.backend.MinGroup(cur)
		if !ok {
			return keyrange.Key{}, nil, false
		}
		filtered := t.filterStale(primaries)
		if len(filtered) > 0 {
			return sk, filtered, true
		}
		cur = keyrange.Range{Lower: &sk, LowerOpen: true, Upper: cur.Upper, UpperOpen: cur.UpperOpen}
		if cur.Empty() {
			return keyrange.Key{}, nil, false
		}
	}
}

func (t *TransactionIndex) narrowBackendMax(r keyrange.Range) (keyrange.Key, SortedKeys, bool) {
	if t.truncated || t.backend == nil {
		return keyrange.Key{}, nil, false
	}
	cur := r
	for {
		sk, primaries, ok := t.backend.MaxGroup(cur)
		if !ok {
			return keyrange.Key{}, nil, false
		}
		filtered := t.filterStale(primaries)
		if len(filtered) > 0 {
			return sk, filtered, true
		}
		cur = keyrange.Range{Upper: &sk, UpperOpen: true, Lower: cur.Lower, LowerOpen: cur.LowerOpen}
		if cur.Empty() {
			return keyrange.Key{}, nil, false
		}
	}
}

func mergeGroups(newSK keyrange.Key, newPrimaries SortedKeys, newOK bool, backSK keyrange.Key, backPrimaries SortedKeys, backOK bool, wantMin bool) (keyrange.Key, SortedKeys, bool) {
	switch {
	case newOK && backOK:
		c := newSK.Compare(backSK)
		switch {
		case c == 0:
			return newSK, Union(newPrimaries, backPrimaries), true
		case (c < 0) == wantMin:
			return newSK, newPrimaries, true
		default:
			return backSK, backPrimaries, true
		}
	case newOK:
		return newSK, newPrimaries, true
	case backOK:
		return backSK, backPrimaries, true
	default:
		return keyrange.Key{}, nil, false
	}
}

// Count implements Index.
func (t *TransactionIndex) Count(r keyrange.Range) int {
	return len(t.Keys(r, 0))
}

// CheckUnique implements Index, per spec.md §4.3: confirms the backend has
// zero entries for the exact secondary key. New-side duplication is caught
// by InMemoryIndex.putDetailed at insertion time.
func (t *TransactionIndex) CheckUnique(secondary keyrange.Key) bool {
	if t.truncated || t.backend == nil {
		return true
	}
	return t.backend.CheckUnique(secondary)
}
