// Package txn implements the transactional core of embedkv: the
// Transaction lifecycle state machine, the per-store state stack that
// gives transactions snapshot isolation, and atomic commits spanning
// multiple stores, per spec.md §4.5-§4.7.
package txn

import (
	"context"
	"fmt"
	"sort"

	"github.com/elliotchance/orderedmap"
	"github.com/google/uuid"

	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/errs"
	"github.com/cuemby/embedkv/keyrange"
	"github.com/cuemby/embedkv/kvindex"
)

// Status is a Transaction's lifecycle state.
type Status int

const (
	StatusOpen Status = iota
	StatusCommitted
	StatusAborted
	StatusConflicted
	StatusNested
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	case StatusConflicted:
		return "CONFLICTED"
	case StatusNested:
		return "NESTED"
	default:
		return "UNKNOWN"
	}
}

// baseState is whatever a Transaction reads through when a key, range or
// index isn't covered by its own modified/removed/truncated overlay: the
// backend directly, or an older layer on the same store's state stack.
// Both backendState and *Transaction implement it, so reads compose to
// arbitrary stack depth without the Transaction ever holding a strong
// back-pointer to its store beyond its own baseID.
type baseState interface {
	Get(ctx context.Context, key keyrange.Key) (document.Value, bool, error)
	Keys(ctx context.Context, r keyrange.Range) (kvindex.SortedKeys, error)
	Index(name string) (kvindex.BackendIndex, bool)
}

type modEntry struct {
	key   keyrange.Key
	value document.Value
}

// Transaction is a layered, copy-on-write view over an ObjectStore's
// state, per spec.md §3/§4.5.
type Transaction struct {
	id     string
	store  *ObjectStore
	parent baseState
	baseID string

	// parentTx is set only for a nested (child) transaction, and points
	// at the same object as parent, typed concretely for the merge-on-
	// commit logic in commitNested/abortNested.
	parentTx *Transaction
	child    *Transaction

	status    Status
	modified  *orderedmap.OrderedMap
	removed   map[string]keyrange.Key
	truncated bool
	indices   map[string]*kvindex.TransactionIndex
}

func newID() string { return uuid.NewString() }

func newTransaction(store *ObjectStore, parent baseState, baseID string) *Transaction {
	return &Transaction{
		id:       newID(),
		store:    store,
		parent:   parent,
		baseID:   baseID,
		status:   StatusOpen,
		modified: orderedmap.NewOrderedMap(),
		removed:  map[string]keyrange.Key{},
		indices:  map[string]*kvindex.TransactionIndex{},
	}
}

// ID returns the transaction's unique id.
func (t *Transaction) ID() string { return t.id }

// Status reports the transaction's current lifecycle state.
func (t *Transaction) Status() Status { return t.status }

func (t *Transaction) checkWritable() error {
	if t.child != nil {
		return fmt.Errorf("%w: %s", errs.ErrNestedTransactionBlocked, t.id)
	}
	if t.status != StatusOpen {
		return fmt.Errorf("%w: transaction %s is %s", errs.ErrTransactionClosed, t.id, t.status)
	}
	return nil
}

// Get implements spec.md §4.5 get(key): modified, then removed/truncated,
// then the parent state.
func (t *Transaction) Get(ctx context.Context, key keyrange.Key) (document.Value, bool, error) {
	if e, ok := t.modified.Get(key.Canon()); ok {
		me := e.(modEntry)
		return me.value, true, nil
	}
	if _, ok := t.removed[key.Canon()]; ok || t.truncated {
		return document.Value{}, false, nil
	}
	return t.parent.Get(ctx, key)
}

// Put stages a write. old is read through the transaction's own current
// view before the write takes effect, so overlay indices see the correct
// previously-observed value.
func (t *Transaction) Put(ctx context.Context, key keyrange.Key, value document.Value) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return t.applyPut(ctx, key, value)
}

// Remove stages a deletion.
func (t *Transaction) Remove(ctx context.Context, key keyrange.Key) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return t.applyRemove(ctx, key)
}

// Truncate marks the transaction's view as logically empty, ignoring the
// parent state entirely from this point on.
func (t *Transaction) Truncate(ctx context.Context) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return t.applyTruncate(ctx)
}

// applyPut/applyRemove/applyTruncate perform the same work as
// Put/Remove/Truncate without the OPEN/child gate, so nested-commit can
// replay a committed child's net changes onto its parent layer directly.
func (t *Transaction) applyPut(ctx context.Context, key keyrange.Key, value document.Value) error {
	oldValue, hadOld, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	var oldPtr *document.Value
	if hadOld {
		oldPtr = &oldValue
	}
	for _, name := range t.sortedIndexNames() {
		idx, _ := t.indexView(name)
		if err := idx.Put(key, value, oldPtr); err != nil {
			return err
		}
	}
	t.modified.Set(key.Canon(), modEntry{key: key, value: value})
	delete(t.removed, key.Canon())
	return nil
}

func (t *Transaction) applyRemove(ctx context.Context, key keyrange.Key) error {
	oldValue, hadOld, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	if hadOld {
		for _, name := range t.sortedIndexNames() {
			idx, _ := t.indexView(name)
			if err := idx.Remove(key, oldValue); err != nil {
				return err
			}
		}
	}
	t.removed[key.Canon()] = key
	t.modified.Delete(key.Canon())
	return nil
}

func (t *Transaction) applyTruncate(ctx context.Context) error {
	t.truncated = true
	t.modified = orderedmap.NewOrderedMap()
	t.removed = map[string]keyrange.Key{}
	for _, idx := range t.indices {
		idx.Truncate()
	}
	return nil
}

func (t *Transaction) sortedIndexNames() []string {
	names := make([]string, 0, len(t.store.indexDefs))
	for name := range t.store.indexDefs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Transaction) indexView(name string) (*kvindex.TransactionIndex, bool) {
	if idx, ok := t.indices[name]; ok {
		return idx, true
	}
	def, ok := t.store.indexDefs[name]
	if !ok {
		return nil, false
	}
	var backendIdx kvindex.BackendIndex
	if bi, ok := t.parent.Index(name); ok {
		backendIdx = bi
	}
	idx := kvindex.NewTransactionIndex(def, backendIdx)
	t.indices[name] = idx
	return idx, true
}

// Index implements baseState, handing children a view of this
// transaction's own overlay for the named index.
func (t *Transaction) Index(name string) (kvindex.BackendIndex, bool) {
	idx, ok := t.indexView(name)
	if !ok {
		return nil, false
	}
	return idx, true
}

// Keys implements spec.md §4.5 over the primary key space:
// (parentKeys \ removed) ∪ modifiedKeysInRange. A primary key whose value
// merely changed stays a member of parentKeys (its identity didn't move);
// only deletions need to be subtracted, and only genuinely new keys need
// to be added back in via the overlay (the union already no-ops for keys
// present on both sides).
func (t *Transaction) Keys(ctx context.Context, r keyrange.Range) (kvindex.SortedKeys, error) {
	var backendKeys kvindex.SortedKeys
	if !t.truncated {
		bk, err := t.parent.Keys(ctx, r)
		if err != nil {
			return nil, err
		}
		backendKeys = t.withoutRemoved(bk)
	}
	overlay := t.modifiedKeysInRange(r)
	return kvindex.Union(backendKeys, overlay), nil
}

func (t *Transaction) withoutRemoved(keys kvindex.SortedKeys) kvindex.SortedKeys {
	if len(t.removed) == 0 {
		return keys
	}
	out := make(kvindex.SortedKeys, 0, len(keys))
	for _, k := range keys {
		if _, ok := t.removed[k.Canon()]; ok {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (t *Transaction) modifiedKeysInRange(r keyrange.Range) kvindex.SortedKeys {
	var out kvindex.SortedKeys
	for _, k := range t.modified.Keys() {
		v, _ := t.modified.Get(k)
		me := v.(modEntry)
		if r.Contains(me.key) {
			out = append(out, me.key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Values, MinKey, MaxKey, MinValue, MaxValue and Count share the generic
// baseState-level implementations used by ObjectStore's own read API.
func (t *Transaction) Values(ctx context.Context, r keyrange.Range) ([]document.Value, error) {
	return valuesFor(ctx, t, r)
}
func (t *Transaction) MinKey(ctx context.Context, r keyrange.Range) (keyrange.Key, bool, error) {
	return minKeyFor(ctx, t, r)
}
func (t *Transaction) MaxKey(ctx context.Context, r keyrange.Range) (keyrange.Key, bool, error) {
	return maxKeyFor(ctx, t, r)
}
func (t *Transaction) MinValue(ctx context.Context, r keyrange.Range) (document.Value, bool, error) {
	return minValueFor(ctx, t, r)
}
func (t *Transaction) MaxValue(ctx context.Context, r keyrange.Range) (document.Value, bool, error) {
	return maxValueFor(ctx, t, r)
}
func (t *Transaction) Count(ctx context.Context, r keyrange.Range) (int, error) {
	return countFor(ctx, t, r)
}

// Transaction opens a nested child. The receiver must be OPEN and
// becomes NESTED while the child is open; closing the child (commit or
// abort) returns it to OPEN.
func (t *Transaction) Transaction() (*Transaction, error) {
	if err := t.checkWritable(); err != nil {
		return nil, err
	}
	child := newTransaction(t.store, t, t.id)
	child.parentTx = t
	t.child = child
	t.status = StatusNested
	return child, nil
}

// Commit commits the transaction: a top-level transaction delegates to
// its ObjectStore's state-stack protocol (§4.6); a nested transaction
// merges directly into its parent and reopens it.
func (t *Transaction) Commit(ctx context.Context) (bool, error) {
	if t.parentTx != nil {
		return t.commitNested(ctx)
	}
	return t.store.commit(ctx, t)
}

// Abort discards the transaction's staged writes.
func (t *Transaction) Abort(ctx context.Context) error {
	if t.parentTx != nil {
		return t.abortNested(ctx)
	}
	return t.store.abort(ctx, t)
}

func (t *Transaction) commitNested(ctx context.Context) (bool, error) {
	if t.status != StatusOpen {
		return false, errs.ErrInvalidState
	}
	parent := t.parentTx
	if t.truncated {
		if err := parent.applyTruncate(ctx); err != nil {
			return false, err
		}
	}
	for _, key := range t.removed {
		if err := parent.applyRemove(ctx, key); err != nil {
			return false, err
		}
	}
	for _, k := range t.modified.Keys() {
		v, _ := t.modified.Get(k)
		me := v.(modEntry)
		if err := parent.applyPut(ctx, me.key, me.value); err != nil {
			return false, err
		}
	}
	parent.child = nil
	parent.status = StatusOpen
	t.status = StatusCommitted
	return true, nil
}

func (t *Transaction) abortNested(ctx context.Context) error {
	if t.status != StatusOpen {
		return errs.ErrInvalidState
	}
	parent := t.parentTx
	parent.child = nil
	parent.status = StatusOpen
	t.status = StatusAborted
	return nil
}

// --- shared baseState-level read helpers, used by both Transaction and ObjectStore ---

func valuesFor(ctx context.Context, s baseState, r keyrange.Range) ([]document.Value, error) {
	keys, err := s.Keys(ctx, r)
	if err != nil {
		return nil, err
	}
	out := make([]document.Value, 0, len(keys))
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func minKeyFor(ctx context.Context, s baseState, r keyrange.Range) (keyrange.Key, bool, error) {
	keys, err := s.Keys(ctx, r)
	if err != nil {
		return keyrange.Key{}, false, err
	}
	if len(keys) == 0 {
		return keyrange.Key{}, false, nil
	}
	return keys[0], true, nil
}

func maxKeyFor(ctx context.Context, s baseState, r keyrange.Range) (keyrange.Key, bool, error) {
	keys, err := s.Keys(ctx, r)
	if err != nil {
		return keyrange.Key{}, false, err
	}
	if len(keys) == 0 {
		return keyrange.Key{}, false, nil
	}
	return keys[len(keys)-1], true, nil
}

func minValueFor(ctx context.Context, s baseState, r keyrange.Range) (document.Value, bool, error) {
	k, ok, err := minKeyFor(ctx, s, r)
	if err != nil || !ok {
		return document.Value{}, false, err
	}
	return s.Get(ctx, k)
}

func maxValueFor(ctx context.Context, s baseState, r keyrange.Range) (document.Value, bool, error) {
	k, ok, err := maxKeyFor(ctx, s, r)
	if err != nil || !ok {
		return document.Value{}, false, err
	}
	return s.Get(ctx, k)
}

func countFor(ctx context.Context, s baseState, r keyrange.Range) (int, error) {
	keys, err := s.Keys(ctx, r)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
