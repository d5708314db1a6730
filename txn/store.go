package txn

import (
	"context"
	"sync"

	"github.com/cuemby/embedkv/backend"
	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/errs"
	"github.com/cuemby/embedkv/internal/obslog"
	"github.com/cuemby/embedkv/internal/obsmetrics"
	"github.com/cuemby/embedkv/keyrange"
	"github.com/cuemby/embedkv/kvindex"
)

// maxStackSize bounds how many uncommitted state-stack layers a single
// ObjectStore may hold at once, per spec.md §4.6.
const maxStackSize = 10

// backendBaseID is the sentinel baseID meaning "read straight from the
// backend", distinct from any Transaction's id.
const backendBaseID = "backend"

// backendState adapts a backend.Backend to baseState, converting its
// []keyrange.Key returns to kvindex.SortedKeys.
type backendState struct {
	b backend.Backend
}

func (s backendState) Get(ctx context.Context, key keyrange.Key) (document.Value, bool, error) {
	return s.b.Get(ctx, key)
}

func (s backendState) Keys(ctx context.Context, r keyrange.Range) (kvindex.SortedKeys, error) {
	keys, err := s.b.Keys(ctx, r)
	if err != nil {
		return nil, err
	}
	return kvindex.SortedKeys(keys), nil
}

func (s backendState) Index(name string) (kvindex.BackendIndex, bool) {
	return s.b.Index(name)
}

// ObjectStore is one named object store, holding its backend and the
// stack of uncommitted transaction layers staged on top of it, per
// spec.md §4.6.
type ObjectStore struct {
	mu   sync.Mutex
	name string

	backend   backend.Backend
	backendSt backendState
	indexDefs map[string]kvindex.Def

	// stack holds COMMITTED layers not yet flattened into the backend,
	// oldest first.
	// stack[0]'s base is always the backend.
	stack []*Transaction

	// base maps a transaction id to the baseID it was opened against:
	// either backendBaseID or another transaction's id.
	base map[string]string

	// open counts outstanding open readers (child transactions and
	// live references) per state id, backendBaseID included, so a
	// layer is only eligible for flattening once its count reaches 0.
	open map[string]int

	// closedBases records every baseID that some transaction has
	// already successfully committed from, so a second transaction
	// attempting to commit from the same base is rejected as CONFLICTED
	// (first-committer-wins).
	closedBases map[string]struct{}
}

// NewObjectStore constructs an ObjectStore over b, with the given
// secondary index definitions.
func NewObjectStore(name string, b backend.Backend, indexDefs map[string]kvindex.Def) *ObjectStore {
	if indexDefs == nil {
		indexDefs = map[string]kvindex.Def{}
	}
	return &ObjectStore{
		name:        name,
		backend:     b,
		backendSt:   backendState{b: b},
		indexDefs:   indexDefs,
		base:        map[string]string{},
		open:        map[string]int{},
		closedBases: map[string]struct{}{},
	}
}

// Name returns the store's name.
func (s *ObjectStore) Name() string { return s.name }

// currentBaseID returns the id a newly-opened transaction should be
// based on: the top of the stack if non-empty, else the backend.
func (s *ObjectStore) currentBaseID() string {
	if len(s.stack) == 0 {
		return backendBaseID
	}
	return s.stack[len(s.stack)-1].id
}

func (s *ObjectStore) stateFor(id string) baseState {
	if id == backendBaseID {
		return s.backendSt
	}
	for _, t := range s.stack {
		if t.id == id {
			return t
		}
	}
	return nil
}

// Begin opens a new top-level transaction against the store's current
// state. Begin never fails on stack depth: the bound on how many layers
// a store can hold is enforced at commit time instead, per spec.md §4.6
// step 4, since only a commit's push can actually grow the stack.
func (s *ObjectStore) Begin(ctx context.Context) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	baseID := s.currentBaseID()
	base := s.stateFor(baseID)
	t := newTransaction(s, base, baseID)
	s.open[baseID]++
	return t, nil
}

// commit validates and applies a top-level transaction's changes, per
// spec.md §4.6: first-committer-wins against t.baseID, push onto the
// stack, then flatten eagerly while possible.
func (s *ObjectStore) commit(ctx context.Context, t *Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.status != StatusOpen {
		return false, errs.ErrInvalidState
	}
	if _, closed := s.closedBases[t.baseID]; closed {
		t.status = StatusConflicted
		s.releaseOpen(t.baseID)
		obsmetrics.ConflictsTotal.WithLabelValues(s.name).Inc()
		if err := s.collapse(ctx); err != nil {
			obslog.WithStore("txn", s.name).Err(err).Msg("collapse after conflict failed")
			return false, err
		}
		return false, errs.ErrConflict
	}

	// The push below always adds a layer; whether that layer can turn
	// right back around and flatten away depends on whether t was the
	// last reader holding t.baseID open. Release t's own slot first, so
	// the check below reflects only other readers. If none remain, the
	// push is followed by an immediate flatten attempt and the stack
	// bound doesn't apply; if the base is still held open elsewhere and
	// the stack is already full, reject the push and leave t retriable.
	s.releaseOpen(t.baseID)
	if s.open[t.baseID] > 0 && len(s.stack) >= maxStackSize {
		s.open[t.baseID]++
		return false, errs.ErrStackOverflow
	}

	s.stack = append(s.stack, t)
	s.base[t.id] = t.baseID
	s.closedBases[t.baseID] = struct{}{}
	t.status = StatusCommitted
	obsmetrics.CommitsTotal.WithLabelValues(s.name, "committed").Inc()
	obsmetrics.StackDepth.WithLabelValues(s.name).Set(float64(len(s.stack)))

	if err := s.collapse(ctx); err != nil {
		obslog.WithStore("txn", s.name).Err(err).Msg("collapse after commit failed")
		return true, err
	}
	return true, nil
}

// abort discards an OPEN top-level transaction (it is never pushed onto
// the stack), releases its base, and then flattens whatever committed
// layers that release makes collapsible.
func (s *ObjectStore) abort(ctx context.Context, t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.status != StatusOpen {
		return errs.ErrInvalidState
	}
	t.status = StatusAborted
	s.releaseOpen(t.baseID)
	obsmetrics.CommitsTotal.WithLabelValues(s.name, "aborted").Inc()
	return s.collapse(ctx)
}

func (s *ObjectStore) releaseOpen(id string) {
	if s.open[id] > 0 {
		s.open[id]--
	}
}

// collapse repeatedly flattens the oldest stack entry onto its base
// (the backend, or another stack entry) while that base has zero open
// readers, per spec.md §4.6: a reader opened against baseID expects to
// keep seeing baseID's state without the oldest entry's changes merged
// in, so merging must wait until every such reader has closed. Readers
// based on the oldest entry itself are unaffected by the flatten --
// they hold a direct reference to that Transaction object regardless of
// whether it is still linked into the stack slice. Because closedBases
// seals a base the moment its first child commits, the oldest stack
// entry's base -- whenever it becomes collapsible -- is guaranteed to
// still be exactly what it was when that entry was pushed: the
// backend, or the stack entry directly below it.
func (s *ObjectStore) collapse(ctx context.Context) error {
	for len(s.stack) > 0 {
		oldest := s.stack[0]
		if s.open[oldest.baseID] > 0 {
			return nil
		}
		if err := s.applyOnto(ctx, oldest); err != nil {
			return err
		}
		s.stack = s.stack[1:]
		delete(s.base, oldest.id)
		delete(s.closedBases, oldest.baseID)
		// s.open[oldest.id] is deliberately left alone: a later stack
		// entry still staged above oldest may carry baseID == oldest.id,
		// and its own eventual collapse needs that counter intact to
		// know whether readers based on oldest.id are still open.
		obsmetrics.StackDepth.WithLabelValues(s.name).Set(float64(len(s.stack)))
	}
	return nil
}

// applyOnto replays t's net modified/removed/truncated changes directly
// onto the backend. t is always stack[0] here: by the time collapse
// reaches it, every stack entry below it (if t.baseID pointed at one)
// has already flattened into the backend in the same oldest-first
// order, so the backend already reflects t's base state regardless of
// what t.baseID originally was. t's own Batch is a complete per-key
// overwrite set relative to that base, so applying it straight to the
// backend after the base's own flatten is equivalent to the full
// merge chain, without needing t's original base transaction object to
// still exist.
func (s *ObjectStore) applyOnto(ctx context.Context, t *Transaction) error {
	return s.applyToBackend(ctx, t)
}

func (s *ObjectStore) applyToBackend(ctx context.Context, t *Transaction) error {
	batch := backend.Batch{TableName: s.name, Truncated: t.truncated}
	for _, key := range t.removed {
		batch.Removed = append(batch.Removed, key)
	}
	for _, k := range t.modified.Keys() {
		v, _ := t.modified.Get(k)
		me := v.(modEntry)
		batch.Modified = append(batch.Modified, backend.KV{Key: me.key, Value: me.value})
	}
	return s.backend.ApplyCombined(ctx, batch)
}

// --- read-only convenience API, used directly (outside a transaction)
// and by CombinedTransaction's precondition checks. ---

func (s *ObjectStore) currentReadState() baseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateFor(s.currentBaseID())
}

func (s *ObjectStore) Get(ctx context.Context, key keyrange.Key) (document.Value, bool, error) {
	return s.currentReadState().Get(ctx, key)
}
func (s *ObjectStore) Keys(ctx context.Context, r keyrange.Range) (kvindex.SortedKeys, error) {
	return s.currentReadState().Keys(ctx, r)
}
func (s *ObjectStore) Values(ctx context.Context, r keyrange.Range) ([]document.Value, error) {
	return valuesFor(ctx, s.currentReadState(), r)
}
func (s *ObjectStore) MinKey(ctx context.Context, r keyrange.Range) (keyrange.Key, bool, error) {
	return minKeyFor(ctx, s.currentReadState(), r)
}
func (s *ObjectStore) MaxKey(ctx context.Context, r keyrange.Range) (keyrange.Key, bool, error) {
	return maxKeyFor(ctx, s.currentReadState(), r)
}
func (s *ObjectStore) MinValue(ctx context.Context, r keyrange.Range) (document.Value, bool, error) {
	return minValueFor(ctx, s.currentReadState(), r)
}
func (s *ObjectStore) MaxValue(ctx context.Context, r keyrange.Range) (document.Value, bool, error) {
	return maxValueFor(ctx, s.currentReadState(), r)
}
func (s *ObjectStore) Count(ctx context.Context, r keyrange.Range) (int, error) {
	return countFor(ctx, s.currentReadState(), r)
}
func (s *ObjectStore) Index(name string) (kvindex.BackendIndex, bool) {
	return s.currentReadState().Index(name)
}

// StackDepth reports the number of uncommitted layers currently staged
// above the backend.
func (s *ObjectStore) StackDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

// HasOpenTransactions reports whether any top-level transaction begun
// against this store is still OPEN (neither committed nor aborted). Used
// by the Database facade's Close/Destroy drain check, per spec.md §5.
// Nested transactions don't count: they never register in s.open, since
// commitNested/abortNested resolve entirely within the parent
// Transaction without touching the store's bookkeeping.
func (s *ObjectStore) HasOpenTransactions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, count := range s.open {
		if count > 0 {
			return true
		}
	}
	return false
}

// Backend exposes the store's underlying backend, for CombinedTransaction
// and adapters that need direct access (e.g. index creation).
func (s *ObjectStore) Backend() backend.Backend { return s.backend }
