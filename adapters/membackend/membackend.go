// Package membackend implements backend.Backend entirely in memory, per
// spec.md §6's non-persistent object store option: a sorted primary-key
// slice plus a map, with secondary indices held as kvindex.InMemoryIndex
// instances. It is the backend every CreateObjectStore call gets when
// StoreOptions.Persistent is false, and it is what CombinedTransaction's
// two-phase apply treats as the "in-memory, apply-second" half of a
// combined commit.
//
// membackend does not reuse btree.OrderedIndex for its own primary
// storage: that type's Record holds a primary-key multiset keyed by
// secondary key, which is the shape a secondary index needs, not the
// single-document-per-primary-key shape a backend's own store needs. A
// sorted kvindex.SortedKeys plus map serves that simpler contract
// directly.
package membackend

import (
	"context"
	"sync"

	"github.com/cuemby/embedkv/backend"
	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/keyrange"
	"github.com/cuemby/embedkv/kvindex"
)

// Backend is an in-memory implementation of backend.Backend.
type Backend struct {
	mu      sync.RWMutex
	data    map[string]document.Value
	ordered kvindex.SortedKeys
	indices map[string]*kvindex.InMemoryIndex
	defs    map[string]kvindex.Def
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		data:    map[string]document.Value{},
		indices: map[string]*kvindex.InMemoryIndex{},
		defs:    map[string]kvindex.Def{},
	}
}

func (b *Backend) Persistent() bool { return false }

func (b *Backend) Get(ctx context.Context, key keyrange.Key) (document.Value, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key.Canon()]
	return v, ok, nil
}

func (b *Backend) Put(ctx context.Context, key keyrange.Key, value document.Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putLocked(key, value)
	return nil
}

func (b *Backend) putLocked(key keyrange.Key, value document.Value) {
	old, hadOld := b.data[key.Canon()]
	var oldPtr *document.Value
	if hadOld {
		oldPtr = &old
	}
	b.data[key.Canon()] = value
	if !hadOld {
		b.ordered = b.ordered.Insert(key)
	}
	for _, idx := range b.indices {
		_ = idx.Put(key, value, oldPtr)
	}
}

func (b *Backend) Remove(ctx context.Context, key keyrange.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(key)
	return nil
}

func (b *Backend) removeLocked(key keyrange.Key) {
	old, hadOld := b.data[key.Canon()]
	if !hadOld {
		return
	}
	delete(b.data, key.Canon())
	b.ordered = b.ordered.Remove(key)
	for _, idx := range b.indices {
		_ = idx.Remove(key, old)
	}
}

func (b *Backend) Keys(ctx context.Context, r keyrange.Range) ([]keyrange.Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []keyrange.Key
	for _, k := range b.ordered {
		if r.Contains(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *Backend) Values(ctx context.Context, r keyrange.Range) ([]document.Value, error) {
	keys, _ := b.Keys(ctx, r)
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]document.Value, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.data[k.Canon()])
	}
	return out, nil
}

func (b *Backend) MinKey(ctx context.Context, r keyrange.Range) (keyrange.Key, bool, error) {
	keys, _ := b.Keys(ctx, r)
	if len(keys) == 0 {
		return keyrange.Key{}, false, nil
	}
	return keys[0], true, nil
}

func (b *Backend) MaxKey(ctx context.Context, r keyrange.Range) (keyrange.Key, bool, error) {
	keys, _ := b.Keys(ctx, r)
	if len(keys) == 0 {
		return keyrange.Key{}, false, nil
	}
	return keys[len(keys)-1], true, nil
}

func (b *Backend) MinValue(ctx context.Context, r keyrange.Range) (document.Value, bool, error) {
	k, ok, _ := b.MinKey(ctx, r)
	if !ok {
		return document.Value{}, false, nil
	}
	return b.Get(ctx, k)
}

func (b *Backend) MaxValue(ctx context.Context, r keyrange.Range) (document.Value, bool, error) {
	k, ok, _ := b.MaxKey(ctx, r)
	if !ok {
		return document.Value{}, false, nil
	}
	return b.Get(ctx, k)
}

func (b *Backend) Count(ctx context.Context, r keyrange.Range) (int, error) {
	keys, _ := b.Keys(ctx, r)
	return len(keys), nil
}

func (b *Backend) KeyStream(ctx context.Context, r keyrange.Range, ascending bool, fn backend.StreamFunc[keyrange.Key]) error {
	keys, _ := b.Keys(ctx, r)
	if !ascending {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	for _, k := range keys {
		if !fn(k) {
			break
		}
	}
	return nil
}

func (b *Backend) ValueStream(ctx context.Context, r keyrange.Range, ascending bool, fn backend.StreamFunc[document.Value]) error {
	values, _ := b.Values(ctx, r)
	if !ascending {
		for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
			values[i], values[j] = values[j], values[i]
		}
	}
	for _, v := range values {
		if !fn(v) {
			break
		}
	}
	return nil
}

// ApplyCombined applies batch atomically under the backend's own lock.
// Index deltas carried in the batch are ignored: membackend recomputes
// its own index state directly from Modified/Removed/Truncated via the
// same putLocked/removeLocked path every other write uses, since its
// indices live in the same process and need no separate wire encoding.
func (b *Backend) ApplyCombined(ctx context.Context, batch backend.Batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if batch.Truncated {
		b.truncateLocked()
	}
	for _, kv := range batch.Modified {
		b.putLocked(kv.Key, kv.Value)
	}
	for _, k := range batch.Removed {
		b.removeLocked(k)
	}
	return nil
}

func (b *Backend) Truncate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.truncateLocked()
	return nil
}

func (b *Backend) truncateLocked() {
	b.data = map[string]document.Value{}
	b.ordered = nil
	for name, def := range b.defs {
		b.indices[name] = kvindex.New(def)
	}
}

func (b *Backend) CreateIndex(ctx context.Context, def kvindex.Def) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := kvindex.New(def)
	for _, k := range b.ordered {
		_ = idx.Put(k, b.data[k.Canon()], nil)
	}
	b.defs[def.Name] = def
	b.indices[def.Name] = idx
	return nil
}

func (b *Backend) DeleteIndex(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.defs, name)
	delete(b.indices, name)
	return nil
}

func (b *Backend) Index(name string) (kvindex.BackendIndex, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.indices[name]
	return idx, ok
}

func (b *Backend) Close(ctx context.Context) error { return nil }

func (b *Backend) Destroy(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.truncateLocked()
	b.defs = map[string]kvindex.Def{}
	b.indices = map[string]*kvindex.InMemoryIndex{}
	return nil
}
