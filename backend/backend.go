// Package backend defines the persistence contract of spec.md §6: an
// ordered key-value store exposing get/keys/values/min/max/count/stream
// plus an applyCombined hook for atomic batch application.
package backend

import (
	"context"

	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/keyrange"
	"github.com/cuemby/embedkv/kvindex"
)

// KV pairs a primary key with its value, used wherever a batch or stream
// needs to carry both.
type KV struct {
	Key   keyrange.Key
	Value document.Value
}

// IndexDelta is the index-scoped slice of a Batch: what changed in one
// secondary index as a result of the writes in the enclosing Batch.
type IndexDelta struct {
	IndexName string
	Truncated bool
	Removed   []keyrange.Key
	Modified  []KV
}

// Batch is the description of a committable change set produced by
// ApplyCombined: the sole write interface into a persistence backend,
// per spec.md §3.
type Batch struct {
	TableName   string
	Truncated   bool
	Removed     []keyrange.Key
	Modified    []KV
	IndexDeltas []IndexDelta
}

// StreamFunc is a producer callback for KeyStream/ValueStream: returning
// false stops the stream early, and the backend is responsible for
// releasing any iteration resources promptly once it does.
type StreamFunc[T any] func(T) bool

// Backend is the persistence contract each adapter implements: an
// ordered key-value store plus atomic batch application, index
// management, and lifecycle. One Backend instance corresponds to one
// object store's persisted state.
type Backend interface {
	Get(ctx context.Context, key keyrange.Key) (document.Value, bool, error)
	Put(ctx context.Context, key keyrange.Key, value document.Value) error
	Remove(ctx context.Context, key keyrange.Key) error

	Keys(ctx context.Context, r keyrange.Range) ([]keyrange.Key, error)
	Values(ctx context.Context, r keyrange.Range) ([]document.Value, error)
	MinKey(ctx context.Context, r keyrange.Range) (keyrange.Key, bool, error)
	MaxKey(ctx context.Context, r keyrange.Range) (keyrange.Key, bool, error)
	MinValue(ctx context.Context, r keyrange.Range) (document.Value, bool, error)
	MaxValue(ctx context.Context, r keyrange.Range) (document.Value, bool, error)
	Count(ctx context.Context, r keyrange.Range) (int, error)

	KeyStream(ctx context.Context, r keyrange.Range, ascending bool, fn StreamFunc[keyrange.Key]) error
	ValueStream(ctx context.Context, r keyrange.Range, ascending bool, fn StreamFunc[document.Value]) error

	// ApplyCombined atomically applies batch. The adapters in this module
	// ignore batch.IndexDeltas and update their secondary indices from
	// the batch's key/value changes themselves.
	ApplyCombined(ctx context.Context, batch Batch) error

	Truncate(ctx context.Context) error

	CreateIndex(ctx context.Context, def kvindex.Def) error
	DeleteIndex(ctx context.Context, name string) error

	// Index returns the persisted view of a secondary index, satisfying
	// kvindex.BackendIndex, or false if no such index was created.
	Index(name string) (kvindex.BackendIndex, bool)

	Close(ctx context.Context) error
	Destroy(ctx context.Context) error

	// Persistent reports whether this backend survives process restart.
	// CombinedTransaction uses it to order a combined commit's two
	// phases: persistent backends apply first, in-memory backends only
	// after every persistent apply has succeeded.
	Persistent() bool
}
