package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/embedkv/adapters/membackend"
	"github.com/cuemby/embedkv/backend"
	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/errs"
	"github.com/cuemby/embedkv/keyrange"
)

// failingApplyBackend wraps a *membackend.Backend and fails every
// ApplyCombined call once tripped, simulating a backend I/O error
// partway through a combined commit's sequential-apply phase.
type failingApplyBackend struct {
	*membackend.Backend
	trip bool
}

func (f *failingApplyBackend) ApplyCombined(ctx context.Context, batch backend.Batch) error {
	if f.trip {
		return errors.New("simulated backend apply failure")
	}
	return f.Backend.ApplyCombined(ctx, batch)
}

func TestCombinedCommitAppliesAllParticipants(t *testing.T) {
	ctx := context.Background()
	users := NewObjectStore("users", membackend.New(), nil)
	orders := NewObjectStore("orders", membackend.New(), nil)

	tu, err := users.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tu.Put(ctx, keyrange.String("u1"), document.String("alice")))

	to, err := orders.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, to.Put(ctx, keyrange.String("o1"), document.String("widget")))

	combined, err := Combine(tu, to)
	require.NoError(t, err)

	ok, err := combined.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	v, found, err := users.Get(ctx, keyrange.String("u1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", v.String)

	v, found, err = orders.Get(ctx, keyrange.String("o1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "widget", v.String)
}

func TestCombinedCommitRejectsDuplicateStore(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	t1, err := s.Begin(ctx)
	require.NoError(t, err)
	t2, err := s.Begin(ctx)
	require.NoError(t, err)

	_, err = Combine(t1, t2)
	require.ErrorIs(t, err, errs.ErrInvalidArguments)
}

func TestCombinedCommitRejectsNested(t *testing.T) {
	ctx := context.Background()
	users := NewObjectStore("users", membackend.New(), nil)
	orders := NewObjectStore("orders", membackend.New(), nil)

	tu, err := users.Begin(ctx)
	require.NoError(t, err)
	child, err := tu.Transaction()
	require.NoError(t, err)

	to, err := orders.Begin(ctx)
	require.NoError(t, err)

	_, err = Combine(child, to)
	require.ErrorIs(t, err, errs.ErrInvalidArguments)
}

func TestCombinedCommitFailsAtomicallyOnConflict(t *testing.T) {
	ctx := context.Background()
	users := NewObjectStore("users", membackend.New(), nil)
	orders := NewObjectStore("orders", membackend.New(), nil)

	tu, err := users.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tu.Put(ctx, keyrange.String("u1"), document.String("alice")))

	// A sibling on users commits first, so tu's base is stale by the time
	// the combined commit runs.
	sibling, err := users.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sibling.Put(ctx, keyrange.String("u2"), document.String("bob")))
	ok, err := sibling.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	to, err := orders.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, to.Put(ctx, keyrange.String("o1"), document.String("widget")))

	combined, err := Combine(tu, to)
	require.NoError(t, err)

	ok, err = combined.Commit(ctx)
	require.ErrorIs(t, err, errs.ErrConflict)
	assert.False(t, ok)

	_, found, err := orders.Get(ctx, keyrange.String("o1"))
	require.NoError(t, err)
	assert.False(t, found, "orders must not be mutated when users' precondition fails")
}

// TestCombinedCommitDoesNotRollBackOnMidApplyFailure documents the known
// rollback gap recorded in DESIGN.md's txn package entry: once
// preconditions pass, a later participant's ApplyCombined failure does
// not undo an earlier participant's already-applied batch. Both stores
// here are non-persistent and sort equally by name, so orders applies
// before users; orders' write survives despite users' apply failing.
func TestCombinedCommitDoesNotRollBackOnMidApplyFailure(t *testing.T) {
	ctx := context.Background()
	failingUsers := &failingApplyBackend{Backend: membackend.New(), trip: true}
	users := NewObjectStore("users", failingUsers, nil)
	orders := NewObjectStore("orders", membackend.New(), nil)

	tu, err := users.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tu.Put(ctx, keyrange.String("u1"), document.String("alice")))

	to, err := orders.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, to.Put(ctx, keyrange.String("o1"), document.String("widget")))

	combined, err := Combine(tu, to)
	require.NoError(t, err)

	ok, err := combined.Commit(ctx)
	assert.Error(t, err)
	// Commit's own (bool, error) result does not distinguish this case
	// from a clean commit: by the time the apply loop runs, every
	// participant's status has already flipped to StatusCommitted.
	assert.True(t, ok)

	_, found, err := orders.Get(ctx, keyrange.String("o1"))
	require.NoError(t, err)
	assert.True(t, found, "orders applied before users and is not rolled back when users' apply later fails")
}
