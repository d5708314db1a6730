package embedkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/errs"
	"github.com/cuemby/embedkv/keyrange"
	"github.com/cuemby/embedkv/kvindex"
	"github.com/cuemby/embedkv/query"
	"github.com/cuemby/embedkv/txn"
)

// openDB connects a fresh database at version 1, running setup (if any)
// as its upgrade hook, the only place stores can be created while
// connecting.
func openDB(t *testing.T, setup func(ctx context.Context, db *Database)) *Database {
	t.Helper()
	db := Open(t.TempDir())
	var hook UpgradeHook
	if setup != nil {
		hook = func(ctx context.Context, db *Database, oldVersion, newVersion int) error {
			setup(ctx, db)
			return nil
		}
	}
	require.NoError(t, db.Connect(context.Background(), "test", 1, hook))
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

// scenario 1: open, write, commit, read.
func TestOpenWriteCommitRead(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, func(ctx context.Context, db *Database) {
		require.NoError(t, db.CreateObjectStore(ctx, "s", DefaultStoreOptions()))
	})

	s, err := db.GetObjectStore("s")
	require.NoError(t, err)

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx1.Put(ctx, keyrange.String("k"), document.String("v")))
	ok, err := tx1.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	v, found, err := s.Get(ctx, keyrange.String("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", v.String)
}

// scenario 2: sibling conflict.
func TestSiblingConflict(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, func(ctx context.Context, db *Database) {
		require.NoError(t, db.CreateObjectStore(ctx, "s", DefaultStoreOptions()))
	})
	s, err := db.GetObjectStore("s")
	require.NoError(t, err)

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx1.Put(ctx, keyrange.String("a"), document.Int64(1)))
	ok, err := tx1.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tx2.Put(ctx, keyrange.String("a"), document.Int64(2)))
	ok, err = tx2.Commit(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.Equal(t, txn.StatusConflicted, tx2.Status())

	v, found, err := s.Get(ctx, keyrange.String("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), v.Int64)
}

// scenario 3: range query with index.
func TestRangeQueryWithIndex(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, func(ctx context.Context, db *Database) {
		require.NoError(t, db.CreateObjectStore(ctx, "people", DefaultStoreOptions(), IndexSpec{
			Name: "age", KeyPath: []string{"age"},
		}))
	})
	s, err := db.GetObjectStore("people")
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	people := map[string]int64{"p1": 20, "p2": 25, "p3": 30}
	for id, age := range people {
		v := document.Map(map[string]document.Value{"id": document.String(id), "age": document.Int64(age)})
		require.NoError(t, tx.Put(ctx, keyrange.String(id), v))
	}
	ok, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	idx, ok := s.raw.Index("age")
	require.True(t, ok)

	keys := idx.Keys(keyrange.Bound(keyrange.Int(20), keyrange.Int(30), true, true), 0)
	require.Len(t, keys, 1)
	assert.Equal(t, "p2", keys[0].String())

	values := idx.Values(keyrange.Only(keyrange.Int(30)), 0, func(k keyrange.Key) (document.Value, bool) {
		return s.raw.Get(ctx, k)
	})
	require.Len(t, values, 1)
	assert.Equal(t, "p3", values[0].Map["id"].String)
}

// scenario 3, via the Query facade.
func TestRangeQueryWithIndex_QueryFacade(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, func(ctx context.Context, db *Database) {
		require.NoError(t, db.CreateObjectStore(ctx, "people", DefaultStoreOptions(), IndexSpec{
			Name: "age", KeyPath: []string{"age"},
		}))
	})
	s, err := db.GetObjectStore("people")
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	for id, age := range map[string]int64{"p1": 20, "p2": 25, "p3": 30} {
		v := document.Map(map[string]document.Value{"id": document.String(id), "age": document.Int64(age)})
		require.NoError(t, tx.Put(ctx, keyrange.String(id), v))
	}
	ok, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	q := query.Range("age", keyrange.Bound(keyrange.Int(20), keyrange.Int(30), true, true))
	keys, err := query.Evaluate(ctx, s.raw, q)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "p2", keys[0].String())
}

// scenario 4: multi-entry index.
func TestMultiEntryIndex(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, func(ctx context.Context, db *Database) {
		require.NoError(t, db.CreateObjectStore(ctx, "tags", DefaultStoreOptions(), IndexSpec{
			Name:    "t",
			KeyPath: []string{"t"},
			Options: IndexOptions{MultiEntry: true},
		}))
	})
	s, err := db.GetObjectStore("tags")
	require.NoError(t, err)

	put := func(v document.Value) {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Put(ctx, keyrange.String("a"), v))
		ok, err := tx.Commit(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}

	put(document.Map(map[string]document.Value{"t": document.Sequence(document.String("x"), document.String("y"))}))

	idx, ok := s.raw.Index("t")
	require.True(t, ok)
	assert.Equal(t, kvindex.SortedKeys{keyrange.String("a")}, idx.Keys(keyrange.Only(keyrange.String("x")), 0))
	assert.Equal(t, kvindex.SortedKeys{keyrange.String("a")}, idx.Keys(keyrange.Only(keyrange.String("y")), 0))

	put(document.Map(map[string]document.Value{"t": document.Sequence(document.String("x"))}))

	idx, ok = s.raw.Index("t")
	require.True(t, ok)
	assert.Empty(t, idx.Keys(keyrange.Only(keyrange.String("y")), 0))
	assert.Equal(t, kvindex.SortedKeys{keyrange.String("a")}, idx.Keys(keyrange.Only(keyrange.String("x")), 0))
}

// scenario 5: combined atomic commit.
func TestCombinedAtomicCommit(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, func(ctx context.Context, db *Database) {
		require.NoError(t, db.CreateObjectStore(ctx, "A", DefaultStoreOptions()))
		require.NoError(t, db.CreateObjectStore(ctx, "B", DefaultStoreOptions()))
	})
	sa, err := db.GetObjectStore("A")
	require.NoError(t, err)
	sb, err := db.GetObjectStore("B")
	require.NoError(t, err)

	txA, err := sa.Begin(ctx)
	require.NoError(t, err)
	txB, err := sb.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txA.Put(ctx, keyrange.String("k"), document.Int64(1)))
	require.NoError(t, txB.Put(ctx, keyrange.String("k"), document.Int64(2)))

	combined, err := txn.Combine(txA, txB)
	require.NoError(t, err)
	ok, err := combined.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	va, _, err := sa.Get(ctx, keyrange.String("k"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), va.Int64)

	vb, _, err := sb.Get(ctx, keyrange.String("k"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), vb.Int64)
}

// scenario 6: nested transaction.
func TestNestedTransaction(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, func(ctx context.Context, db *Database) {
		require.NoError(t, db.CreateObjectStore(ctx, "s", DefaultStoreOptions()))
	})
	s, err := db.GetObjectStore("s")
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	child, err := tx.Transaction()
	require.NoError(t, err)

	_, found, err := tx.Get(ctx, keyrange.String("x"))
	require.NoError(t, err)
	assert.False(t, found)

	err = tx.Put(ctx, keyrange.String("y"), document.Int64(1))
	assert.ErrorIs(t, err, errs.ErrNestedTransactionBlocked)

	require.NoError(t, child.Put(ctx, keyrange.String("x"), document.Int64(42)))
	ok, err := child.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	v, found, err := tx.Get(ctx, keyrange.String("x"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), v.Int64)

	_, found, err = s.Get(ctx, keyrange.String("x"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCloseWithOpenTransactionFails(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, func(ctx context.Context, db *Database) {
		require.NoError(t, db.CreateObjectStore(ctx, "s", DefaultStoreOptions()))
	})
	s, err := db.GetObjectStore("s")
	require.NoError(t, err)

	_, err = s.Begin(ctx)
	require.NoError(t, err)

	err = db.Close(ctx)
	assert.ErrorIs(t, err, errs.ErrCloseWhileActive)
}

func TestStructuralChangeRejectedWhileConnected(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, nil)
	err := db.CreateObjectStore(ctx, "s", DefaultStoreOptions())
	require.ErrorIs(t, err, errs.ErrInvalidState)

	err = db.CreateObjectStore(ctx, "t", DefaultStoreOptions())
	require.ErrorIs(t, err, errs.ErrInvalidState, "createObjectStore is rejected while connected outside an upgrade hook")
}

func TestUpgradeHookCreatesStore(t *testing.T) {
	ctx := context.Background()
	db := Open(t.TempDir())

	hookCalled := false
	hook := func(ctx context.Context, db *Database, oldVersion, newVersion int) error {
		hookCalled = true
		assert.Equal(t, 0, oldVersion)
		assert.Equal(t, 1, newVersion)
		return db.CreateObjectStore(ctx, "s", DefaultStoreOptions())
	}
	require.NoError(t, db.Connect(ctx, "test", 1, hook))
	assert.True(t, hookCalled)

	s, err := db.GetObjectStore("s")
	require.NoError(t, err)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, keyrange.String("k"), document.String("v")))
	ok, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.Close(ctx))
}

func TestUpgradeConditionGatesStructuralChange(t *testing.T) {
	ctx := context.Background()
	db := Open(t.TempDir())

	onlyFromV2 := func(oldVersion, newVersion int) bool { return newVersion >= 2 }

	hookV1 := func(ctx context.Context, db *Database, oldVersion, newVersion int) error {
		opts := DefaultStoreOptions()
		opts.UpgradeCondition = onlyFromV2
		return db.CreateObjectStore(ctx, "late", opts)
	}
	require.NoError(t, db.Connect(ctx, "test", 1, hookV1))
	_, err := db.GetObjectStore("late")
	assert.ErrorIs(t, err, errs.ErrInvalidState, "condition evaluates false on the v0->v1 transition, so the store is never created")
	require.NoError(t, db.Close(ctx))

	hookV2 := func(ctx context.Context, db *Database, oldVersion, newVersion int) error {
		opts := DefaultStoreOptions()
		opts.UpgradeCondition = onlyFromV2
		return db.CreateObjectStore(ctx, "late", opts)
	}
	require.NoError(t, db.Connect(ctx, "test", 2, hookV2))
	_, err = db.GetObjectStore("late")
	assert.NoError(t, err, "condition evaluates true on the v1->v2 transition")
	require.NoError(t, db.Close(ctx))
}

func TestNonPersistentStoreUsesMemBackend(t *testing.T) {
	ctx := context.Background()
	opts := DefaultStoreOptions()
	opts.Persistent = false
	db := openDB(t, func(ctx context.Context, db *Database) {
		require.NoError(t, db.CreateObjectStore(ctx, "scratch", opts))
	})

	s, err := db.GetObjectStore("scratch")
	require.NoError(t, err)
	assert.False(t, s.raw.Backend().Persistent())
}

func TestDestroyRemovesObjectStores(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, func(ctx context.Context, db *Database) {
		require.NoError(t, db.CreateObjectStore(ctx, "s", DefaultStoreOptions()))
	})
	s, err := db.GetObjectStore("s")
	require.NoError(t, err)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, keyrange.String("k"), document.String("v")))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Destroy(ctx))
	_, err = db.GetObjectStore("s")
	assert.ErrorIs(t, err, errs.ErrNotConnected)
}
