package kvindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/keyrange"
)

func TestTransactionIndexMergesBackendAndOverlay(t *testing.T) {
	def := Def{Name: "age", KeyPath: []string{"age"}}
	backend := New(def)
	require.NoError(t, backend.Put(keyrange.String("p1"), person(20), nil))
	require.NoError(t, backend.Put(keyrange.String("p2"), person(30), nil))

	tx := NewTransactionIndex(def, backend)
	require.NoError(t, tx.Put(keyrange.String("p3"), person(25), nil))

	keys := tx.Keys(keyrange.All(), 0)
	assert.ElementsMatch(t, []keyrange.Key{keyrange.String("p1"), keyrange.String("p2"), keyrange.String("p3")}, []keyrange.Key(keys))
}

func TestTransactionIndexModifiedExcludesStaleBackendEntry(t *testing.T) {
	def := Def{Name: "age", KeyPath: []string{"age"}}
	backend := New(def)
	oldValue := person(20)
	require.NoError(t, backend.Put(keyrange.String("p1"), oldValue, nil))

	tx := NewTransactionIndex(def, backend)
	newValue := person(21)
	require.NoError(t, tx.Put(keyrange.String("p1"), newValue, &oldValue))

	assert.Empty(t, tx.Keys(keyrange.Only(keyrange.Int(20)), 0), "the stale backend entry at age 20 must not surface")
	assert.Equal(t, SortedKeys{keyrange.String("p1")}, tx.Keys(keyrange.Only(keyrange.Int(21)), 0))
}

func TestTransactionIndexRemovedExcludesBackendEntry(t *testing.T) {
	def := Def{Name: "age", KeyPath: []string{"age"}}
	backend := New(def)
	v := person(20)
	require.NoError(t, backend.Put(keyrange.String("p1"), v, nil))

	tx := NewTransactionIndex(def, backend)
	require.NoError(t, tx.Remove(keyrange.String("p1"), v))

	assert.Empty(t, tx.Keys(keyrange.All(), 0))
}

func TestTransactionIndexNoOpPutLeavesBackendEntryVisible(t *testing.T) {
	def := Def{Name: "age", KeyPath: []string{"age"}}
	backend := New(def)
	v := person(20)
	require.NoError(t, backend.Put(keyrange.String("p1"), v, nil))

	tx := NewTransactionIndex(def, backend)
	// Same value re-put over itself -- secondary key unchanged.
	require.NoError(t, tx.Put(keyrange.String("p1"), v, &v))

	assert.Equal(t, SortedKeys{keyrange.String("p1")}, tx.Keys(keyrange.Only(keyrange.Int(20)), 0))
}

func TestTransactionIndexMinMaxGroupNarrowsPastStale(t *testing.T) {
	def := Def{Name: "age", KeyPath: []string{"age"}}
	backend := New(def)
	require.NoError(t, backend.Put(keyrange.String("p1"), person(10), nil))
	require.NoError(t, backend.Put(keyrange.String("p2"), person(20), nil))

	tx := NewTransactionIndex(def, backend)
	require.NoError(t, tx.Remove(keyrange.String("p1"), person(10)))

	sk, primaries, ok := tx.MinGroup(keyrange.All())
	require.True(t, ok)
	assert.True(t, sk.Equal(keyrange.Int(20)))
	assert.Equal(t, SortedKeys{keyrange.String("p2")}, primaries)
}

func TestTransactionIndexMinGroupTieUnionsBothSides(t *testing.T) {
	def := Def{Name: "age", KeyPath: []string{"age"}}
	backend := New(def)
	require.NoError(t, backend.Put(keyrange.String("p1"), person(20), nil))

	tx := NewTransactionIndex(def, backend)
	require.NoError(t, tx.Put(keyrange.String("p2"), person(20), nil))

	sk, primaries, ok := tx.MinGroup(keyrange.All())
	require.True(t, ok)
	assert.True(t, sk.Equal(keyrange.Int(20)))
	assert.ElementsMatch(t, []keyrange.Key{keyrange.String("p1"), keyrange.String("p2")}, []keyrange.Key(primaries))
}

func TestTransactionIndexTruncateHidesBackend(t *testing.T) {
	def := Def{Name: "age", KeyPath: []string{"age"}}
	backend := New(def)
	require.NoError(t, backend.Put(keyrange.String("p1"), person(20), nil))

	tx := NewTransactionIndex(def, backend)
	tx.Truncate()
	assert.Empty(t, tx.Keys(keyrange.All(), 0))

	require.NoError(t, tx.Put(keyrange.String("p2"), person(30), nil))
	assert.Equal(t, SortedKeys{keyrange.String("p2")}, tx.Keys(keyrange.All(), 0))
}

func TestTransactionIndexCheckUnique(t *testing.T) {
	def := Def{Name: "email", KeyPath: []string{"email"}, Unique: true}
	backend := New(def)
	taken := document.Map(map[string]document.Value{"email": document.String("a@x.com")})
	require.NoError(t, backend.Put(keyrange.String("u1"), taken, nil))

	tx := NewTransactionIndex(def, backend)
	assert.False(t, tx.CheckUnique(keyrange.String("a@x.com")))
	assert.True(t, tx.CheckUnique(keyrange.String("b@x.com")))
}
