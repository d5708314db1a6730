package kvindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/keyrange"
)

func person(age int64) document.Value {
	return document.Map(map[string]document.Value{"age": document.Int64(age)})
}

func TestInMemoryIndexRangeQuery(t *testing.T) {
	idx := New(Def{Name: "age", KeyPath: []string{"age"}})
	require.NoError(t, idx.Put(keyrange.String("p1"), person(20), nil))
	require.NoError(t, idx.Put(keyrange.String("p2"), person(25), nil))
	require.NoError(t, idx.Put(keyrange.String("p3"), person(30), nil))

	keys := idx.Keys(keyrange.Bound(keyrange.Int(20), keyrange.Int(30), true, true), 0)
	assert.Equal(t, SortedKeys{keyrange.String("p2")}, keys)

	resolver := func(k keyrange.Key) (document.Value, bool) {
		switch k.String() {
		case "p3":
			return person(30), true
		}
		return document.Value{}, false
	}
	values := idx.Values(keyrange.Only(keyrange.Int(30)), 0, resolver)
	require.Len(t, values, 1)
	assert.Equal(t, int64(30), document.Extract(values[0], []string{"age"}).Int64)
}

func priced(price float64) document.Value {
	return document.Map(map[string]document.Value{"price": document.Float64(price)})
}

// TestInMemoryIndexFloatKeysDoNotCollideOnTruncation guards against
// regressing toSecondaryKey's float handling back to int64(v.Float64):
// 1.1 and 1.9 share an integer part but must still land in distinct
// secondary-key groups.
func TestInMemoryIndexFloatKeysDoNotCollideOnTruncation(t *testing.T) {
	idx := New(Def{Name: "price", KeyPath: []string{"price"}, Unique: true})
	require.NoError(t, idx.Put(keyrange.String("p1"), priced(1.1), nil))
	require.NoError(t, idx.Put(keyrange.String("p2"), priced(1.9), nil))

	keys := idx.Keys(keyrange.All(), 0)
	assert.ElementsMatch(t, []keyrange.Key{keyrange.String("p1"), keyrange.String("p2")}, []keyrange.Key(keys))

	_, primariesLow, ok := idx.MinGroup(keyrange.All())
	require.True(t, ok)
	assert.Equal(t, SortedKeys{keyrange.String("p1")}, primariesLow)

	_, primariesHigh, ok := idx.MaxGroup(keyrange.All())
	require.True(t, ok)
	assert.Equal(t, SortedKeys{keyrange.String("p2")}, primariesHigh)
}

// TestInMemoryIndexFloatKeysOrderByValue asserts negative, zero, and
// positive floats order the same way through the index as they do as
// plain float64 values, including across the sign boundary.
func TestInMemoryIndexFloatKeysOrderByValue(t *testing.T) {
	idx := New(Def{Name: "price", KeyPath: []string{"price"}})
	require.NoError(t, idx.Put(keyrange.String("neg"), priced(-2.5), nil))
	require.NoError(t, idx.Put(keyrange.String("zero"), priced(0), nil))
	require.NoError(t, idx.Put(keyrange.String("pos"), priced(3.25), nil))

	keys := idx.Keys(keyrange.All(), 0)
	require.Len(t, keys, 3)
	assert.Equal(t, []keyrange.Key{keyrange.String("neg"), keyrange.String("zero"), keyrange.String("pos")}, []keyrange.Key(keys))
}

func TestInMemoryIndexMultiEntry(t *testing.T) {
	idx := New(Def{Name: "t", KeyPath: []string{"t"}, MultiEntry: true})
	v := document.Map(map[string]document.Value{
		"t": document.Sequence(document.String("x"), document.String("y")),
	})
	require.NoError(t, idx.Put(keyrange.String("a"), v, nil))

	assert.Equal(t, SortedKeys{keyrange.String("a")}, idx.Keys(keyrange.Only(keyrange.String("x")), 0))
	assert.Equal(t, SortedKeys{keyrange.String("a")}, idx.Keys(keyrange.Only(keyrange.String("y")), 0))

	v2 := document.Map(map[string]document.Value{
		"t": document.Sequence(document.String("x")),
	})
	require.NoError(t, idx.Put(keyrange.String("a"), v2, &v))
	assert.Empty(t, idx.Keys(keyrange.Only(keyrange.String("y")), 0))
	assert.Equal(t, SortedKeys{keyrange.String("a")}, idx.Keys(keyrange.Only(keyrange.String("x")), 0))
}

func TestInMemoryIndexUniqueViolation(t *testing.T) {
	idx := New(Def{Name: "email", KeyPath: []string{"email"}, Unique: true})
	email1 := document.Map(map[string]document.Value{"email": document.String("a@x.com")})
	require.NoError(t, idx.Put(keyrange.String("u1"), email1, nil))
	err := idx.Put(keyrange.String("u2"), email1, nil)
	assert.ErrorIs(t, err, ErrUniqueConstraintViolation)
}

func TestInMemoryIndexRoundTrip(t *testing.T) {
	idx := New(Def{Name: "age", KeyPath: []string{"age"}})
	v := person(40)
	require.NoError(t, idx.Put(keyrange.String("k"), v, nil))
	assert.True(t, idx.Keys(keyrange.Only(keyrange.Int(40)), 0).Contains(keyrange.String("k")))
	require.NoError(t, idx.Remove(keyrange.String("k"), v))
	assert.False(t, idx.Keys(keyrange.Only(keyrange.Int(40)), 0).Contains(keyrange.String("k")))
}

func TestInMemoryIndexMinMaxGroup(t *testing.T) {
	idx := New(Def{Name: "age", KeyPath: []string{"age"}})
	require.NoError(t, idx.Put(keyrange.String("p1"), person(20), nil))
	require.NoError(t, idx.Put(keyrange.String("p2"), person(25), nil))
	require.NoError(t, idx.Put(keyrange.String("p3"), person(20), nil))

	sk, primaries, ok := idx.MinGroup(keyrange.All())
	require.True(t, ok)
	assert.True(t, sk.Equal(keyrange.Int(20)))
	assert.ElementsMatch(t, []keyrange.Key{keyrange.String("p1"), keyrange.String("p3")}, []keyrange.Key(primaries))

	sk, _, ok = idx.MaxGroup(keyrange.All())
	require.True(t, ok)
	assert.True(t, sk.Equal(keyrange.Int(25)))
}
