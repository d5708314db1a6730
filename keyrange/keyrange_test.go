package keyrange

import "testing"

import "github.com/stretchr/testify/assert"

func TestRangeContains(t *testing.T) {
	r := Bound(Int(20), Int(30), false, false)
	assert.True(t, r.Contains(Int(20)))
	assert.True(t, r.Contains(Int(25)))
	assert.True(t, r.Contains(Int(30)))
	assert.False(t, r.Contains(Int(19)))
	assert.False(t, r.Contains(Int(31)))
}

func TestRangeOpenEndpoints(t *testing.T) {
	r := Bound(Int(20), Int(30), true, true)
	assert.False(t, r.Contains(Int(20)))
	assert.False(t, r.Contains(Int(30)))
	assert.True(t, r.Contains(Int(21)))
}

func TestRangeOnly(t *testing.T) {
	r := Only(String("x"))
	k, ok := r.IsExact()
	assert.True(t, ok)
	assert.True(t, k.Equal(String("x")))
	assert.True(t, r.Contains(String("x")))
	assert.False(t, r.Contains(String("y")))
}

func TestRangeEmpty(t *testing.T) {
	r := Bound(Int(5), Int(5), true, false)
	assert.True(t, r.Empty())
	r2 := Bound(Int(10), Int(5), false, false)
	assert.True(t, r2.Empty())
	assert.False(t, All().Empty())
}

func TestKeyCompareKinds(t *testing.T) {
	assert.Equal(t, -1, Bytes([]byte("a")).Compare(Int(1)))
	assert.Equal(t, 1, Int(1).Compare(Bytes([]byte("a"))))
}
