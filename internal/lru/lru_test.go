package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetMovesToFront(t *testing.T) {
	c := New(3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	_, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "c", "b"}, c.Keys())
}

func TestPutEvictsExactlyOneLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a"

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []string{"c", "b"}, c.Keys())
}

func TestCapacityNeverExceeded(t *testing.T) {
	c := New(3)
	for i := 0; i < 10; i++ {
		c.Put(string(rune('a'+i)), i)
		assert.LessOrEqual(t, c.Len(), 3)
	}
	assert.Equal(t, 3, c.Len())
}

func TestEvictionSetEqualsOldestInserts(t *testing.T) {
	c := New(3)
	keys := []string{"a", "b", "c", "d", "e"}
	for i, k := range keys {
		c.Put(k, i)
	}
	// N=5, cap=3: the first N-cap=2 inserted keys ("a","b") must be evicted.
	_, aOK := c.Get("a")
	_, bOK := c.Get("b")
	assert.False(t, aOK)
	assert.False(t, bOK)
	for _, k := range []string{"c", "d", "e"} {
		_, ok := c.Get(k)
		assert.True(t, ok)
	}
}

func TestRemoveClearsBothEntryAndQueue(t *testing.T) {
	c := New(3)
	c.Put("a", 1)
	c.Remove("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestClear(t *testing.T) {
	c := New(3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestPutUpdatesExistingKeyWithoutEviction(t *testing.T) {
	c := New(2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 100)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 100, v)
	assert.Equal(t, 2, c.Len())
}
