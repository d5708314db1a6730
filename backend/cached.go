package backend

import (
	"context"

	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/internal/lru"
	"github.com/cuemby/embedkv/internal/obsmetrics"
	"github.com/cuemby/embedkv/keyrange"
)

// CachedBackend is a read-through LRU wrapper over a Backend, per
// spec.md §4.8. Range queries (Keys/Values/Min*/Max*/Count/streams) are
// promoted straight through via the embedded Backend, bypassing the
// cache entirely, exactly as spec.md prescribes.
type CachedBackend struct {
	Backend
	cache     *lru.Cache
	storeName string
}

// NewCached wraps inner with an LRU of the given size. storeName is only
// used as a metrics label.
func NewCached(inner Backend, storeName string, size int) *CachedBackend {
	return &CachedBackend{Backend: inner, cache: lru.New(size), storeName: storeName}
}

// Get implements Backend: a cache hit moves the key to most-recent; a
// miss fetches from the wrapped backend and inserts on success.
func (c *CachedBackend) Get(ctx context.Context, key keyrange.Key) (document.Value, bool, error) {
	if v, ok := c.cache.Get(key.Canon()); ok {
		obsmetrics.CacheHitsTotal.WithLabelValues(c.storeName).Inc()
		return v.(document.Value), true, nil
	}
	obsmetrics.CacheMissesTotal.WithLabelValues(c.storeName).Inc()
	v, ok, err := c.Backend.Get(ctx, key)
	if err != nil {
		return document.Value{}, false, err
	}
	if ok {
		c.cache.Put(key.Canon(), v)
		obsmetrics.CacheSize.WithLabelValues(c.storeName).Set(float64(c.cache.Len()))
	}
	return v, ok, nil
}

// Put implements Backend, updating the cache synchronously before
// forwarding.
func (c *CachedBackend) Put(ctx context.Context, key keyrange.Key, value document.Value) error {
	c.cache.Put(key.Canon(), value)
	obsmetrics.CacheSize.WithLabelValues(c.storeName).Set(float64(c.cache.Len()))
	return c.Backend.Put(ctx, key, value)
}

// Remove implements Backend, updating the cache synchronously before
// forwarding.
func (c *CachedBackend) Remove(ctx context.Context, key keyrange.Key) error {
	c.cache.Remove(key.Canon())
	return c.Backend.Remove(ctx, key)
}

// ApplyCombined implements Backend: update cache entries for each
// modified/removed key, clear the cache outright if the batch is
// truncated, then delegate.
func (c *CachedBackend) ApplyCombined(ctx context.Context, batch Batch) error {
	if batch.Truncated {
		c.cache.Clear()
	}
	for _, kv := range batch.Modified {
		c.cache.Put(kv.Key.Canon(), kv.Value)
	}
	for _, k := range batch.Removed {
		c.cache.Remove(k.Canon())
	}
	obsmetrics.CacheSize.WithLabelValues(c.storeName).Set(float64(c.cache.Len()))
	return c.Backend.ApplyCombined(ctx, batch)
}
