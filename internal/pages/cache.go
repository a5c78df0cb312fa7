package pages

import (
	"sync"
	"time"
)

type cacheItem[V any] struct {
	value    V
	expireAt time.Time
}

// Cache is an in-memory key/value cache with per-item expiry.
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[string]cacheItem[V]
	now   func() time.Time
}

// NewCache creates an empty cache.
func NewCache[V any]() *Cache[V] {
	return &Cache[V]{items: make(map[string]cacheItem[V]), now: time.Now}
}

// Set stores value under key for ttl and drops expired items.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, item := range c.items {
		if now.After(item.expireAt) {
			delete(c.items, k)
		}
	}
	c.items[key] = cacheItem[V]{value: value, expireAt: now.Add(ttl)}
}

// Get returns the value stored under key unless it expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[key]
	if !ok || c.now().After(item.expireAt) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Keys returns every live key.
func (c *Cache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	keys := make([]string, 0, len(c.items))
	for k, item := range c.items {
		if !now.After(item.expireAt) {
			keys = append(keys, k)
		}
	}
	return keys
}
