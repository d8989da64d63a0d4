package adapters

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
)

// LRUCache is a bounded in-process cache with per-entry TTL.
type LRUCache struct {
	mu    sync.Mutex
	items *lru.Cache[string, cacheItem]
	now   func() time.Time
}

type cacheItem struct {
	value   []byte
	expires time.Time // zero never expires
}

// NewLRUCache creates a new LRU cache with the specified capacity.
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	// lru.New only fails for a non-positive size.
	items, _ := lru.New[string, cacheItem](capacity)
	return &LRUCache{items: items, now: time.Now}
}

// Get retrieves a value and marks it most recently used. Expired entries are dropped.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	if !item.expires.IsZero() && c.now().After(item.expires) {
		c.items.Remove(key)
		return nil, false
	}
	return item.value, true
}

// Set stores a value. A ttlSeconds of zero or less keeps it until evicted.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := cacheItem{value: value}
	if ttlSeconds > 0 {
		item.expires = c.now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	c.items.Add(key, item)
	return nil
}

// Delete removes a key from the cache.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.items.Remove(key)
	return nil
}

// Len is the number of stored entries, expired ones included until touched.
func (c *LRUCache) Len() int {
	return c.items.Len()
}

var _ ports.Cache = (*LRUCache)(nil)
