package syncutil

import (
	"strings"
	"sync"
	"time"
)

// TTLCache is a bounded read cache with per-entry expiry. The quota engine
// and the rate limit governor use it to keep hot policy lookups off the
// database; writers invalidate explicitly, and the TTL bounds staleness for
// writes that bypass the invalidation path.
type TTLCache[V any] struct {
	mu      sync.Mutex
	entries map[string]ttlEntry[V]
	ttl     time.Duration
	max     int
	now     func() time.Time
}

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

// NewTTLCache creates a cache holding at most max entries, each valid for ttl.
func NewTTLCache[V any](ttl time.Duration, max int) *TTLCache[V] {
	if max < 1 {
		max = 1
	}
	return &TTLCache[V]{
		entries: make(map[string]ttlEntry[V]),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		var zero V
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key. When the cache is full, expired entries are
// dropped first; if none have expired, arbitrary entries are evicted.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		for k := range c.entries {
			if len(c.entries) < c.max {
				break
			}
			delete(c.entries, k)
		}
	}
	c.entries[key] = ttlEntry[V]{value: value, expires: now.Add(c.ttl)}
}

// Delete removes key from the cache.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix removes every entry whose key starts with prefix.
func (c *TTLCache[V]) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Purge empties the cache.
func (c *TTLCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of entries, expired ones included.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
