package cache

import (
	"container/list"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
)

// lruEntry is a single L1 cache slot. Expired entries are kept in place until
// capacity pressure evicts them, so they stay available for stale failover reads.
type lruEntry struct {
	key       string
	value     json.RawMessage
	expiresAt time.Time
}

// lruCache is the in-process L1 tier: fixed capacity, least-recently-used
// eviction, TTL-based expiry checked on read.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
	clock    clockwork.Clock
}

func newLRUCache(capacity int, clock clockwork.Clock) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		clock:    clock,
	}
}

// get returns a live entry. Expired entries are reported as misses but not
// removed; getStale can still serve them.
func (c *lruCache) get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*lruEntry)
	if c.clock.Now().After(entry.expiresAt) {
		return nil, false
	}

	c.order.MoveToFront(elem)
	return entry.value, true
}

// getStale returns an entry regardless of expiry.
func (c *lruCache) getStale(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	return elem.Value.(*lruEntry).value, true
}

func (c *lruCache) set(key string, value json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock.Now().Add(ttl)

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushFront(&lruEntry{key: key, value: value, expiresAt: expiresAt})
	c.entries[key] = elem
	metrics.CacheSize.Set(float64(c.order.Len()))
}

// evictOldest removes the least-recently-used entry. Caller holds the lock.
func (c *lruCache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*lruEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)

	if c.clock.Now().After(entry.expiresAt) {
		metrics.CacheEvictions.WithLabelValues("expired").Inc()
	} else {
		metrics.CacheEvictions.WithLabelValues("lru").Inc()
	}
	metrics.CacheSize.Set(float64(c.order.Len()))
}

func (c *lruCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
		metrics.CacheEvictions.WithLabelValues("invalidated").Inc()
		metrics.CacheSize.Set(float64(c.order.Len()))
	}
}

func (c *lruCache) invalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(elem)
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues("invalidated").Add(float64(removed))
		metrics.CacheSize.Set(float64(c.order.Len()))
	}
	return removed
}

func (c *lruCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
