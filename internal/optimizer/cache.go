package optimizer

import (
	"time"
)

// cacheEntry is one resolved content fetch result.
type cacheEntry struct {
	id         string
	content    string
	size       int64
	createdAt  time.Time
	accessedAt time.Time
}

// lruCache is a bounded content cache with two independent limits:
// maximum entry count and maximum aggregate bytes. Eviction removes the
// least-recently-accessed entries until both limits hold.
//
// The cache is not safe for concurrent use on its own; the owning
// Optimizer serializes access through its mutex.
type lruCache struct {
	entries    map[string]*cacheEntry
	order      []string // least recently used first
	maxEntries int
	maxBytes   int64
	usedBytes  int64
}

func newLRUCache(maxEntries int, maxBytes int64) *lruCache {
	return &lruCache{
		entries:    make(map[string]*cacheEntry),
		order:      make([]string, 0, maxEntries),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// get returns the entry for id, bumping its access time and LRU position.
func (c *lruCache) get(id string) (*cacheEntry, bool) {
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	e.accessedAt = time.Now()
	c.touch(id)
	return e, true
}

// put inserts or replaces the entry for id and returns the number of
// entries evicted to satisfy the capacity and memory limits.
func (c *lruCache) put(id, content string) int {
	size := int64(len(content))

	if existing, ok := c.entries[id]; ok {
		c.usedBytes -= existing.size
		existing.content = content
		existing.size = size
		existing.accessedAt = time.Now()
		c.usedBytes += size
		c.touch(id)
		return c.evictOverLimit(id)
	}

	now := time.Now()
	c.entries[id] = &cacheEntry{
		id:         id,
		content:    content,
		size:       size,
		createdAt:  now,
		accessedAt: now,
	}
	c.usedBytes += size
	c.order = append(c.order, id)
	return c.evictOverLimit(id)
}

// evictOverLimit removes LRU entries until both limits are satisfied.
// keep, the entry just inserted, is evicted last: older entries go
// first, but an entry too large to ever fit is not allowed to linger.
func (c *lruCache) evictOverLimit(keep string) int {
	evicted := 0
	for len(c.entries) > c.maxEntries || c.usedBytes > c.maxBytes {
		victim := ""
		for _, id := range c.order {
			if id != keep {
				victim = id
				break
			}
		}
		if victim == "" {
			break
		}
		c.remove(victim)
		evicted++
	}

	// The inserted entry alone can still exceed the byte limit.
	if c.usedBytes > c.maxBytes || len(c.entries) > c.maxEntries {
		c.remove(keep)
		evicted++
	}
	return evicted
}

func (c *lruCache) remove(id string) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	c.usedBytes -= e.size
	delete(c.entries, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *lruCache) clear() {
	c.entries = make(map[string]*cacheEntry)
	c.order = c.order[:0]
	c.usedBytes = 0
}

// touch moves id to the most-recently-used end.
func (c *lruCache) touch(id string) {
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, id)
}

func (c *lruCache) len() int {
	return len(c.entries)
}

func (c *lruCache) bytes() int64 {
	return c.usedBytes
}
