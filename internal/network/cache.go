package network

import (
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL is used for GET responses that do not set a TTL.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheEntries caps the response cache.
	DefaultCacheEntries = 100
)

type cacheEntry struct {
	status  int
	header  http.Header
	body    []byte
	expires time.Time
}

// responseCache holds GET responses. Eviction follows insertion order, not
// access order.
type responseCache struct {
	mu      sync.Mutex
	max     int
	now     func() time.Time
	entries map[string]*cacheEntry
	order   []string
}

func newResponseCache(max int, now func() time.Time) *responseCache {
	if max <= 0 {
		max = DefaultCacheEntries
	}
	if now == nil {
		now = time.Now
	}
	return &responseCache{
		max:     max,
		now:     now,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *responseCache) get(key string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		c.removeLocked(key)
		return nil, false
	}
	return e, true
}

func (c *responseCache) put(key string, status int, header http.Header, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
	}
	for len(c.order) >= c.max {
		c.removeLocked(c.order[0])
	}
	c.entries[key] = &cacheEntry{
		status:  status,
		header:  header.Clone(),
		body:    body,
		expires: c.now().Add(ttl),
	}
	c.order = append(c.order, key)
}

func (c *responseCache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = nil
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
