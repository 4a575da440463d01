package media

import "sync"

// DefaultMemoryEntries is the memory cache capacity.
const DefaultMemoryEntries = 50

// memCache is a fixed-size cache evicting in insertion order.
type memCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*Image
	order   []string
}

func newMemCache(max int) *memCache {
	if max <= 0 {
		max = DefaultMemoryEntries
	}
	return &memCache{max: max, entries: make(map[string]*Image)}
}

func (c *memCache) get(key string) (*Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.entries[key]
	return img, ok
}

func (c *memCache) put(key string, img *Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.entries[key] = img
		return
	}
	for len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = img
	c.order = append(c.order, key)
}

// trim drops the oldest entries until at most n remain.
func (c *memCache) trim(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.order) > n {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *memCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
