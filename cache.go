package cmdbus

import (
	"container/list"
	"sync"
)

type (
	// aggregateCache is a bounded LRU of aggregate clones. It is only a fast
	// path; a miss is never an error
	aggregateCache struct {
		cache   map[string]*list.Element
		lru     *list.List
		maxSize int
		mu      sync.Mutex
	}

	cacheEntry struct {
		value *Aggregate
		key   string
	}
)

// DefaultCacheSize is the number of aggregates a Bus caches by default
const DefaultCacheSize = 10

// newAggregateCache returns a cache holding at most maxSize entries. A size
// of zero or less disables caching
func newAggregateCache(maxSize int) *aggregateCache {
	return &aggregateCache{
		cache:   map[string]*list.Element{},
		lru:     list.New(),
		maxSize: maxSize,
	}
}

func cacheKey(tenant string, typ *AggregateType, id string) string {
	return tenant + "/" + typ.Name + "." + id
}

// Get returns the cached aggregate and marks it most recently used
func (c *aggregateCache) Get(key string) (*Aggregate, bool) {
	if c.maxSize <= 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*cacheEntry).value, true
}

// Set stores value under key, evicting the least recently used entry when
// capacity is exceeded
func (c *aggregateCache) Set(key string, value *Aggregate) {
	if c.maxSize <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		elem.Value.(*cacheEntry).value = value
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value})
	c.cache[key] = elem

	if c.lru.Len() > c.maxSize {
		c.evictLast()
	}
}

// Len returns the number of cached entries
func (c *aggregateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *aggregateCache) evictLast() {
	back := c.lru.Back()
	if back != nil {
		c.lru.Remove(back)
		backEntry := back.Value.(*cacheEntry)
		delete(c.cache, backEntry.key)
	}
}
