// Package cache memoizes resolved public URLs by blob name.
//
// Entries never expire. A cache built with a positive capacity evicts the
// least recently used entry when full; otherwise it grows without bound and
// entries only leave through Delete, DeletePrefix or Clear.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Size      int   // Current number of entries
	Capacity  int   // Maximum capacity, 0 when unbounded
	Evictions int64 // Number of evicted entries
}

// Cache is a threadsafe name -> URL map with optional LRU bound.
type Cache struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	capacity int
	stats    Stats
}

type entry struct {
	key   string
	value string
}

// New returns a cache. capacity <= 0 disables eviction.
func New(capacity int) *Cache {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
	}
}

// Get returns the cached URL for name.
func (c *Cache) Get(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[name]; ok {
		c.ll.MoveToFront(ele)
		atomic.AddInt64(&c.stats.Hits, 1)
		return ele.Value.(*entry).value, true
	}
	atomic.AddInt64(&c.stats.Misses, 1)
	return "", false
}

// Set stores url for name, replacing any previous value.
func (c *Cache) Set(name, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[name]; ok {
		c.ll.MoveToFront(ele)
		ele.Value.(*entry).value = url
		return
	}
	if c.capacity > 0 && c.ll.Len() >= c.capacity {
		c.evictOldest()
	}
	c.items[name] = c.ll.PushFront(&entry{key: name, value: url})
}

// Delete invalidates name.
func (c *Cache) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[name]; ok {
		c.removeElement(ele)
	}
}

// DeletePrefix invalidates every name starting with prefix.
func (c *Cache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prefix == "" {
		c.reset()
		return
	}
	for key, ele := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(ele)
		}
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *Cache) reset() {
	c.items = make(map[string]*list.Element)
	c.ll = list.New()
}

func (c *Cache) evictOldest() {
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
		atomic.AddInt64(&c.stats.Evictions, 1)
	}
}

func (c *Cache) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	delete(c.items, ele.Value.(*entry).key)
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      atomic.LoadInt64(&c.stats.Hits),
		Misses:    atomic.LoadInt64(&c.stats.Misses),
		Size:      c.ll.Len(),
		Capacity:  c.capacity,
		Evictions: atomic.LoadInt64(&c.stats.Evictions),
	}
}

// Len returns the current number of entries in the cache.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
