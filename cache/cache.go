// Package cache provides a small fixed-capacity LRU cache.
package cache

import (
	"container/list"
	"expvar"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a fixed-size least-recently-used cache, safe for concurrent use.
// A capacity of zero or less disables caching.
type LRU[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int
	lruList   *list.List
	items     map[K]*list.Element
	onEvicted func(key K, value V)

	hits   *expvar.Int
	misses *expvar.Int
}

// New creates an LRU. onEvicted, if set, is called for every entry that
// leaves the cache through eviction, Remove or Clear.
func New[K comparable, V any](capacity int, onEvicted func(key K, value V)) *LRU[K, V] {
	return &LRU[K, V]{
		capacity:  capacity,
		lruList:   list.New(),
		items:     make(map[K]*list.Element),
		onEvicted: onEvicted,
	}
}

// SetMetrics attaches hit and miss counters.
func (c *LRU[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if c.capacity <= 0 {
		return zero, false
	}
	if elem, ok := c.items[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*entry[K, V]).value, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return zero, false
}

func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	if elem, ok := c.items[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*entry[K, V]).value = value
		return
	}
	if c.lruList.Len() >= c.capacity {
		c.evictLocked(c.lruList.Back())
	}
	c.items[key] = c.lruList.PushFront(&entry[K, V]{key: key, value: value})
}

// Remove drops key if present.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.evictLocked(elem)
	}
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Clear removes every entry. Metrics are kept.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.lruList.Len() > 0 {
		c.evictLocked(c.lruList.Back())
	}
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (c *LRU[K, V]) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}
	if hits+misses == 0 {
		return 0
	}
	return hits / (hits + misses)
}

// evictLocked must be called with c.mu held.
func (c *LRU[K, V]) evictLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := c.lruList.Remove(elem).(*entry[K, V])
	delete(c.items, e.key)
	if c.onEvicted != nil {
		c.onEvicted(e.key, e.value)
	}
}
