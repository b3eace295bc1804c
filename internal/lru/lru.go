// Package lru provides a bounded map that evicts the least recently used key.
package lru

import "container/list"

type entry[V any] struct {
	key   string
	value V
}

// Cache is a bounded map that evicts the least recently used key.
// It is not safe for concurrent use; owners guard it with their own mutex.
type Cache[V any] struct {
	items      map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	evictions  int64
}

// New creates a Cache holding at most maxEntries keys. Zero means unbounded.
func New[V any](maxEntries int) *Cache[V] {
	return &Cache[V]{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

// Get returns the value for key and marks it as recently used
func (c *Cache[V]) Get(key string) (V, bool) {
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*entry[V]).value, true
	}
	var zero V
	return zero, false
}

// Put stores value for key, evicting the least recently used entry when full
func (c *Cache[V]) Put(key string, value V) {
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*entry[V]).value = value
		return
	}
	if c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		if back := c.order.Back(); back != nil {
			delete(c.items, back.Value.(*entry[V]).key)
			c.order.Remove(back)
			c.evictions++
		}
	}
	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value})
}

// Remove deletes key
func (c *Cache[V]) Remove(key string) {
	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.order.Remove(elem)
	}
}

// Prune removes every entry for which stale returns true and reports how many were removed
func (c *Cache[V]) Prune(stale func(key string, value V) bool) int {
	removed := 0
	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		e := elem.Value.(*entry[V])
		if stale(e.key, e.value) {
			delete(c.items, e.key)
			c.order.Remove(elem)
			removed++
		}
	}
	return removed
}

// Each calls fn for every entry without changing recency
func (c *Cache[V]) Each(fn func(key string, value V)) {
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry[V])
		fn(e.key, e.value)
	}
}

// Len returns the number of entries
func (c *Cache[V]) Len() int {
	return len(c.items)
}

// Evictions returns how many entries were evicted for capacity
func (c *Cache[V]) Evictions() int64 {
	return c.evictions
}
