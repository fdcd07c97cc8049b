// Package cache provides a TTL cache keyed by string with an optional entry
// bound enforced by least-recently-used eviction.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache maps keys to values that expire after a per-entry TTL. Expired entries
// are reported absent on read but are only removed by Sweep, by eviction, or
// by being overwritten.
type Cache[V any] struct {
	mu         sync.Mutex
	lru        *list.List
	items      map[string]*list.Element
	maxEntries int
	clock      Clock
}

// New creates a Cache holding at most maxEntries entries. maxEntries <= 0
// means unbounded.
func New[V any](maxEntries int) *Cache[V] {
	return NewWithClock[V](maxEntries, realClock{})
}

// NewWithClock creates a Cache with a custom clock (for testing).
func NewWithClock[V any](maxEntries int, clock Clock) *Cache[V] {
	return &Cache[V]{
		lru:        list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !c.clock.Now().Before(e.expiresAt) {
		return zero, false
	}
	c.lru.MoveToFront(el)
	return e.value, true
}

// Put stores value under key for ttl, replacing any existing entry.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock.Now().Add(ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expiresAt = expiresAt
		c.lru.MoveToFront(el)
		return
	}

	c.items[key] = c.lru.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})

	for c.maxEntries > 0 && c.lru.Len() > c.maxEntries {
		c.removeElement(c.lru.Back())
	}
}

// Invalidate removes key. It is a no-op when key is absent.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*entry[V]).expiresAt) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[V]) removeElement(el *list.Element) {
	e := c.lru.Remove(el).(*entry[V])
	delete(c.items, e.key)
}
