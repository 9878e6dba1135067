// Package cache implements the TTL+LRU cache layer (spec C10), grounded on
// original_source/app/cache.py and on the teacher's periodic-sweep idiom in
// internal/container/ttl.go.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// Cache is a fixed-capacity, TTL-expiring, LRU-evicting cache. A background
// sweeper periodically purges expired entries so memory does not grow
// unbounded between reads of cold keys.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // front = most recently used

	hits      int64
	misses    int64
	evictions int64

	log *slog.Logger
}

// New constructs a Cache with the given capacity and default TTL.
func New(capacity int, ttl time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		log:      log,
	}
}

// Get returns the cached value for key, or ok=false if absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if c.expired(e) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set inserts or refreshes key with value using the cache's default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetTTL(key, value, c.ttl)
}

// SetTTL inserts or refreshes key with value using an explicit TTL.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Time{}
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = el

	for c.capacity > 0 && c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
		c.evictions++
	}
}

// Delete removes key unconditionally.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Stats returns a point-in-time snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: c.order.Len()}
}

func (c *Cache) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// removeElement unlinks el from both the list and the index; caller holds mu.
func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.key)
	c.order.Remove(el)
}

// RunSweeper purges expired entries on a fixed interval until ctx is
// cancelled, matching the teacher's ttl.go sweep-loop shape.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*list.Element
	for el := c.order.Back(); el != nil; el = el.Prev() {
		if c.expired(el.Value.(*entry)) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeElement(el)
		c.evictions++
	}
	if len(expired) > 0 {
		c.log.Debug("cache sweep removed expired entries", "count", len(expired), "remaining", c.order.Len())
	}
}
