// Package cache provides bounded, TTL-aware in-memory caches for expensive orchestration artifacts.
package cache

import (
	"sync"
	"time"
)

// Stats reports per-namespace cache counters.
type Stats struct {
	Namespace Namespace `json:"namespace"`
	Size      int       `json:"size"`
	Capacity  int       `json:"capacity"`
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Expired   int64     `json:"expired"`
	Evictions int64     `json:"evictions"`
}

// LRU is a capacity-bounded cache evicting by least recent access, with per-entry TTL.
type LRU struct {
	mu         sync.Mutex
	namespace  Namespace
	capacity   int
	defaultTTL time.Duration
	items      map[string]*entry
	head       *entry // most recently accessed
	tail       *entry // least recently accessed
	now        func() time.Time

	hits, misses, expired, evictions int64
}

type entry struct {
	key            string
	value          []byte
	insertedAt     time.Time
	lastAccessedAt time.Time
	ttl            time.Duration
	prev           *entry
	next           *entry
}

func (e *entry) expiredAt(now time.Time) bool {
	return now.After(e.insertedAt.Add(e.ttl))
}

// Option configures an LRU.
type Option func(*LRU)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *LRU) {
		if now != nil {
			c.now = now
		}
	}
}

// NewLRU creates a cache for namespace ns. capacity < 1 is treated as 1.
func NewLRU(ns Namespace, capacity int, defaultTTL time.Duration, opts ...Option) *LRU {
	if capacity < 1 {
		capacity = 1
	}
	c := &LRU{
		namespace:  ns,
		capacity:   capacity,
		defaultTTL: defaultTTL,
		items:      make(map[string]*entry, capacity),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace returns the namespace this cache keys under.
func (c *LRU) Namespace() Namespace { return c.namespace }

// Get returns the value for key. Absent and expired entries are both misses; expired entries are removed.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.namespace.Key(key)
	item, ok := c.items[k]
	if !ok {
		c.misses++
		return nil, false
	}

	now := c.now()
	if item.expiredAt(now) {
		c.unlink(item)
		delete(c.items, k)
		c.expired++
		c.misses++
		return nil, false
	}

	item.lastAccessedAt = now
	c.moveToFront(item)
	c.hits++
	return item.value, true
}

// Put inserts or overwrites key. ttl <= 0 uses the namespace default.
func (c *LRU) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	k := c.namespace.Key(key)
	if item, ok := c.items[k]; ok {
		item.value = value
		item.insertedAt = now
		item.lastAccessedAt = now
		item.ttl = ttl
		c.moveToFront(item)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictLRU()
	}

	item := &entry{
		key:            k,
		value:          value,
		insertedAt:     now,
		lastAccessedAt: now,
		ttl:            ttl,
	}
	c.pushFront(item)
	c.items[k] = item
}

// Invalidate removes key if present.
func (c *LRU) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.namespace.Key(key)
	if item, ok := c.items[k]; ok {
		c.unlink(item)
		delete(c.items, k)
	}
}

// Size returns the number of resident entries, including not-yet-reaped expired ones.
func (c *LRU) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the cache counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Namespace: c.namespace,
		Size:      len(c.items),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Expired:   c.expired,
		Evictions: c.evictions,
	}
}

func (c *LRU) moveToFront(item *entry) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.pushFront(item)
}

func (c *LRU) pushFront(item *entry) {
	item.prev = nil
	item.next = c.head
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *LRU) unlink(item *entry) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev = nil
	item.next = nil
}

func (c *LRU) evictLRU() {
	if c.tail == nil {
		return
	}
	item := c.tail
	c.unlink(item)
	delete(c.items, item.key)
	c.evictions++
}
