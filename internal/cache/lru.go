// Package cache provides the in-memory, Redis and two-phase caches used for
// geolocation results, identity lookups and worker dedupe counters.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/metrics"
)

const defaultLRUSize = 10000

// LRUCache is a size-bounded in-memory cache with per-entry TTL. It backs
// the community tier and is L1 of the two-phase cache. Safe for concurrent
// use.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	recency  *list.List // front is most recently used
	counters map[string]*window
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time // zero means no expiry
}

type window struct {
	n       int64
	expires time.Time
}

// NewLRUCache creates a cache holding at most capacity values and capacity
// counters.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLRUSize
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
		counters: make(map[string]*window),
	}
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, expires time.Time) bool {
	return !expires.IsZero() && now.After(expires)
}

// Get returns the value stored under key, or nil on a miss.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	value := c.lookup(key, time.Now())
	c.mu.Unlock()

	metrics.ObserveCacheLookup("memory", value != nil, nil)
	return value, nil
}

func (c *LRUCache) lookup(key string, now time.Time) []byte {
	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	e := elem.Value.(*lruEntry)
	if expired(now, e.expires) {
		c.drop(elem)
		return nil
	}
	c.recency.MoveToFront(elem)
	return e.value
}

// Set stores value under key for ttl. A non-positive ttl never expires.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := deadline(time.Now(), ttl)
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*lruEntry)
		e.value, e.expires = value, expires
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[key] = c.recency.PushFront(&lruEntry{key: key, value: value, expires: expires})
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.drop(elem)
	}
	return nil
}

// IncrementCounter adds one to the counter under key and returns the new
// value. The counter restarts at 1 once its window has elapsed. Counters
// live in their own namespace and never collide with values.
func (c *LRUCache) IncrementCounter(_ context.Context, key string, win time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if w, ok := c.counters[key]; ok && !expired(now, w.expires) {
		w.n++
		return w.n, nil
	}

	if len(c.counters) >= c.capacity {
		c.sweepCounters(now)
	}
	c.counters[key] = &window{n: 1, expires: deadline(now, win)}
	return 1, nil
}

// sweepCounters drops expired counters. Caller holds mu.
func (c *LRUCache) sweepCounters(now time.Time) {
	for k, w := range c.counters {
		if expired(now, w.expires) {
			delete(c.counters, k)
		}
	}
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.recency.Init()
	c.counters = make(map[string]*window)
	return nil
}

// Stats returns the number of stored values and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}

// drop unlinks elem. Caller holds mu.
func (c *LRUCache) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).key)
}
