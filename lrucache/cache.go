/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// LRUCache represents an LRU cache with per-entry expiration and Prometheus metrics.
type LRUCache[K comparable, V any] struct {
	maxEntries int
	defaultTTL time.Duration
	onEvict    func(key K, value V)
	now        func() time.Time

	mu      sync.Mutex
	lruList *list.List
	cache   map[K]*list.Element // value is a lruList element

	metricsCollector MetricsCollector
}

// Options represents options for the cache.
type Options[K comparable, V any] struct {
	// DefaultTTL is used by Add. Zero means no expiration.
	// Expired entries are not removed immediately,
	// but only when they are accessed or during cleanup (see Cleanup and RunPeriodicCleanup).
	DefaultTTL time.Duration

	// OnEvict is called when an entry is pushed out because the cache is full.
	// Expired entries removed on access or by cleanup do not trigger it.
	OnEvict func(key K, value V)

	// Now overrides the clock used for expiration.
	Now func() time.Time
}

// New creates a new LRUCache with the provided maximum number of entries and metrics collector.
func New[K comparable, V any](maxEntries int, metricsCollector MetricsCollector) (*LRUCache[K, V], error) {
	return NewWithOpts[K, V](maxEntries, metricsCollector, Options[K, V]{})
}

// NewWithOpts creates a new LRUCache with the provided maximum number of entries, metrics collector, and options.
// Metrics collector may be nil, in this case metrics are disabled.
func NewWithOpts[K comparable, V any](maxEntries int, metricsCollector MetricsCollector, opts Options[K, V]) (*LRUCache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0, got %d", maxEntries)
	}
	if opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("defaultTTL must be greater or equal to 0 (no expiration)")
	}
	if metricsCollector == nil {
		metricsCollector = disabledMetrics{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &LRUCache[K, V]{
		maxEntries:       maxEntries,
		defaultTTL:       opts.DefaultTTL,
		onEvict:          opts.OnEvict,
		now:              now,
		lruList:          list.New(),
		cache:            make(map[K]*list.Element),
		metricsCollector: metricsCollector,
	}, nil
}

// Get returns a value from the cache by the provided key.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	value, _, ok = c.GetWithTTL(key)
	return value, ok
}

// GetWithTTL is Get that also returns the remaining time to live of the entry.
// Zero TTL with ok=true means the entry never expires.
func (c *LRUCache[K, V]) GetWithTTL(key K) (value V, ttl time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := c.get(key, now)
	if entry == nil {
		return value, 0, false
	}
	if !entry.expiresAt.IsZero() {
		ttl = entry.expiresAt.Sub(now)
	}
	return entry.value, ttl, true
}

// Add adds a value to the cache with the default TTL.
// If the cache is full, the least recently used entry is evicted.
func (c *LRUCache[K, V]) Add(key K, value V) {
	c.AddWithTTL(key, value, c.defaultTTL)
}

// AddWithTTL adds a value to the cache with the provided TTL. Zero or negative ttl means no expiration.
// If the cache is full, the least recently used entry is evicted.
func (c *LRUCache[K, V]) AddWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	entry := &cacheEntry[K, V]{key: key, value: value, expiresAt: expiresAt}
	if elem, ok := c.cache[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value = entry
		return
	}
	c.cache[key] = c.lruList.PushFront(entry)
	if len(c.cache) > c.maxEntries {
		if evicted := c.removeElement(c.lruList.Back()); evicted != nil {
			c.metricsCollector.AddEvictions(1)
			if c.onEvict != nil {
				c.onEvict(evicted.key, evicted.value)
			}
		}
	}
	c.metricsCollector.SetAmount(len(c.cache))
}

// Remove removes a value from the cache by the provided key.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	c.metricsCollector.SetAmount(len(c.cache))
	return true
}

// Len returns the number of entries in the cache, including expired ones not yet cleaned up.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Cleanup removes all expired entries and returns how many were removed.
// Entries without expiration time are not affected.
func (c *LRUCache[K, V]) Cleanup() (removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, elem := range c.cache {
		if elem.Value.(*cacheEntry[K, V]).expired(now) {
			c.removeElement(elem)
			removed++
		}
	}
	c.metricsCollector.SetAmount(len(c.cache))
	return removed
}

// RunPeriodicCleanup calls Cleanup every cleanupInterval until ctx is done.
// It's supposed to be run in a separate goroutine.
func (c *LRUCache[K, V]) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration, onCleanup func(removed int)) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Cleanup(); onCleanup != nil {
				onCleanup(removed)
			}
		}
	}
}

// get must be called under c.mu. Expired entries are dropped and reported as misses.
func (c *LRUCache[K, V]) get(key K, now time.Time) *cacheEntry[K, V] {
	elem, hit := c.cache[key]
	if !hit {
		c.metricsCollector.IncMisses()
		return nil
	}
	entry := elem.Value.(*cacheEntry[K, V])
	if entry.expired(now) {
		c.removeElement(elem)
		c.metricsCollector.SetAmount(len(c.cache))
		c.metricsCollector.IncMisses()
		return nil
	}
	c.lruList.MoveToFront(elem)
	c.metricsCollector.IncHits()
	return entry
}

func (c *LRUCache[K, V]) removeElement(elem *list.Element) *cacheEntry[K, V] {
	if elem == nil {
		return nil
	}
	c.lruList.Remove(elem)
	entry := elem.Value.(*cacheEntry[K, V])
	delete(c.cache, entry.key)
	return entry
}

func (e *cacheEntry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}
