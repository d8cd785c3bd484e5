/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package store

import (
	"context"
	"sync"
	"time"

	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/lrucache"
	"github.com/acronis/go-admitkit/service"
)

// DefaultMemoryMaxKeys is the default bound on the number of keys kept by MemoryStore.
const DefaultMemoryMaxKeys = 100000

type memoryEntry struct {
	value  []byte
	window []time.Time // ascending; nil for plain values
}

// MemoryStore is an in-process Store backed by lrucache.LRUCache.
// Operations are serialized by a single mutex, so window read-modify-write sequences are atomic.
// When MaxKeys is reached the least recently used key is evicted.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lrucache.LRUCache[string, memoryEntry]
}

var _ Store = (*MemoryStore)(nil)

// MemoryStoreOpts represents options for MemoryStore.
type MemoryStoreOpts struct {
	MaxKeys int
	OnEvict func(key string)

	// MetricsCollector receives cache hits, misses, evictions and the number of keys. May be nil.
	MetricsCollector lrucache.MetricsCollector

	// Now overrides the clock used for key expiration.
	Now func() time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore(opts MemoryStoreOpts) (*MemoryStore, error) {
	if opts.MaxKeys == 0 {
		opts.MaxKeys = DefaultMemoryMaxKeys
	}
	var onEvict func(string, memoryEntry)
	if opts.OnEvict != nil {
		onEvict = func(key string, _ memoryEntry) { opts.OnEvict(key) }
	}
	cache, err := lrucache.NewWithOpts[string, memoryEntry](opts.MaxKeys, opts.MetricsCollector,
		lrucache.Options[string, memoryEntry]{OnEvict: onEvict, Now: opts.Now})
	if err != nil {
		return nil, err
	}
	return &MemoryStore{cache: cache}, nil
}

// Get returns the value stored by the key or ErrNotFound.
func (ms *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	e, ok := ms.cache.Get(key)
	if !ok || e.window != nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores a copy of the value by the key.
func (ms *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.cache.AddWithTTL(key, memoryEntry{value: append([]byte{}, value...)}, ttl)
	return nil
}

// Exists reports whether the key is present.
func (ms *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.cache.Get(key)
	return ok, nil
}

// Delete removes the key.
func (ms *MemoryStore) Delete(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.cache.Remove(key)
	return nil
}

// AtomicWindowInsert implements Store.
func (ms *MemoryStore) AtomicWindowInsert(
	_ context.Context, key string, now time.Time, window time.Duration, limit int,
) (WindowState, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	events, _ := ms.trimmedWindow(key, now, window)
	state := WindowState{Count: len(events)}
	if limit <= 0 || len(events) < limit {
		events = append(events, now)
		state.Inserted = true
	}
	if len(events) > 0 {
		state.Oldest = events[0]
	}
	ms.cache.AddWithTTL(key, memoryEntry{window: events}, window)
	return state, nil
}

// WindowCount implements Store.
func (ms *MemoryStore) WindowCount(_ context.Context, key string, now time.Time, window time.Duration) (WindowState, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	events, ttl := ms.trimmedWindow(key, now, window)
	state := WindowState{Count: len(events)}
	if len(events) == 0 {
		ms.cache.Remove(key)
		return state, nil
	}
	state.Oldest = events[0]
	// Rewrite the trimmed window keeping the key's remaining expiration.
	ms.cache.AddWithTTL(key, memoryEntry{window: events}, ttl)
	return state, nil
}

// trimmedWindow returns the events of the window newer than now-window and the remaining TTL of the key.
// It must be called under ms.mu.
func (ms *MemoryStore) trimmedWindow(key string, now time.Time, window time.Duration) ([]time.Time, time.Duration) {
	e, ttl, ok := ms.cache.GetWithTTL(key)
	if !ok || e.window == nil {
		return make([]time.Time, 0, 1), 0
	}
	cutoff := now.Add(-window)
	i := 0
	for i < len(e.window) && !e.window[i].After(cutoff) {
		i++
	}
	return append(make([]time.Time, 0, len(e.window)-i+1), e.window[i:]...), ttl
}

// Len returns the number of stored keys, including expired ones not yet cleaned up.
func (ms *MemoryStore) Len() int {
	return ms.cache.Len()
}

// Cleanup removes expired keys and returns how many were removed.
func (ms *MemoryStore) Cleanup() int {
	return ms.cache.Cleanup()
}

// NewCleanupWorker returns a worker that periodically removes expired keys.
func (ms *MemoryStore) NewCleanupWorker(interval time.Duration, logger log.FieldLogger) *service.PeriodicWorker {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return service.NewPeriodicWorker(service.WorkerFunc(func(ctx context.Context) error {
		if removed := ms.Cleanup(); removed > 0 {
			logger.Debug("expired keys removed from in-process store", log.Int("removed", removed))
		}
		return nil
	}), interval, logger)
}
