/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package store provides the key-value and sliding-window storage shared by the rate limiter
// and the deduplication cache. RedisStore is the shared backend, MemoryStore is the in-process one,
// and FallbackStore serves calls from MemoryStore whenever Redis is unreachable.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("key not found")

// ErrStoreUnavailable wraps errors of the primary backend (connection failures, timeouts, open breaker).
var ErrStoreUnavailable = errors.New("store unavailable")

// WindowState describes a sliding window after a trim (and possibly an insert).
type WindowState struct {
	// Count is the number of events inside the window before the insert attempt.
	Count int
	// Inserted reports whether the new event was recorded.
	Inserted bool
	// Oldest is the oldest event inside the window, zero if the window is empty.
	Oldest time.Time
	// Local reports that the window was served by the in-process store
	// because the shared one is unavailable, so the count covers this instance only.
	Local bool
}

// Store is a key-value store with TTLs and atomic sliding-window counters.
type Store interface {
	// Get returns the value stored by the key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores the value by the key. Zero ttl means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// AtomicWindowInsert atomically drops events older than or equal to now-window,
	// counts the remaining ones and records now if the count is below limit
	// (limit <= 0 records unconditionally). The key expires after window of inactivity.
	AtomicWindowInsert(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, error)

	// WindowCount trims the window like AtomicWindowInsert but never records an event.
	WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (WindowState, error)
}
