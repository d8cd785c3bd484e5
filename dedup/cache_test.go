/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dedup

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admitkit/log/logtest"
	"github.com/acronis/go-admitkit/store"
)

type brokenStore struct {
	store.Store
}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection reset")
}

func newTestCache(t *testing.T, s store.Store, opts CacheOpts) *Cache {
	t.Helper()
	c, err := NewCache(s, opts)
	require.NoError(t, err)
	return c
}

func newMemoryStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms, err := store.NewMemoryStore(store.MemoryStoreOpts{})
	require.NoError(t, err)
	return ms
}

func TestCache_StoreAndLookup(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	metrics := NewPrometheusMetrics()
	c := newTestCache(t, newMemoryStore(t), CacheOpts{MetricsCollector: metrics, Now: func() time.Time { return now }})
	ctx := context.Background()

	_, ok := c.Lookup(ctx, "idempotency:abc")
	require.False(t, ok)

	resp := &Response{
		Status: http.StatusCreated,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"id":42}`),
	}
	require.NoError(t, c.Store(ctx, "idempotency:abc", resp, 0))

	got, ok := c.Lookup(ctx, "idempotency:abc")
	require.True(t, ok)
	require.Equal(t, http.StatusCreated, got.Status)
	require.Equal(t, "application/json", got.Header.Get("Content-Type"))
	require.Equal(t, `{"id":42}`, string(got.Body))
	require.True(t, got.CreatedAt.Equal(now))
	require.True(t, got.ExpiresAt.Equal(now.Add(DefaultTTL)))

	require.Equal(t, Stats{Hits: 1, Misses: 1, Stored: 1}, c.Stats())
	require.Equal(t, 50.0, c.Stats().HitRate())
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsTotal.WithLabelValues(EventHit)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsTotal.WithLabelValues(EventStored)))
}

func TestCache_OnlySuccessfulResponsesAreCached(t *testing.T) {
	c := newTestCache(t, newMemoryStore(t), CacheOpts{})
	ctx := context.Background()
	for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError, http.StatusFound} {
		err := c.Store(ctx, "dedup:x", &Response{Status: status}, 0)
		require.ErrorIs(t, err, ErrNotCacheable)
	}
	_, ok := c.Lookup(ctx, "dedup:x")
	require.False(t, ok)
}

func TestCache_TTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	ms, err := store.NewMemoryStore(store.MemoryStoreOpts{Now: clock})
	require.NoError(t, err)
	c := newTestCache(t, ms, CacheOpts{TTL: time.Minute, Now: clock})
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "dedup:short", &Response{Status: http.StatusOK}, 0))
	require.NoError(t, c.Store(ctx, "dedup:long", &Response{Status: http.StatusOK}, 48*time.Hour))

	now = now.Add(2 * time.Minute)
	_, ok := c.Lookup(ctx, "dedup:short")
	require.False(t, ok)
	got, ok := c.Lookup(ctx, "dedup:long")
	require.True(t, ok)
	require.Equal(t, MaxTTL, got.ExpiresAt.Sub(got.CreatedAt))

	_, err = NewCache(ms, CacheOpts{TTL: 25 * time.Hour})
	require.Error(t, err)
}

func TestCache_StoreErrorsAreMisses(t *testing.T) {
	logger := logtest.NewRecorder()
	c := newTestCache(t, brokenStore{}, CacheOpts{Logger: logger})
	ctx := context.Background()

	_, ok := c.Lookup(ctx, "dedup:x")
	require.False(t, ok)
	require.Error(t, c.Store(ctx, "dedup:x", &Response{Status: http.StatusOK}, 0))

	c.StoreDetached(ctx, "dedup:y", &Response{Status: http.StatusOK})
	_, found := logger.FindEntry("failed to record response for deduplication")
	require.True(t, found)
	_, found = logger.FindEntry("deduplication lookup failed")
	require.True(t, found)
	require.Equal(t, Stats{Misses: 1, StoreErrors: 3}, c.Stats())
}

func TestCache_StoreDetachedIgnoresCancellation(t *testing.T) {
	c := newTestCache(t, newMemoryStore(t), CacheOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.StoreDetached(ctx, "dedup:z", &Response{Status: http.StatusOK, Body: []byte("ok")})
	got, ok := c.Lookup(context.Background(), "dedup:z")
	require.True(t, ok)
	require.Equal(t, "ok", string(got.Body))
}

func TestCache_CorruptedRecord(t *testing.T) {
	ms := newMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, ms.Set(ctx, "dedup:bad", []byte("{"), 0))
	c := newTestCache(t, ms, CacheOpts{})
	_, ok := c.Lookup(ctx, "dedup:bad")
	require.False(t, ok)
	require.Equal(t, int64(1), c.Stats().StoreErrors)
}
