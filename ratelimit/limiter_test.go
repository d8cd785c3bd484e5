/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admitkit/log/logtest"
	"github.com/acronis/go-admitkit/store"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newMemoryStore(t *testing.T) *store.MemoryStore {
	ms, err := store.NewMemoryStore(store.MemoryStoreOpts{})
	require.NoError(t, err)
	return ms
}

type brokenStore struct {
	store.Store
}

func (brokenStore) AtomicWindowInsert(context.Context, string, time.Time, time.Duration, int) (store.WindowState, error) {
	return store.WindowState{}, errors.New("connection reset")
}

func TestLimiter_LoginBruteForce(t *testing.T) {
	clock := newFakeClock()
	start := clock.now
	l, err := NewLimiterWithOpts(newMemoryStore(t), LimiterOpts{Now: clock.Now})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, checkErr := l.Check(ctx, "ip:1.2.3.4", "/api/auth/login", TierAnonymous)
		require.NoError(t, checkErr)
		require.True(t, res.Allowed, "request #%d", i+1)
		require.Equal(t, 5, res.Limit)
		require.Equal(t, 4-i, res.Remaining)
		require.Equal(t, "/api/auth/login", res.Rule)
		clock.Advance(time.Second)
	}

	res, err := l.Check(ctx, "ip:1.2.3.4", "/api/auth/login", TierAnonymous)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
	require.Equal(t, start.Add(time.Minute), res.ResetAt)
	require.Equal(t, 55, res.RetryAfter(clock.now))

	// Another caller is not affected.
	res, err = l.Check(ctx, "ip:5.6.7.8", "/api/auth/login", TierAnonymous)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// The first request leaves the window at start+60s.
	clock.now = start.Add(time.Minute)
	res, err = l.Check(ctx, "ip:1.2.3.4", "/api/auth/login", TierAnonymous)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Zero(t, res.Remaining)

	stats := l.Stats()
	require.Equal(t, int64(8), stats.Total)
	require.Equal(t, int64(1), stats.Rejected)
	require.Equal(t, int64(8), stats.ByRule["/api/auth/login"])
	require.InDelta(t, 12.5, stats.RejectedPercent(), 0.001)
}

func TestLimiter_WindowBound(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiterWithOpts(newMemoryStore(t), LimiterOpts{
		Now:           clock.Now,
		TierRules:     map[Tier]Rule{TierAnonymous: {Limit: 7, Window: 10 * time.Second}},
		EndpointRules: map[string]Rule{},
	})
	require.NoError(t, err)

	var allowedAt []time.Time
	steps := []time.Duration{0, 100 * time.Millisecond, time.Second, 3 * time.Second, 250 * time.Millisecond}
	for i := 0; i < 200; i++ {
		res, checkErr := l.Check(context.Background(), "user:42", "/api/orders", TierAnonymous)
		require.NoError(t, checkErr)
		if res.Allowed {
			allowedAt = append(allowedAt, clock.now)
		}
		clock.Advance(steps[i%len(steps)])
	}
	require.NotEmpty(t, allowedAt)
	for i := range allowedAt {
		inWindow := 0
		for j := i; j < len(allowedAt) && allowedAt[j].Sub(allowedAt[i]) < 10*time.Second; j++ {
			inWindow++
		}
		require.LessOrEqual(t, inWindow, 7)
	}
}

func TestLimiter_RuleResolution(t *testing.T) {
	l := NewLimiter(newMemoryStore(t))
	ctx := context.Background()

	tests := []struct {
		endpoint string
		tier     Tier
		limit    int
		rule     string
	}{
		{"/api/trades/42", TierPremium, 100, "/api/trades"},
		{"/api/tradesX", TierPremium, 1000, "tier:premium"},
		{"/api/auth/forgot-password", TierEnterprise, 3, "/api/auth/forgot-password"},
		{"/api/users", TierAuthenticated, 300, "tier:authenticated"},
		{"/api/users", Tier("platinum"), 60, "tier:anonymous"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint+"/"+string(tt.tier), func(t *testing.T) {
			res, err := l.Check(ctx, "user:1", tt.endpoint, tt.tier)
			require.NoError(t, err)
			require.Equal(t, tt.limit, res.Limit)
			require.Equal(t, tt.rule, res.Rule)
		})
	}

	require.NoError(t, l.SetEndpointRule("/api/trades/bulk", Rule{Limit: 2, Window: time.Minute}))
	res, err := l.Check(ctx, "user:1", "/api/trades/bulk", TierPremium)
	require.NoError(t, err)
	require.Equal(t, 2, res.Limit)
	require.Error(t, l.SetEndpointRule("/api/x", Rule{Limit: 0, Window: time.Minute}))
}

func TestLimiter_UsageAndReset(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiterWithOpts(newMemoryStore(t), LimiterOpts{Now: clock.Now})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err = l.Check(ctx, "ip:9.9.9.9", "/api/bots/7", TierAnonymous)
		require.NoError(t, err)
	}
	u, err := l.Usage(ctx, "ip:9.9.9.9", "/api/bots/1", TierAnonymous)
	require.NoError(t, err)
	require.Equal(t, Usage{Count: 3, Limit: 50, Remaining: 47, ResetAt: clock.now.Add(time.Minute), Rule: "/api/bots"}, u)

	require.NoError(t, l.Reset(ctx, "ip:9.9.9.9", "/api/bots"))
	u, err = l.Usage(ctx, "ip:9.9.9.9", "/api/bots", TierAnonymous)
	require.NoError(t, err)
	require.Zero(t, u.Count)

	_, err = l.Check(ctx, "", "/api/bots", TierAnonymous)
	require.ErrorIs(t, err, ErrEmptyIdentifier)
}

func TestLimiter_StoreFailure(t *testing.T) {
	t.Run("fail open", func(t *testing.T) {
		logger := logtest.NewRecorder()
		metrics := NewPrometheusMetrics()
		l, err := NewLimiterWithOpts(brokenStore{}, LimiterOpts{Logger: logger, MetricsCollector: metrics})
		require.NoError(t, err)
		res, err := l.Check(context.Background(), "ip:1.1.1.1", "/api/markets", TierAnonymous)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, 500, res.Remaining)
		require.Equal(t, int64(1), l.Stats().StoreErrors)
		require.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("anonymous", "error")))
		_, found := logger.FindEntry("rate limit store call failed")
		require.True(t, found)
	})

	t.Run("fail closed", func(t *testing.T) {
		l, err := NewLimiterWithOpts(brokenStore{}, LimiterOpts{FailClosed: true})
		require.NoError(t, err)
		res, err := l.Check(context.Background(), "ip:1.1.1.1", "/api/markets", TierAnonymous)
		require.NoError(t, err)
		require.False(t, res.Allowed)
	})
}

func TestLimiter_InvalidRules(t *testing.T) {
	_, err := NewLimiterWithOpts(newMemoryStore(t), LimiterOpts{TierRules: map[Tier]Rule{TierPremium: {Limit: 1, Window: time.Second}}})
	require.EqualError(t, err, `rule for "anonymous" tier is required`)

	_, err = NewLimiterWithOpts(newMemoryStore(t), LimiterOpts{EndpointRules: map[string]Rule{"/api": {Limit: 1}}})
	require.Error(t, err)
}

// fallbackOnlyStore serves windows like a FallbackStore whose shared backend is down.
type fallbackOnlyStore struct {
	*store.MemoryStore
}

func (s fallbackOnlyStore) AtomicWindowInsert(
	ctx context.Context, key string, now time.Time, window time.Duration, limit int,
) (store.WindowState, error) {
	state, err := s.MemoryStore.AtomicWindowInsert(ctx, key, now, window, limit)
	state.Local = true
	return state, err
}

func TestLimiter_ResultTierAndLocality(t *testing.T) {
	ctx := context.Background()

	l := NewLimiter(newMemoryStore(t))
	res, err := l.Check(ctx, "user:1", "/api/users", TierPremium)
	require.NoError(t, err)
	require.Equal(t, TierPremium, res.Tier)
	require.False(t, res.Local)

	res, err = l.Check(ctx, "user:2", "/api/users", Tier("gold"))
	require.NoError(t, err)
	require.Equal(t, TierAnonymous, res.Tier)

	l = NewLimiter(fallbackOnlyStore{newMemoryStore(t)})
	res, err = l.Check(ctx, "user:1", "/api/users", TierAuthenticated)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.True(t, res.Local)
}
