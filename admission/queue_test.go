/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T, opts QueueOpts) *Queue {
	t.Helper()
	q, err := NewQueueWithOpts(opts)
	require.NoError(t, err)
	return q
}

// runDispatcher starts the dispatcher and returns a function stopping it.
func runDispatcher(q *Queue) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func requireWaiting(t *testing.T, q *Queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Stats().Waiting == n }, time.Second, time.Millisecond)
}

func TestQueue_DirectAndQueuingStates(t *testing.T) {
	q := newTestQueue(t, QueueOpts{MaxConcurrent: 10, LoadThreshold: 0.5})
	ctx := context.Background()

	var releases []ReleaseFunc
	for i := 0; i < 5; i++ {
		require.Equal(t, StateDirect, q.State())
		release, err := q.Admit(ctx, PriorityNormal)
		require.NoError(t, err)
		releases = append(releases, release)
	}
	require.Equal(t, 5, q.Stats().Active)

	// 5/10 reaches the threshold, so the next request is queued.
	stop := runDispatcher(q)
	defer stop()
	release, err := q.Admit(ctx, PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, StateQueuing, q.State())
	releases = append(releases, release)

	for _, r := range releases {
		r()
		r() // no-op
	}
	stats := q.Stats()
	require.Equal(t, 0, stats.Active)
	require.Equal(t, int64(6), stats.Total)
	require.Equal(t, int64(5), stats.Direct)
	require.Equal(t, int64(1), stats.Queued)
	require.Equal(t, int64(1), stats.Dispatched)

	release, err = q.Admit(ctx, PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, StateDirect, q.State())
	release()
}

func TestQueue_PriorityPrecedence(t *testing.T) {
	q := newTestQueue(t, QueueOpts{MaxConcurrent: 1})
	ctx := context.Background()

	busy, err := q.Admit(ctx, PriorityNormal)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	admit := func(name string, p Priority) {
		defer wg.Done()
		release, admitErr := q.Admit(ctx, p)
		if admitErr != nil {
			t.Errorf("%s: %v", name, admitErr)
			return
		}
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		release()
	}

	wg.Add(3)
	go admit("low", PriorityLow)
	requireWaiting(t, q, 1)
	go admit("high-1", PriorityHigh)
	requireWaiting(t, q, 2)
	go admit("high-2", PriorityHigh)
	requireWaiting(t, q, 3)

	stop := runDispatcher(q)
	defer stop()
	busy()
	wg.Wait()

	require.Equal(t, []string{"high-1", "high-2", "low"}, order)
}

func TestQueue_QueueFull(t *testing.T) {
	metrics := NewPrometheusMetrics()
	q := newTestQueue(t, QueueOpts{MaxConcurrent: 1, MaxQueueSize: 2, MetricsCollector: metrics})

	busy, err := q.Admit(context.Background(), PriorityNormal)
	require.NoError(t, err)
	defer busy()

	waitCtx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, admitErr := q.Admit(waitCtx, PriorityNormal)
			errs <- admitErr
		}()
	}
	requireWaiting(t, q, 2)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.Waiting))

	start := time.Now()
	_, err = q.Admit(context.Background(), PriorityCritical)
	require.ErrorIs(t, err, ErrQueueFull)
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, 2, q.Stats().Waiting)

	cancel()
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, <-errs, context.Canceled)
	}
	stats := q.Stats()
	require.Equal(t, int64(1), stats.Rejected)
	require.Equal(t, int64(2), stats.Cancelled)
	require.Equal(t, 0, stats.Waiting)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("critical", ResultRejected)))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("normal", ResultCancelled)))
}

func TestQueue_Timeout(t *testing.T) {
	q := newTestQueue(t, QueueOpts{MaxConcurrent: 1, QueueTimeout: 50 * time.Millisecond})
	stop := runDispatcher(q)
	defer stop()

	busy, err := q.Admit(context.Background(), PriorityNormal)
	require.NoError(t, err)
	defer busy()

	start := time.Now()
	_, err = q.Admit(context.Background(), PriorityHigh)
	require.ErrorIs(t, err, ErrQueueTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), q.Stats().TimedOut)
	require.Equal(t, 0, q.Stats().Waiting)
}

func TestQueue_ExpiredEntriesAreNotDispatched(t *testing.T) {
	q := newTestQueue(t, QueueOpts{MaxConcurrent: 1, QueueTimeout: time.Hour})

	busy, err := q.Admit(context.Background(), PriorityNormal)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		release, admitErr := q.Admit(context.Background(), PriorityHigh)
		if release != nil {
			release()
		}
		errs <- admitErr
	}()
	requireWaiting(t, q, 1)

	busy()
	q.dispatch(time.Now().Add(2 * time.Hour))
	require.ErrorIs(t, <-errs, ErrQueueTimeout)

	stats := q.Stats()
	require.Equal(t, int64(1), stats.TimedOut)
	require.Equal(t, int64(0), stats.Dispatched)
	require.Equal(t, 0, stats.Active)
	require.Equal(t, StateDirect, stats.State)
}

func TestNewQueueWithOpts_Validation(t *testing.T) {
	_, err := NewQueueWithOpts(QueueOpts{LoadThreshold: 1.5})
	require.Error(t, err)
	_, err = NewQueueWithOpts(QueueOpts{MaxConcurrent: -1})
	require.Error(t, err)
	q := NewQueue()
	require.Equal(t, DefaultMaxConcurrent, q.maxConcurrent)
	require.Equal(t, DefaultPollInterval, q.pollInterval)
}

func TestClassifier(t *testing.T) {
	c := NewDefaultClassifier()
	tests := map[string]Priority{
		"/healthz":               PriorityCritical,
		"/api/auth/login":        PriorityHigh,
		"/api/trades":            PriorityHigh,
		"/api/Orders/42":         PriorityHigh,
		"/api/analytics/summary": PriorityLow,
		"/api/logs":              PriorityLow,
		"/metrics":               PriorityLow,
		"/api/portfolio":         PriorityNormal,
		"/":                      PriorityNormal,
		"/metrics/health":        PriorityCritical,
		"/api/analytics/trades":  PriorityHigh,
		"/api/borders":           PriorityNormal,
		"/api/authors":           PriorityNormal,
		"/api/catalogs/orderly":  PriorityNormal,
		"/api/user-auth":         PriorityHigh,
		"/api/logs.json":         PriorityLow,
		"/api/healthcheck":       PriorityNormal,
	}
	for path, want := range tests {
		require.Equal(t, want, c.Classify(path), path)
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	require.Equal(t, PriorityHigh, p)
	_, err = ParsePriority("urgent")
	require.EqualError(t, err, `unknown priority "urgent"`)
	require.Equal(t, "priority(7)", Priority(7).String())
}
