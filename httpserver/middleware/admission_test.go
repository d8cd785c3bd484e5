/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admitkit/admission"
	"github.com/acronis/go-admitkit/restapi"
	"github.com/acronis/go-admitkit/testutil"
)

// blockingHandler holds requests until unblock is closed.
type blockingHandler struct {
	started chan string
	unblock chan struct{}
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{started: make(chan string, 10), unblock: make(chan struct{})}
}

func (h *blockingHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	h.started <- r.URL.Path
	<-h.unblock
	rw.WriteHeader(http.StatusOK)
}

func newTestQueue(t *testing.T, opts admission.QueueOpts) *admission.Queue {
	t.Helper()
	q, err := admission.NewQueueWithOpts(opts)
	require.NoError(t, err)
	return q
}

func waitForWaiting(t *testing.T, q *admission.Queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Stats().Waiting == n }, time.Second, time.Millisecond)
}

func TestAdmissionHandler_ServeHTTP(t *testing.T) {
	t.Run("direct admission", func(t *testing.T) {
		q := newTestQueue(t, admission.QueueOpts{MaxConcurrent: 10})
		next := &countingHandler{}
		h := Admission(q, testErrDomain)(next)

		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
		require.Equal(t, http.StatusOK, resp.Code)
		require.Equal(t, 1, next.called)
		stats := q.Stats()
		require.EqualValues(t, 1, stats.Direct)
		require.Zero(t, stats.Active, "slot must be released after serving")
	})

	t.Run("queue full", func(t *testing.T) {
		q := newTestQueue(t, admission.QueueOpts{
			MaxConcurrent: 1, LoadThreshold: 1, MaxQueueSize: 1, QueueTimeout: 5 * time.Second,
		})
		next := newBlockingHandler()
		h := Admission(q, testErrDomain)(next)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/portfolio", nil))
		}()
		require.Equal(t, "/api/portfolio", <-next.started)

		queuedCtx, cancelQueued := context.WithCancel(context.Background())
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/markets", nil).WithContext(queuedCtx)
			h.ServeHTTP(httptest.NewRecorder(), req)
		}()
		waitForWaiting(t, q, 1)

		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/analytics", nil))
		testutil.RequireRetryAfterInRecorder(t, resp, int(DefaultAdmissionRetryAfter/time.Second))
		testutil.RequireErrorInRecorder(t, resp, http.StatusServiceUnavailable, testErrDomain, restapi.ErrCodeQueueFull)

		cancelQueued()
		waitForWaiting(t, q, 0)
		close(next.unblock)
		wg.Wait()

		stats := q.Stats()
		require.EqualValues(t, 1, stats.Rejected)
		require.EqualValues(t, 1, stats.Cancelled)
		require.Zero(t, stats.Active)
	})

	t.Run("queue timeout", func(t *testing.T) {
		q := newTestQueue(t, admission.QueueOpts{
			MaxConcurrent: 1, LoadThreshold: 1, QueueTimeout: 30 * time.Millisecond,
		})
		next := newBlockingHandler()
		h := AdmissionWithOpts(q, testErrDomain, AdmissionOpts{RetryAfter: 2 * time.Second})(next)

		done := make(chan struct{})
		go func() {
			defer close(done)
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/portfolio", nil))
		}()
		<-next.started

		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
		require.Equal(t, "2", resp.Header().Get(restapi.HeaderRetryAfter))
		testutil.RequireErrorInRecorder(t, resp, http.StatusServiceUnavailable, testErrDomain, restapi.ErrCodeQueueTimeout)

		close(next.unblock)
		<-done
		require.EqualValues(t, 1, q.Stats().TimedOut)
	})

	t.Run("queued requests are dispatched by priority", func(t *testing.T) {
		q := newTestQueue(t, admission.QueueOpts{
			MaxConcurrent: 1, LoadThreshold: 1, QueueTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond,
		})
		next := newBlockingHandler()
		h := Admission(q, testErrDomain)(next)

		ctx, cancel := context.WithCancel(context.Background())
		runDone := make(chan error, 1)
		go func() { runDone <- q.Run(ctx) }()

		var wg sync.WaitGroup
		serve := func(path string) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := httptest.NewRecorder()
				h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
				assert.Equal(t, http.StatusOK, resp.Code)
			}()
		}

		serve("/api/portfolio")
		require.Equal(t, "/api/portfolio", <-next.started)
		serve("/api/analytics/report")
		waitForWaiting(t, q, 1)
		serve("/api/markets")
		waitForWaiting(t, q, 2)
		serve("/healthz")
		waitForWaiting(t, q, 3)

		close(next.unblock)
		require.Equal(t, "/healthz", <-next.started)
		require.Equal(t, "/api/markets", <-next.started)
		require.Equal(t, "/api/analytics/report", <-next.started)
		wg.Wait()

		cancel()
		require.NoError(t, <-runDone)
	})

	t.Run("release after panic", func(t *testing.T) {
		q := newTestQueue(t, admission.QueueOpts{MaxConcurrent: 2})
		h := Recovery(testErrDomain)(Admission(q, testErrDomain)(&mockRecoveryNextHandler{}))

		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/bots", nil))
		testutil.RequireErrorInRecorder(t, resp, http.StatusInternalServerError, testErrDomain, restapi.ErrCodeInternal)
		require.Zero(t, q.Stats().Active)
	})
}
