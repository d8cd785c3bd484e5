/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/log/logtest"
	"github.com/acronis/go-admitkit/restapi"
	"github.com/acronis/go-admitkit/testutil"
)

type mockRecoveryNextHandler struct {
	called     int
	panicValue interface{}
}

func (h *mockRecoveryNextHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	h.called++
	if h.panicValue != nil {
		panic(h.panicValue)
	}
	panic("bot provisioning failed")
}

func TestRecovery(t *testing.T) {
	const errDomain = "Admitd"

	newRequest := func(logger log.FieldLogger) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/bots", nil)
		if logger != nil {
			req = req.WithContext(NewContextWithLogger(req.Context(), logger))
		}
		return req
	}

	t.Run("panic without logger in context", func(t *testing.T) {
		next := &mockRecoveryNextHandler{}
		resp := httptest.NewRecorder()

		require.NotPanics(t, func() { Recovery(errDomain)(next).ServeHTTP(resp, newRequest(nil)) })
		require.Equal(t, 1, next.called)
		testutil.RequireErrorInRecorder(t, resp, http.StatusInternalServerError, errDomain, restapi.ErrCodeInternal)
	})

	t.Run("panic is logged and counted", func(t *testing.T) {
		const stackSize = 16
		next := &mockRecoveryNextHandler{}
		logger := logtest.NewRecorder()
		panics := prometheus.NewCounter(prometheus.CounterOpts{Name: "panics_total"})
		resp := httptest.NewRecorder()
		handler := RecoveryWithOpts(errDomain, RecoveryOpts{StackSize: stackSize, PanicsTotal: panics})(next)

		require.NotPanics(t, func() { handler.ServeHTTP(resp, newRequest(logger)) })
		testutil.RequireErrorInRecorder(t, resp, http.StatusInternalServerError, errDomain, restapi.ErrCodeInternal)
		require.Equal(t, 1.0, promtestutil.ToFloat64(panics))

		entry, found := logger.FindEntry("handler panicked")
		require.True(t, found)
		require.Equal(t, log.LevelError, entry.Level)
		panicField, found := entry.FindField("panic")
		require.True(t, found)
		require.Equal(t, "bot provisioning failed", string(panicField.Bytes))
		stackField, found := entry.FindField("stack")
		require.True(t, found)
		require.Len(t, stackField.Bytes, stackSize)
	})

	t.Run("stack logging disabled", func(t *testing.T) {
		logger := logtest.NewRecorder()
		handler := RecoveryWithOpts(errDomain, RecoveryOpts{})(&mockRecoveryNextHandler{})

		handler.ServeHTTP(httptest.NewRecorder(), newRequest(logger))

		entry, found := logger.FindEntry("handler panicked")
		require.True(t, found)
		_, found = entry.FindField("stack")
		require.False(t, found)
	})

	t.Run("http.ErrAbortHandler is propagated", func(t *testing.T) {
		next := &mockRecoveryNextHandler{panicValue: http.ErrAbortHandler}
		logger := logtest.NewRecorder()

		require.Panics(t, func() { Recovery(errDomain)(next).ServeHTTP(httptest.NewRecorder(), newRequest(logger)) })

		_, found := logger.FindEntry("handler panicked")
		require.False(t, found)
		entry, found := logger.FindEntry("request has been aborted")
		require.True(t, found)
		require.Equal(t, log.LevelWarn, entry.Level)
	})
}
