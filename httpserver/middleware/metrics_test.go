/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/acronis/go-admitkit/testutil"
)

type mockHTTPRequestMetricsNextHandler struct {
	calledNum          int
	statusCodeToReturn int
	replayed           bool
}

func (h *mockHTTPRequestMetricsNextHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	h.calledNum++
	if h.replayed {
		rw.Header().Set(HeaderRequestDeduplicated, "true")
	}
	if h.statusCodeToReturn != 0 {
		rw.WriteHeader(h.statusCodeToReturn)
	}
}

func TestHttpRequestMetricsHandler_ServeHTTP(t *testing.T) {
	makeLabels := func(method, routePattern, statusCode string) prometheus.Labels {
		return prometheus.Labels{
			httpRequestMetricsLabelMethod:       method,
			httpRequestMetricsLabelRoutePattern: routePattern,
			httpRequestMetricsLabelStatusCode:   statusCode,
		}
	}

	getRoutePattern := func(r *http.Request) string {
		return r.URL.Path
	}

	t.Run("collect total number", func(t *testing.T) {
		tests := []struct {
			name               string
			method             string
			url                string
			statusCodeToReturn int
			wantStatusCode     int
			replayed           bool
			reqsNum            int
			excludedEndpoints  []string
			wantCollected      bool
			wantOutcome        string
		}{
			{
				name:               "GET request",
				method:             http.MethodGet,
				url:                "/api/markets",
				statusCodeToReturn: http.StatusOK,
				wantStatusCode:     http.StatusOK,
				reqsNum:            10,
				wantCollected:      true,
				wantOutcome:        RequestOutcomeServed,
			},
			{
				name:               "POST request, rejected by rate limit",
				method:             http.MethodPost,
				url:                "/api/bots",
				statusCodeToReturn: http.StatusTooManyRequests,
				wantStatusCode:     http.StatusTooManyRequests,
				reqsNum:            11,
				wantCollected:      true,
				wantOutcome:        RequestOutcomeRateLimited,
			},
			{
				name:               "PUT request, rejected by admission queue",
				method:             http.MethodPut,
				url:                "/api/trades/1",
				statusCodeToReturn: http.StatusServiceUnavailable,
				wantStatusCode:     http.StatusServiceUnavailable,
				reqsNum:            3,
				wantCollected:      true,
				wantOutcome:        RequestOutcomeShed,
			},
			{
				name:               "POST request, replayed from deduplication cache",
				method:             http.MethodPost,
				url:                "/api/bots",
				statusCodeToReturn: http.StatusCreated,
				replayed:           true,
				wantStatusCode:     http.StatusCreated,
				reqsNum:            2,
				wantCollected:      true,
				wantOutcome:        RequestOutcomeReplayed,
			},
			{
				name:           "implicit 200",
				method:         http.MethodGet,
				url:            "/api/portfolio",
				wantStatusCode: http.StatusOK,
				reqsNum:        2,
				wantCollected:  true,
				wantOutcome:    RequestOutcomeServed,
			},
			{
				name:               "GET request, endpoint excluded",
				method:             http.MethodGet,
				url:                "/healthz",
				statusCodeToReturn: http.StatusOK,
				wantStatusCode:     http.StatusOK,
				reqsNum:            10,
				excludedEndpoints:  []string{"/healthz", "/metrics"},
			},
		}
		for i := range tests {
			tt := tests[i]
			t.Run(tt.name, func(t *testing.T) {
				collector := NewHTTPRequestMetricsCollector()
				mw := HTTPRequestMetricsWithOpts(collector, getRoutePattern, HTTPRequestMetricsOpts{
					ExcludedEndpoints: tt.excludedEndpoints,
				})
				next := &mockHTTPRequestMetricsNextHandler{statusCodeToReturn: tt.statusCodeToReturn, replayed: tt.replayed}
				h := mw(next)

				for j := 0; j < tt.reqsNum; j++ {
					req := httptest.NewRequest(tt.method, tt.url, nil)
					resp := httptest.NewRecorder()
					h.ServeHTTP(resp, req)
					assert.Equal(t, tt.wantStatusCode, resp.Code)
				}
				assert.Equal(t, tt.reqsNum, next.calledNum)

				labels := makeLabels(tt.method, tt.url, strconv.Itoa(tt.wantStatusCode))
				hist := collector.Durations.With(labels).(prometheus.Histogram)
				wantReqsNum := 0
				if tt.wantCollected {
					wantReqsNum = tt.reqsNum
				}
				testutil.AssertSamplesCountInHistogram(t, hist, wantReqsNum)

				if tt.wantCollected {
					assert.Equal(t, float64(tt.reqsNum), promtestutil.ToFloat64(collector.Outcomes.WithLabelValues(tt.url, tt.wantOutcome)))
				} else {
					assert.Equal(t, 0, promtestutil.CollectAndCount(collector.Outcomes))
				}
			})
		}
	})

	t.Run("collect 500 on panic", func(t *testing.T) {
		collector := NewHTTPRequestMetricsCollector()
		next := &mockRecoveryNextHandler{}
		req := httptest.NewRequest(http.MethodGet, "/internal-error", nil)
		resp := httptest.NewRecorder()
		h := HTTPRequestMetrics(collector, getRoutePattern)(next)
		if assert.Panics(t, func() { h.ServeHTTP(resp, req) }) {
			assert.Equal(t, 1, next.called)
			hist := collector.Durations.With(makeLabels(http.MethodGet, "/internal-error", "500")).(prometheus.Histogram)
			testutil.AssertSamplesCountInHistogram(t, hist, 1)
			assert.Equal(t, 1.0, promtestutil.ToFloat64(collector.Outcomes.WithLabelValues("/internal-error", RequestOutcomeFailed)))
		}
	})
}
