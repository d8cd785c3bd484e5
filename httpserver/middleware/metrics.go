/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vasayxtx/go-glob"
)

const (
	httpRequestMetricsLabelMethod       = "method"
	httpRequestMetricsLabelRoutePattern = "route_pattern"
	httpRequestMetricsLabelStatusCode   = "status_code"
	httpRequestMetricsLabelOutcome      = "outcome"
)

// Outcomes of a request as seen by the admission layer.
const (
	RequestOutcomeServed      = "served"
	RequestOutcomeReplayed    = "replayed"
	RequestOutcomeRateLimited = "rate_limited"
	RequestOutcomeShed        = "shed"
	RequestOutcomeFailed      = "failed"
)

// DefaultHTTPRequestDurationBuckets is default buckets into which observations of serving HTTP requests are counted.
// Requests waiting in the admission queue may take up to the queue timeout, so the buckets go up to a minute.
var DefaultHTTPRequestDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// HTTPRequestMetricsCollectorOpts represents an options for HTTPRequestMetricsCollector.
type HTTPRequestMetricsCollectorOpts struct {
	// Namespace is prepended to all metric names.
	Namespace string

	// DurationBuckets overrides DefaultHTTPRequestDurationBuckets.
	DurationBuckets []float64

	ConstLabels prometheus.Labels
}

// HTTPRequestMetricsCollector holds request metrics: durations by route and status,
// in-flight requests by method and admission outcomes by route.
type HTTPRequestMetricsCollector struct {
	Durations *prometheus.HistogramVec
	InFlight  *prometheus.GaugeVec
	Outcomes  *prometheus.CounterVec
}

// NewHTTPRequestMetricsCollector creates a new metrics collector.
func NewHTTPRequestMetricsCollector() *HTTPRequestMetricsCollector {
	return NewHTTPRequestMetricsCollectorWithOpts(HTTPRequestMetricsCollectorOpts{})
}

// NewHTTPRequestMetricsCollectorWithOpts is a more configurable version of creating HTTPRequestMetricsCollector.
func NewHTTPRequestMetricsCollectorWithOpts(opts HTTPRequestMetricsCollectorOpts) *HTTPRequestMetricsCollector {
	buckets := opts.DurationBuckets
	if buckets == nil {
		buckets = DefaultHTTPRequestDurationBuckets
	}
	return &HTTPRequestMetricsCollector{
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "http_request_duration_seconds",
			Help:        "A histogram of the HTTP request durations (admission queue wait included).",
			Buckets:     buckets,
			ConstLabels: opts.ConstLabels,
		}, []string{httpRequestMetricsLabelMethod, httpRequestMetricsLabelRoutePattern, httpRequestMetricsLabelStatusCode}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "http_requests_in_flight",
			Help:        "Current number of HTTP requests being served or waiting for admission.",
			ConstLabels: opts.ConstLabels,
		}, []string{httpRequestMetricsLabelMethod}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "http_request_outcomes_total",
			Help:        "Number of completed HTTP requests by admission outcome (served, replayed, rate_limited, shed, failed).",
			ConstLabels: opts.ConstLabels,
		}, []string{httpRequestMetricsLabelRoutePattern, httpRequestMetricsLabelOutcome}),
	}
}

func (c *HTTPRequestMetricsCollector) collectors() []prometheus.Collector {
	return []prometheus.Collector{c.Durations, c.InFlight, c.Outcomes}
}

// MustRegister registers all collectors in the default Prometheus registry and panics on error.
func (c *HTTPRequestMetricsCollector) MustRegister() {
	prometheus.MustRegister(c.collectors()...)
}

// Unregister removes all collectors from the default Prometheus registry.
func (c *HTTPRequestMetricsCollector) Unregister() {
	for _, coll := range c.collectors() {
		prometheus.Unregister(coll)
	}
}

func (c *HTTPRequestMetricsCollector) observe(r *http.Request, routePattern string, status int, replayed bool, elapsed time.Duration) {
	c.Durations.With(prometheus.Labels{
		httpRequestMetricsLabelMethod:       r.Method,
		httpRequestMetricsLabelRoutePattern: routePattern,
		httpRequestMetricsLabelStatusCode:   strconv.Itoa(status),
	}).Observe(elapsed.Seconds())
	c.Outcomes.WithLabelValues(routePattern, requestOutcome(status, replayed)).Inc()
}

func requestOutcome(status int, replayed bool) string {
	switch {
	case status == http.StatusTooManyRequests:
		return RequestOutcomeRateLimited
	case status == http.StatusServiceUnavailable:
		return RequestOutcomeShed
	case status >= http.StatusInternalServerError:
		return RequestOutcomeFailed
	case replayed:
		return RequestOutcomeReplayed
	default:
		return RequestOutcomeServed
	}
}

// HTTPRequestMetricsOpts represents an options for HTTPRequestMetrics middleware.
type HTTPRequestMetricsOpts struct {
	// ExcludedEndpoints are path globs for which metrics are not collected.
	ExcludedEndpoints []string
}

type httpRequestMetricsHandler struct {
	next            http.Handler
	collector       *HTTPRequestMetricsCollector
	getRoutePattern RoutePatternGetterFunc
	excluded        []func(string) bool
}

// HTTPRequestMetrics is a middleware that collects Prometheus metrics for incoming HTTP requests.
// It is placed in front of the admission middlewares, so rejected and replayed requests are counted too.
func HTTPRequestMetrics(
	collector *HTTPRequestMetricsCollector, getRoutePattern RoutePatternGetterFunc,
) func(next http.Handler) http.Handler {
	return HTTPRequestMetricsWithOpts(collector, getRoutePattern, HTTPRequestMetricsOpts{})
}

// HTTPRequestMetricsWithOpts is a more configurable version of HTTPRequestMetrics middleware.
func HTTPRequestMetricsWithOpts(
	collector *HTTPRequestMetricsCollector,
	getRoutePattern RoutePatternGetterFunc,
	opts HTTPRequestMetricsOpts,
) func(next http.Handler) http.Handler {
	if getRoutePattern == nil {
		panic("function for getting route pattern cannot be nil")
	}
	excluded := make([]func(string) bool, 0, len(opts.ExcludedEndpoints))
	for _, pattern := range opts.ExcludedEndpoints {
		excluded = append(excluded, glob.Compile(pattern))
	}
	return func(next http.Handler) http.Handler {
		return &httpRequestMetricsHandler{next: next, collector: collector, getRoutePattern: getRoutePattern, excluded: excluded}
	}
}

func (h *httpRequestMetricsHandler) isExcluded(urlPath string) bool {
	for _, match := range h.excluded {
		if match(urlPath) {
			return true
		}
	}
	return false
}

func (h *httpRequestMetricsHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if h.isExcluded(r.URL.Path) {
		h.next.ServeHTTP(rw, r)
		return
	}

	startTime := GetRequestStartTimeFromContext(r.Context())
	if startTime.IsZero() {
		startTime = time.Now()
		r = r.WithContext(NewContextWithRequestStartTime(r.Context(), startTime))
	}

	inFlight := h.collector.InFlight.WithLabelValues(r.Method)
	inFlight.Inc()
	defer inFlight.Dec()

	wrw := WrapResponseWriterIfNeeded(rw, r.ProtoMajor)
	defer func() {
		// Route pattern is known only after chi has routed the request.
		routePattern := h.getRoutePattern(r)
		if p := recover(); p != nil {
			if p != http.ErrAbortHandler {
				h.collector.observe(r, routePattern, http.StatusInternalServerError, false, time.Since(startTime))
			}
			panic(p)
		}
		replayed := wrw.Header().Get(HeaderRequestDeduplicated) == "true"
		h.collector.observe(r, routePattern, statusOf(wrw), replayed, time.Since(startTime))
	}()

	h.next.ServeHTTP(wrw, r)
}
