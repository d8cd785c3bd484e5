/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector collects metrics of the admission queue.
type MetricsCollector interface {
	IncRequests(priority, result string)
	SetActive(n int)
	SetWaiting(n int)
	ObserveWait(priority string, d time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// WaitDurationBuckets is a list of buckets for the queue wait duration histogram.
	WaitDurationBuckets []float64

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// DefaultWaitDurationBuckets are the default buckets of the queue wait duration histogram.
var DefaultWaitDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// PrometheusMetrics represents Prometheus metrics of the admission queue.
type PrometheusMetrics struct {
	RequestsTotal *prometheus.CounterVec
	Active        prometheus.Gauge
	Waiting       prometheus.Gauge
	WaitDuration  *prometheus.HistogramVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.WaitDurationBuckets
	if buckets == nil {
		buckets = DefaultWaitDurationBuckets
	}
	return &PrometheusMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_requests_total",
			Help:        "Number of admission decisions by priority and result.",
			ConstLabels: opts.ConstLabels,
		}, []string{"priority", "result"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_active_requests",
			Help:        "Number of admitted requests being served.",
			ConstLabels: opts.ConstLabels,
		}),
		Waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_waiting_requests",
			Help:        "Number of requests waiting in the admission queue.",
			ConstLabels: opts.ConstLabels,
		}),
		WaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_wait_duration_seconds",
			Help:        "Time spent by dispatched requests in the admission queue.",
			Buckets:     buckets,
			ConstLabels: opts.ConstLabels,
		}, []string{"priority"}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.RequestsTotal, pm.Active, pm.Waiting, pm.WaitDuration)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.RequestsTotal)
	prometheus.Unregister(pm.Active)
	prometheus.Unregister(pm.Waiting)
	prometheus.Unregister(pm.WaitDuration)
}

// IncRequests increments the admission decisions counter.
func (pm *PrometheusMetrics) IncRequests(priority, result string) {
	pm.RequestsTotal.WithLabelValues(priority, result).Inc()
}

// SetActive sets the number of active requests.
func (pm *PrometheusMetrics) SetActive(n int) {
	pm.Active.Set(float64(n))
}

// SetWaiting sets the number of waiting requests.
func (pm *PrometheusMetrics) SetWaiting(n int) {
	pm.Waiting.Set(float64(n))
}

// ObserveWait observes the time a dispatched request spent in the queue.
func (pm *PrometheusMetrics) ObserveWait(priority string, d time.Duration) {
	pm.WaitDuration.WithLabelValues(priority).Observe(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) IncRequests(string, string)        {}
func (disabledMetrics) SetActive(int)                     {}
func (disabledMetrics) SetWaiting(int)                    {}
func (disabledMetrics) ObserveWait(string, time.Duration) {}
