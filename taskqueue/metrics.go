/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector collects metrics of the task scheduler.
type MetricsCollector interface {
	IncTasks(handler, result string)
	SetPending(n int)
	SetActive(n int)
	ObserveDuration(handler string, d time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// DurationBuckets is a list of buckets for the task execution duration histogram.
	DurationBuckets []float64

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// DefaultDurationBuckets are the default buckets of the task execution duration histogram.
var DefaultDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// PrometheusMetrics represents Prometheus metrics of the task scheduler.
type PrometheusMetrics struct {
	TasksTotal *prometheus.CounterVec
	Pending    prometheus.Gauge
	Active     prometheus.Gauge
	Duration   *prometheus.HistogramVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.DurationBuckets
	if buckets == nil {
		buckets = DefaultDurationBuckets
	}
	return &PrometheusMetrics{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "tasks_total",
			Help:        "Number of task executions by handler and result (completed, failed, retried, dropped).",
			ConstLabels: opts.ConstLabels,
		}, []string{"handler", "result"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "tasks_pending",
			Help:        "Number of tasks waiting in the queue.",
			ConstLabels: opts.ConstLabels,
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "tasks_active",
			Help:        "Number of tasks taken by workers.",
			ConstLabels: opts.ConstLabels,
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "task_duration_seconds",
			Help:        "Duration of task executions.",
			Buckets:     buckets,
			ConstLabels: opts.ConstLabels,
		}, []string{"handler"}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.TasksTotal, pm.Pending, pm.Active, pm.Duration)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.TasksTotal)
	prometheus.Unregister(pm.Pending)
	prometheus.Unregister(pm.Active)
	prometheus.Unregister(pm.Duration)
}

// IncTasks increments the task executions counter.
func (pm *PrometheusMetrics) IncTasks(handler, result string) {
	pm.TasksTotal.WithLabelValues(handler, result).Inc()
}

// SetPending sets the number of queued tasks.
func (pm *PrometheusMetrics) SetPending(n int) {
	pm.Pending.Set(float64(n))
}

// SetActive sets the number of tasks taken by workers.
func (pm *PrometheusMetrics) SetActive(n int) {
	pm.Active.Set(float64(n))
}

// ObserveDuration observes the task execution duration.
func (pm *PrometheusMetrics) ObserveDuration(handler string, d time.Duration) {
	pm.Duration.WithLabelValues(handler).Observe(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) IncTasks(string, string)               {}
func (disabledMetrics) SetPending(int)                        {}
func (disabledMetrics) SetActive(int)                         {}
func (disabledMetrics) ObserveDuration(string, time.Duration) {}
