// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucentlabs/lucent/internal/db/models"
)

// Metrics holds the collectors for job and outbox instrumentation. A single
// instance is created at startup and passed to the components that emit.
type Metrics struct {
	registry *prometheus.Registry

	jobsCreated     *prometheus.CounterVec
	outboxProcessed *prometheus.CounterVec
	outboxFailed    *prometheus.CounterVec
	outboxRetries   *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobCost         *prometheus.HistogramVec
	jobsActive      *prometheus.GaugeVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lucent",
			Name:      "jobs_created_total",
			Help:      "Total number of enhancement jobs created.",
		}, []string{"provider"}),
		outboxProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lucent",
			Name:      "outbox_processed_total",
			Help:      "Total number of outbox events delivered.",
		}, []string{"event_type"}),
		outboxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lucent",
			Name:      "outbox_failed_total",
			Help:      "Total number of outbox events terminally failed.",
		}, []string{"event_type", "error_class"}),
		outboxRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lucent",
			Name:      "outbox_retries_total",
			Help:      "Total number of outbox delivery retries.",
		}, []string{"event_type", "attempt"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lucent",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of jobs from creation to a terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"provider", "status"}),
		jobCost: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lucent",
			Name:      "job_cost_dollars",
			Help:      "Provider-reported cost of completed jobs in dollars.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"provider"}),
		jobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lucent",
			Name:      "jobs_active",
			Help:      "Number of jobs currently in each status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.jobsCreated,
		m.outboxProcessed,
		m.outboxFailed,
		m.outboxRetries,
		m.jobDuration,
		m.jobCost,
		m.jobsActive,
	)
	return m
}

// JobCreated increments the created-jobs counter for a provider.
func (m *Metrics) JobCreated(provider string) {
	m.jobsCreated.WithLabelValues(provider).Inc()
}

// OutboxProcessed increments the delivered-events counter.
func (m *Metrics) OutboxProcessed(eventType string) {
	m.outboxProcessed.WithLabelValues(eventType).Inc()
}

// OutboxFailed increments the terminally-failed-events counter.
func (m *Metrics) OutboxFailed(eventType, errorClass string) {
	m.outboxFailed.WithLabelValues(eventType, errorClass).Inc()
}

// OutboxRetry increments the retry counter for a given attempt number.
func (m *Metrics) OutboxRetry(eventType string, attempt int) {
	m.outboxRetries.WithLabelValues(eventType, strconv.Itoa(attempt)).Inc()
}

// ObserveJobDuration records how long a job took to reach a terminal status.
func (m *Metrics) ObserveJobDuration(provider string, status models.JobStatus, seconds float64) {
	m.jobDuration.WithLabelValues(provider, status.String()).Observe(seconds)
}

// ObserveJobCost records the provider-reported cost of a completed job.
func (m *Metrics) ObserveJobCost(provider string, costMicros int64) {
	m.jobCost.WithLabelValues(provider).Observe(float64(costMicros) / 1e6)
}

// SetActiveJobs sets the active-jobs gauge for one status.
func (m *Metrics) SetActiveJobs(status models.JobStatus, count int64) {
	m.jobsActive.WithLabelValues(status.String()).Set(float64(count))
}

// Handler returns the HTTP handler serving the exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}
