// Package metrics exposes Prometheus instrumentation for the pipeline.
// Collectors live on a dedicated registry so the /metrics endpoint only
// serves what the daemon itself produces.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	StageDuration  *prometheus.HistogramVec
	PublishRetries prometheus.Counter
	HealthProbes   prometheus.Histogram
	ActiveRuns     prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Pipeline runs by final status.",
		}, []string{"status"}),

		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "End-to-end pipeline run duration.",
			Buckets: prometheus.ExponentialBuckets(15, 2, 8),
		}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Per-stage duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"stage"}),

		PublishRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_publish_retries_total",
			Help: "Registry push attempts beyond the first.",
		}),

		HealthProbes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_health_probe_attempts",
			Help:    "Probes needed per health verification.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),

		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_active_runs",
			Help: "Pipeline runs currently executing.",
		}),
	}
}

// ObserveRun records a finished run's status and duration.
func (m *Metrics) ObserveRun(status string, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// ObserveStage records one stage's duration.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
