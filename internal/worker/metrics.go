package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the worker's Prometheus collectors on a private registry,
// so several workers can coexist in one test binary. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	WorkerState   prometheus.Gauge
}

// NewMetrics creates and registers the worker collectors
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobworker_jobs_processed_total",
			Help: "Total number of jobs executed, successful or not.",
		}, []string{"queue"}),

		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobworker_jobs_failed_total",
			Help: "Total number of jobs that failed.",
		}, []string{"queue"}),

		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobworker_job_duration_seconds",
			Help:    "Job execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),

		WorkerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobworker_worker_state",
			Help: "Current work loop state (0 idle, 1 polling, 2 executing, 3 stopping, 4 stopped).",
		}),
	}
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeJob(queue string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(queue).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(d.Seconds())
	if failed {
		m.JobsFailed.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.WorkerState.Set(float64(s))
}
