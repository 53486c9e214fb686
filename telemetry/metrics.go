package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes the scoobi_-namespaced execution metrics
// a cluster operator would scrape: in-flight MSCR count, dispatch
// queue depth, per-job latency, retries, backpressure events, and
// skip-already-computed hits.
type PrometheusMetrics struct {
	inflightMSCRs prometheus.Gauge
	queueDepth    prometheus.Gauge

	jobLatency *prometheus.HistogramVec

	jobRetries    *prometheus.CounterVec
	backpressure  *prometheus.CounterVec
	skippedBridge *prometheus.CounterVec

	enabled bool
}

// NewPrometheusMetrics registers every metric with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		inflightMSCRs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "scoobi",
			Name:      "inflight_mscrs",
			Help:      "Current number of MSCRs executing concurrently within a layer",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "scoobi",
			Name:      "queue_depth",
			Help:      "Number of jobs dispatched but not yet confirmed running",
		}),
		jobLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scoobi",
			Name:      "job_latency_ms",
			Help:      "Job execution duration in milliseconds, from dispatch to completion",
			Buckets:   []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 300000, 900000},
		}, []string{"run_id", "job_name", "status"}),
		jobRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoobi",
			Name:      "job_retries_total",
			Help:      "Cumulative count of failed job runs, labelled by reason",
		}, []string{"run_id", "job_name", "reason"}),
		backpressure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoobi",
			Name:      "backpressure_events_total",
			Help:      "Layer dispatch throttled due to concurrentJobs saturation",
		}, []string{"run_id", "reason"}),
		skippedBridge: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoobi",
			Name:      "skip_already_computed_total",
			Help:      "Bridges or sinks skipped because they were already filled",
		}, []string{"run_id"}),
	}
}

func (pm *PrometheusMetrics) RecordJobLatency(runID, jobName string, latency time.Duration, status string) {
	if !pm.enabled {
		return
	}
	pm.jobLatency.WithLabelValues(runID, jobName, status).Observe(float64(latency.Milliseconds()))
}

func (pm *PrometheusMetrics) IncrementJobRetries(runID, jobName, reason string) {
	if !pm.enabled {
		return
	}
	pm.jobRetries.WithLabelValues(runID, jobName, reason).Inc()
}

func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.enabled {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

func (pm *PrometheusMetrics) UpdateInflightMSCRs(count int) {
	if !pm.enabled {
		return
	}
	pm.inflightMSCRs.Set(float64(count))
}

func (pm *PrometheusMetrics) IncrementBackpressure(runID, reason string) {
	if !pm.enabled {
		return
	}
	pm.backpressure.WithLabelValues(runID, reason).Inc()
}

func (pm *PrometheusMetrics) IncrementSkippedBridge(runID string) {
	if !pm.enabled {
		return
	}
	pm.skippedBridge.WithLabelValues(runID).Inc()
}

// Disable stops metric recording without unregistering the metrics.
func (pm *PrometheusMetrics) Disable() { pm.enabled = false }

// Enable resumes metric recording after Disable.
func (pm *PrometheusMetrics) Enable() { pm.enabled = true }
