package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	ProbeRequests   *prometheus.CounterVec
	ProbeLatency    *prometheus.HistogramVec
	StreamEvents    *prometheus.CounterVec
	StreamDropped   *prometheus.CounterVec
	IngestUpserts   *prometheus.CounterVec
	IngestDropped   *prometheus.CounterVec
	RecoveryActions *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	Errors          *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			ProbeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_probe_requests_total",
				Help:      "Total upstream probe attempts by operation and outcome.",
			}, []string{"op", "status"}),
			ProbeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_probe_duration_seconds",
				Help:      "Latency distribution for upstream probe calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_events_total",
				Help:      "Normalized stream events by kind.",
			}, []string{"kind"}),
			StreamDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_dropped_frames_total",
				Help:      "Stream frames dropped by reason.",
			}, []string{"reason"}),
			IngestUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_upserts_total",
				Help:      "Durable upserts performed by entity.",
			}, []string{"entity"}),
			IngestDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_dropped_total",
				Help:      "Ingest events dropped by reason.",
			}, []string{"reason"}),
			RecoveryActions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "supervisor_recovery_actions_total",
				Help:      "Recovery actions issued by the connection supervisor.",
			}, []string{"action"}),
			ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "supervisor_active_sessions",
				Help:      "Supervision sessions currently running.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.ProbeRequests,
			metricsInstance.ProbeLatency,
			metricsInstance.StreamEvents,
			metricsInstance.StreamDropped,
			metricsInstance.IngestUpserts,
			metricsInstance.IngestDropped,
			metricsInstance.RecoveryActions,
			metricsInstance.ActiveSessions,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
