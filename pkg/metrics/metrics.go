package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pserver_operations_total",
			Help: "Total operations dispatched by operation name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	OperationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pserver_operations_in_flight",
			Help: "Operations currently pending or running",
		},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pserver_operation_duration_seconds",
			Help:    "Wall-clock duration of completed operations",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"operation"},
	)

	// Content fetch metrics
	FetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pserver_fetch_attempts_total",
			Help: "Content fetch attempts by scheme and result",
		},
		[]string{"scheme", "result"},
	)

	FetchBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pserver_fetch_bytes_total",
			Help: "Total bytes downloaded by the content fetcher",
		},
	)

	// Chain metrics
	ChainCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pserver_chain_calls_total",
			Help: "Chain registry calls by method and result",
		},
		[]string{"method", "result"},
	)

	// Sandbox metrics
	SandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pserver_sandbox_executions_total",
			Help: "Sandbox agent executions by runtime and status",
		},
		[]string{"runtime", "status"},
	)

	SandboxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pserver_sandbox_duration_seconds",
			Help:    "Sandbox execution duration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"runtime"},
	)

	// Artifact metrics
	ArtifactBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pserver_artifact_bytes_total",
			Help: "Total plaintext artifact bytes stored",
		},
	)

	ArtifactsStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pserver_artifacts_stored_total",
			Help: "Total artifacts stored",
		},
	)
)

// Register registers all collectors with the default registry
func Register() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationsInFlight,
		OperationDuration,
		FetchAttemptsTotal,
		FetchBytesTotal,
		ChainCallsTotal,
		SandboxExecutionsTotal,
		SandboxDuration,
		ArtifactBytesTotal,
		ArtifactsStoredTotal,
	)
}

// Handler returns the /metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
