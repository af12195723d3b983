// Package observability provides Prometheus metrics for script executions
// and an HTTP middleware for the MCP transport.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ExecutionBuckets covers runs from a few milliseconds up to well past the
// default policy timeout.
var ExecutionBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

var (
	// ExecutionsTotal counts finished executions by status and, for
	// resource breaches, the limit that was crossed.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytica_executions_total",
			Help: "Script executions by outcome",
		},
		[]string{"status", "resource"},
	)

	// ExecutionDuration records end-to-end execution time in seconds.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytica_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"status"},
	)

	// ValidationRejectionsTotal counts rejected scripts by rule.
	ValidationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytica_validation_rejections_total",
			Help: "Scripts rejected before execution",
		},
		[]string{"rule"},
	)

	// WorkerKillsTotal counts workers killed by the governor by reason.
	WorkerKillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytica_worker_kills_total",
			Help: "Worker processes killed",
		},
		[]string{"reason"},
	)

	// ExecutionsInFlight tracks running workers.
	ExecutionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytica_executions_in_flight",
			Help: "Executions currently running",
		},
	)

	// RequestsTotal counts MCP HTTP requests by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytica_http_requests_total",
			Help: "MCP HTTP requests",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		ValidationRejectionsTotal,
		WorkerKillsTotal,
		ExecutionsInFlight,
		RequestsTotal,
	)
}

// Recorder receives execution events. The engine reports through it so
// tests can run without the global registry.
type Recorder interface {
	ExecutionStarted()
	ExecutionFinished(status, resource string, elapsed time.Duration)
	ValidationRejected(rule string)
}

// Prometheus records events into the package metrics.
type Prometheus struct{}

func (Prometheus) ExecutionStarted() {
	ExecutionsInFlight.Inc()
}

func (Prometheus) ExecutionFinished(status, resource string, elapsed time.Duration) {
	ExecutionsInFlight.Dec()
	ExecutionsTotal.WithLabelValues(status, resource).Inc()
	ExecutionDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (Prometheus) ValidationRejected(rule string) {
	ValidationRejectionsTotal.WithLabelValues(rule).Inc()
}

// WorkerKilled matches the governor's kill hook signature.
func WorkerKilled(reason string) {
	WorkerKillsTotal.WithLabelValues(reason).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
