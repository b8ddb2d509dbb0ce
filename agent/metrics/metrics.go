// Package metrics exports the orchestrator's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Workflow completion statuses.
const (
	StatusResponded = "responded"
	StatusTimeout   = "timeout"
	StatusFallback  = "fallback"
)

// Exporter collects workflow and service metrics under the conductor
// namespace.
type Exporter struct {
	registry *prometheus.Registry

	workflowsStarted   prometheus.Counter
	workflowsCompleted *prometheus.CounterVec
	activeWorkflows    prometheus.Gauge
	serviceErrors      *prometheus.CounterVec
	serviceLatency     *prometheus.HistogramVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one).
	Registry *prometheus.Registry

	// Buckets for the per-service latency histogram, in seconds.
	LatencyBuckets []float64
}

// NewExporter creates the exporter and registers its collectors.
func NewExporter(cfg Config) *Exporter {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	buckets := cfg.LatencyBuckets
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	}

	e := &Exporter{registry: registry}

	e.workflowsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "agent",
		Name:      "workflows_started_total",
		Help:      "Total number of workflow records opened",
	})
	e.workflowsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "agent",
		Name:      "workflows_completed_total",
		Help:      "Total number of workflow records flushed, by outcome",
	}, []string{"status"})
	e.activeWorkflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "agent",
		Name:      "active_workflows",
		Help:      "Number of in-flight workflow records",
	})
	e.serviceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "agent",
		Name:      "service_errors_total",
		Help:      "Total number of service invocations that returned an error",
	}, []string{"service"})
	e.serviceLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "agent",
		Name:      "service_latency_seconds",
		Help:      "Per-service task latency from dispatch to completion",
		Buckets:   buckets,
	}, []string{"service"})

	registry.MustRegister(
		e.workflowsStarted,
		e.workflowsCompleted,
		e.activeWorkflows,
		e.serviceErrors,
		e.serviceLatency,
	)
	return e
}

// WorkflowStarted records a new workflow record.
func (e *Exporter) WorkflowStarted() {
	e.workflowsStarted.Inc()
	e.activeWorkflows.Inc()
}

// WorkflowCompleted records a flushed workflow record.
func (e *Exporter) WorkflowCompleted(status string) {
	e.workflowsCompleted.WithLabelValues(status).Inc()
	e.activeWorkflows.Dec()
}

// ServiceError counts one errored service invocation.
func (e *Exporter) ServiceError(service string) {
	e.serviceErrors.WithLabelValues(service).Inc()
}

// ObserveServiceLatency records one task's dispatch-to-completion latency.
func (e *Exporter) ObserveServiceLatency(service string, d time.Duration) {
	e.serviceLatency.WithLabelValues(service).Observe(d.Seconds())
}

// Handler returns the scrape endpoint handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
