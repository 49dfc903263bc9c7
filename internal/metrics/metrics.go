// Package metrics holds the orchestrator's per-instance Prometheus
// registry, distinct from the package-level collectors in
// internal/telemetry: this one is constructed once by cmd/orchestrator and
// passed to the HTTP status surface, while internal/telemetry's are used as
// free functions from deep inside the scheduling and merge code paths.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of process-level Prometheus collectors.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	MemoryUsage         prometheus.Gauge
	GoroutinesCount     prometheus.Gauge

	SlotStatus        *prometheus.GaugeVec
	TasksCompleted    *prometheus.CounterVec
	TasksFailed       *prometheus.CounterVec
	TasksProcessed    prometheus.Counter
	TasksInProgress   prometheus.Gauge
}

// NewMetrics creates and registers every collector against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opensprint_http_requests_total",
			Help: "Total number of HTTP requests to the status surface.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opensprint_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opensprint_process_memory_bytes",
			Help: "Current memory usage in bytes.",
		}),

		GoroutinesCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opensprint_go_goroutines",
			Help: "Number of active goroutines.",
		}),

		SlotStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opensprint_slot_status",
			Help: "Current status of each scheduler slot (1=occupied, 0=free).",
		}, []string{"slot_id", "task_id"}),

		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opensprint_tasks_completed_total",
			Help: "Total tasks that completed, by terminal kanban column.",
		}, []string{"column"}),

		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opensprint_tasks_blocked_total",
			Help: "Total tasks blocked, by reason.",
		}, []string{"reason"}),

		TasksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opensprint_tasks_processed_total",
			Help: "Total tasks that started at least one coding attempt.",
		}),

		TasksInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opensprint_tasks_in_progress",
			Help: "Number of tasks currently in progress.",
		}),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.MemoryUsage,
		m.GoroutinesCount,
		m.SlotStatus,
		m.TasksCompleted,
		m.TasksFailed,
		m.TasksProcessed,
		m.TasksInProgress,
	)

	return m
}

// RequestTrackingMiddleware wraps an http.Handler with request counting and
// latency observation.
func (m *Metrics) RequestTrackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, http.StatusText(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// UpdateSystemMetrics refreshes process-wide gauges; called on a ticker
// from cmd/orchestrator.
func (m *Metrics) UpdateSystemMetrics(memoryBytes uint64, goroutines int) {
	m.MemoryUsage.Set(float64(memoryBytes))
	m.GoroutinesCount.Set(float64(goroutines))
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
