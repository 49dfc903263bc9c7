package telemetry

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics definitions, labelled by project. They are exposed on the
// operator-facing Prometheus endpoint; no execute.status event is built
// from them.
var (
	ActiveSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opensprint_active_slots",
		Help: "Number of occupied scheduler slots.",
	}, []string{"project"})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opensprint_queue_depth",
		Help: "Number of ready-but-unstarted tasks.",
	}, []string{"project"})
	TasksDoneTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_tasks_done_total",
		Help: "Total tasks that reached kanban=done.",
	}, []string{"project"})
	TasksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_tasks_failed_total",
		Help: "Total tasks that were blocked by retry exhaustion or a failed merge.",
	}, []string{"project"})
	TasksBlockedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opensprint_tasks_blocked",
		Help: "Current number of blocked tasks awaiting intervention.",
	}, []string{"project"})

	AgentInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_agent_invocations_total",
		Help: "Total agent child-process invocations, by phase and outcome.",
	}, []string{"project", "phase", "outcome"})
	AgentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opensprint_agent_duration_seconds",
		Help:    "Wall-clock duration of agent invocations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"project", "phase"})

	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_retry_attempts_total",
		Help: "Total retry attempts issued by the Retry Engine.",
	}, []string{"project"})
	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_escalations_total",
		Help: "Total times the Retry Engine escalated to a stronger model.",
	}, []string{"project", "from_model", "to_model"})

	MergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_merges_total",
		Help: "Total merge attempts, by result.",
	}, []string{"project", "result"})
	MergeConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_merge_conflicts_total",
		Help: "Total merges that required the merger agent.",
	}, []string{"project"})

	FileScopeConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_file_scope_conflicts_total",
		Help: "Total times scheduling deferred a task due to file-scope overlap.",
	}, []string{"project"})
	HILRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_hil_requests_total",
		Help: "Total human-in-the-loop events emitted.",
	}, []string{"project", "category"})

	EventBusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_eventbus_dropped_total",
		Help: "Total events dropped because a subscriber's channel was full.",
	}, []string{"topic"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opensprint_errors_total",
		Help: "Total internal errors by type.",
	}, []string{"project", "type"})
)

var (
	metricsOnce    sync.Once
	metricsMu      sync.Mutex
	metricsRunning bool
)

// StartMetricsServer starts an HTTP server exposing the Prometheus
// /metrics endpoint, trying up to 10 consecutive ports if basePort is busy.
func StartMetricsServer(basePort int) error {
	metricsMu.Lock()
	if metricsRunning {
		metricsMu.Unlock()
		return nil
	}
	metricsRunning = true
	metricsMu.Unlock()

	metricsOnce.Do(func() {
		http.Handle("/metrics", promhttp.Handler())
	})

	var listener net.Listener
	var err error
	for i := 0; i < 10; i++ {
		port := basePort + i
		addr := ":" + strconv.Itoa(port)
		listener, err = net.Listen("tcp", addr)
		if err == nil {
			fmt.Fprintf(os.Stderr, "Starting metrics server on %s\n", addr)
			return http.Serve(listener, nil)
		}
	}

	metricsMu.Lock()
	metricsRunning = false
	metricsMu.Unlock()
	return fmt.Errorf("failed to find available port starting from %d: %w", basePort, err)
}

func TrackAgentInvocation(project, phase, outcome string) {
	AgentInvocationsTotal.WithLabelValues(project, phase, outcome).Inc()
}

func ObserveAgentDuration(project, phase string, seconds float64) {
	AgentDuration.WithLabelValues(project, phase).Observe(seconds)
}

func SetActiveSlots(project string, count int) {
	ActiveSlots.WithLabelValues(project).Set(float64(count))
}

func SetQueueDepth(project string, count int) {
	QueueDepth.WithLabelValues(project).Set(float64(count))
}

func TrackTaskDone(project string) {
	TasksDoneTotal.WithLabelValues(project).Inc()
}

func TrackTaskFailed(project string) {
	TasksFailedTotal.WithLabelValues(project).Inc()
}

func SetTasksBlocked(project string, count int) {
	TasksBlockedGauge.WithLabelValues(project).Set(float64(count))
}

func TrackRetryAttempt(project string) {
	RetryAttemptsTotal.WithLabelValues(project).Inc()
}

func TrackEscalation(project, fromModel, toModel string) {
	EscalationsTotal.WithLabelValues(project, fromModel, toModel).Inc()
}

func TrackMerge(project, result string) {
	MergesTotal.WithLabelValues(project, result).Inc()
}

func TrackMergeConflict(project string) {
	MergeConflictsTotal.WithLabelValues(project).Inc()
}

func TrackFileScopeConflict(project string) {
	FileScopeConflictsTotal.WithLabelValues(project).Inc()
}

func TrackHILRequest(project, category string) {
	HILRequestsTotal.WithLabelValues(project, category).Inc()
}

func TrackEventDropped(topic string) {
	EventBusDroppedTotal.WithLabelValues(topic).Inc()
}

func TrackError(project, errType string) {
	ErrorsTotal.WithLabelValues(project, errType).Inc()
}
