// Package metrics exports task engine counters and timings to Prometheus.
package metrics

import (
	"time"

	"github.com/phrazzld/taskforge/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskforge"

// Recorder implements task.Metrics on a Prometheus registry.
type Recorder struct {
	submitted      *prometheus.CounterVec
	dispatched     *prometheus.CounterVec
	dispatchWait   *prometheus.HistogramVec
	retried        *prometheus.CounterVec
	finished       *prometheus.CounterVec
	handlerLatency *prometheus.HistogramVec
}

var _ task.Metrics = (*Recorder)(nil)

// NewRecorder registers the task metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		submitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by submission, follow-ups included.",
		}, []string{"type"}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Tasks claimed by a worker.",
		}, []string{"type"}),
		dispatchWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_dispatch_wait_seconds",
			Help:      "Time from a task becoming due to being claimed.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		retried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Transient failures scheduled for another attempt.",
		}, []string{"type"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"type", "status"}),
		handlerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "outcome"}),
	}
}

// TaskSubmitted implements task.Metrics.
func (r *Recorder) TaskSubmitted(taskType string) {
	r.submitted.WithLabelValues(taskType).Inc()
}

// TaskDispatched implements task.Metrics.
func (r *Recorder) TaskDispatched(taskType string, waited time.Duration) {
	r.dispatched.WithLabelValues(taskType).Inc()
	if waited < 0 {
		waited = 0
	}
	r.dispatchWait.WithLabelValues(taskType).Observe(waited.Seconds())
}

// TaskRetried implements task.Metrics.
func (r *Recorder) TaskRetried(taskType string) {
	r.retried.WithLabelValues(taskType).Inc()
}

// TaskFinished implements task.Metrics.
func (r *Recorder) TaskFinished(taskType string, status task.Status) {
	r.finished.WithLabelValues(taskType, string(status)).Inc()
}

// HandlerCompleted implements task.Metrics.
func (r *Recorder) HandlerCompleted(taskType string, outcome task.OutcomeKind, took time.Duration) {
	r.handlerLatency.WithLabelValues(taskType, string(outcome)).Observe(took.Seconds())
}
