package task

import "time"

// Metrics receives counters and timings from the engine and worker pool.
// The Prometheus implementation lives in internal/platform/metrics.
type Metrics interface {
	TaskSubmitted(taskType string)
	TaskDispatched(taskType string, waited time.Duration)
	TaskRetried(taskType string)
	TaskFinished(taskType string, status Status)
	HandlerCompleted(taskType string, outcome OutcomeKind, took time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) TaskSubmitted(string)                                {}
func (NopMetrics) TaskDispatched(string, time.Duration)                {}
func (NopMetrics) TaskRetried(string)                                  {}
func (NopMetrics) TaskFinished(string, Status)                         {}
func (NopMetrics) HandlerCompleted(string, OutcomeKind, time.Duration) {}
