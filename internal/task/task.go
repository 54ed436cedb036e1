package task

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

// Task status constants
const (
	// StatusPending marks a task that is waiting for its ScheduledAt time,
	// either because it was submitted for later or because it is backing off
	// before a retry.
	StatusPending Status = "pending"

	// StatusBlocked marks a task whose dependencies have not all succeeded.
	StatusBlocked Status = "blocked"

	// StatusReady marks a task that may be claimed by a worker.
	StatusReady Status = "ready"

	// StatusClaimed marks a task that a worker has claimed but not yet started.
	StatusClaimed Status = "claimed"

	// StatusRunning marks a task whose handler is executing.
	StatusRunning Status = "running"

	// StatusSucceeded is terminal.
	StatusSucceeded Status = "succeeded"

	// StatusFailed is terminal: permanent failure, unmet dependency,
	// unknown task type or cancelled operation.
	StatusFailed Status = "failed"

	// StatusDead is terminal: transient failures exhausted MaxAttempts.
	StatusDead Status = "dead"
)

// allowedTransitions is the complete lifecycle graph. Terminal states have no
// outgoing edges.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusReady},
	StatusBlocked: {StatusReady, StatusFailed},
	StatusReady:   {StatusClaimed, StatusFailed},
	StatusClaimed: {StatusRunning, StatusSucceeded, StatusFailed, StatusPending, StatusDead},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusPending, StatusDead},
}

// CanTransition reports whether the lifecycle permits moving from one status
// to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// IsTerminal reports whether s is succeeded, failed or dead.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// IsFailure reports whether s is a terminal non-success state.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusDead
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusBlocked, StatusReady, StatusClaimed,
		StatusRunning, StatusSucceeded, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// Trigger names the parent outcome that spawned a follow-up task.
type Trigger string

// Follow-up triggers
const (
	TriggerOnSuccess Trigger = "on_success"
	TriggerOnFailure Trigger = "on_failure"
)

// Template describes a follow-up task spawned when its parent reaches a
// terminal state.
type Template struct {
	Type        string          `json:"type" validate:"required,max=128"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty" validate:"gte=0,lte=100"`
}

// Task is a persisted unit of work. Values returned by a Store are snapshots;
// mutating them has no effect on stored state.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	OperationID    uuid.UUID       `json:"operation_id"`
	Ref            string          `json:"ref"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         Status          `json:"status"`
	DependsOn      []uuid.UUID     `json:"depends_on,omitempty"`
	OnSuccess      *Template       `json:"on_success,omitempty"`
	OnFailure      *Template       `json:"on_failure,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ParentID       uuid.UUID       `json:"parent_id,omitempty"`
	Trigger        Trigger         `json:"trigger,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	Sequence       int64           `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
}

// IsFollowUp reports whether the task was spawned by a parent's outcome.
func (t *Task) IsFollowUp() bool {
	return t.ParentID != uuid.Nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = slices.Clone(t.Payload)
	c.Result = slices.Clone(t.Result)
	c.DependsOn = slices.Clone(t.DependsOn)
	if t.OnSuccess != nil {
		tmpl := *t.OnSuccess
		tmpl.Payload = slices.Clone(t.OnSuccess.Payload)
		c.OnSuccess = &tmpl
	}
	if t.OnFailure != nil {
		tmpl := *t.OnFailure
		tmpl.Payload = slices.Clone(t.OnFailure.Payload)
		c.OnFailure = &tmpl
	}
	return &c
}

// Operation groups the tasks created by one SubmitBatch call.
type Operation struct {
	ID             uuid.UUID `json:"id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Cancelled      bool      `json:"cancelled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TaskSpec is the caller's description of one task in a batch.
//
// DependsOn entries name either another Ref in the same batch or the UUID of
// a task persisted by an earlier submission.
type TaskSpec struct {
	Ref         string          `json:"ref" validate:"omitempty,max=128"`
	Type        string          `json:"type" validate:"required,max=128"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty" validate:"dive,required"`
	OnSuccess   *Template       `json:"on_success,omitempty"`
	OnFailure   *Template       `json:"on_failure,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty" validate:"gte=0,lte=100"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

// AggregateStatus summarises the tasks of an operation.
type AggregateStatus string

// Aggregate statuses
const (
	// AggregatePartial means at least one task is not terminal yet.
	AggregatePartial AggregateStatus = "partial"
	// AggregateComplete means every task succeeded.
	AggregateComplete AggregateStatus = "complete"
	// AggregateFailed means every task is terminal and at least one did not succeed.
	AggregateFailed AggregateStatus = "failed"
	// AggregateCancelled means the operation was cancelled.
	AggregateCancelled AggregateStatus = "cancelled"
)

// TaskState is the externally visible view of a task.
type TaskState struct {
	ID           uuid.UUID       `json:"id"`
	Ref          string          `json:"ref"`
	Type         string          `json:"type"`
	Status       Status          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	ParentID     uuid.UUID       `json:"parent_id,omitempty"`
	Trigger      Trigger         `json:"trigger,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StateOf converts a task into its external view.
func StateOf(t *Task) TaskState {
	return TaskState{
		ID:           t.ID,
		Ref:          t.Ref,
		Type:         t.Type,
		Status:       t.Status,
		AttemptCount: t.AttemptCount,
		MaxAttempts:  t.MaxAttempts,
		ParentID:     t.ParentID,
		Trigger:      t.Trigger,
		Result:       t.Result,
		Error:        t.Error,
		UpdatedAt:    t.UpdatedAt,
	}
}

// OperationStatus is the aggregate view returned by GetOperationStatus.
type OperationStatus struct {
	OperationID uuid.UUID       `json:"operation_id"`
	Status      AggregateStatus `json:"status"`
	Cancelled   bool            `json:"cancelled"`
	Tasks       []TaskState     `json:"tasks"`
}

// OperationResult is returned by SubmitBatch. Replayed is set when the
// idempotency key matched an earlier submission and no new tasks were created.
type OperationResult struct {
	OperationStatus
	Replayed bool `json:"replayed"`
}

// Aggregate derives the operation status from its tasks.
func Aggregate(op *Operation, tasks []*Task) AggregateStatus {
	if op != nil && op.Cancelled {
		return AggregateCancelled
	}
	failed := false
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return AggregatePartial
		}
		if t.Status.IsFailure() {
			failed = true
		}
	}
	if failed {
		return AggregateFailed
	}
	return AggregateComplete
}

// OutcomeKind classifies the result of one execution attempt.
type OutcomeKind string

// Outcome kinds
const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeTransientFailure OutcomeKind = "transient_failure"
	OutcomePermanentFailure OutcomeKind = "permanent_failure"
)

// Outcome is what a worker reports after executing a task.
type Outcome struct {
	Kind   OutcomeKind     `json:"kind" validate:"required,oneof=success transient_failure permanent_failure"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Success builds a success outcome with an optional result payload.
func Success(result json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// TransientFailure builds a retryable failure outcome.
func TransientFailure(err error) Outcome {
	return Outcome{Kind: OutcomeTransientFailure, Error: errorText(err)}
}

// PermanentFailure builds a non-retryable failure outcome.
func PermanentFailure(err error) Outcome {
	return Outcome{Kind: OutcomePermanentFailure, Error: errorText(err)}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
