package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened.
type Kind string

// Event kinds emitted by the engine.
const (
	KindOperationSubmitted Kind = "operation.submitted"
	KindOperationCancelled Kind = "operation.cancelled"
	KindTaskTransition     Kind = "task.transition"
	KindTaskDispatched     Kind = "task.dispatched"
	KindTaskSpawned        Kind = "task.spawned"
)

// TaskEvent records a single lifecycle change. Status fields carry the string
// form of the task status so this package stays independent of the task package.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	Kind        Kind      `json:"kind"`
	OperationID uuid.UUID `json:"operation_id"`
	TaskID      uuid.UUID `json:"task_id,omitempty"`
	TaskType    string    `json:"task_type,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Attempt     int       `json:"attempt"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Error       string    `json:"error,omitempty"`

	// OccurredAt is when the change was committed to the store
	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskEvent creates a TaskEvent with a fresh ID.
func NewTaskEvent(kind Kind, operationID, taskID uuid.UUID, at time.Time) *TaskEvent {
	return &TaskEvent{
		ID:          uuid.New(),
		Kind:        kind,
		OperationID: operationID,
		TaskID:      taskID,
		OccurredAt:  at,
	}
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}

// NopEmitter discards every event.
type NopEmitter struct{}

// EmitEvent implements EventEmitter.
func (NopEmitter) EmitEvent(context.Context, *TaskEvent) error { return nil }
