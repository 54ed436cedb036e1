package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Store is the single source of truth for task and operation state. Every
// status change goes through CompareAndSetStatus so that concurrent
// dispatchers, workers and resolvers agree on a single winner.
//
// Implementations return store.ErrTaskNotFound and store.ErrOperationNotFound
// for missing rows, store.ErrDuplicate when a follow-up for the same parent
// and trigger already exists, and store.ErrIdempotencyKeyTaken when another
// operation already holds a batch's idempotency key.
type Store interface {
	// CreateBatch persists an operation and all of its tasks atomically.
	CreateBatch(ctx context.Context, op *Operation, tasks []*Task) error

	// Create persists a single task into an existing operation.
	Create(ctx context.Context, t *Task) error

	// Get returns a snapshot of the task.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// CompareAndSetStatus moves the task from expected to next and applies the
	// transition options, only if the task is currently in expected (and, with
	// ExpectClaimant, owned by that worker). It reports whether the swap
	// happened. Transitions the lifecycle forbids return ErrInvalidTransition.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next Status, opts ...TransitionOption) (bool, error)

	// ListByStatus returns tasks in the given status ordered by ScheduledAt
	// then submission order. A non-positive limit returns all of them.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Task, error)

	// ListDependents returns the ids of tasks that declare id as a dependency.
	ListDependents(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)

	// ListByOperation returns every task of an operation in submission order,
	// follow-ups included.
	ListByOperation(ctx context.Context, operationID uuid.UUID) ([]*Task, error)

	// GetOperation returns the operation record.
	GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error)

	// GetOperationByIdempotencyKey returns the operation created with key.
	// Keys are unique among operations and never expire in the store.
	GetOperationByIdempotencyKey(ctx context.Context, key string) (*Operation, error)

	// CancelOperation marks the operation cancelled. Cancelling twice is not
	// an error.
	CancelOperation(ctx context.Context, id uuid.UUID) error
}

// Transition carries the field updates applied together with a status swap.
// Nil fields are left unchanged.
type Transition struct {
	ClaimedBy      *string
	ExpectClaimant *string
	AttemptCount   *int
	ScheduledAt    *time.Time
	Result         json.RawMessage
	Error          *string
	At             time.Time
}

// TransitionOption configures a Transition.
type TransitionOption func(*Transition)

// NewTransition applies opts to an empty Transition.
func NewTransition(opts ...TransitionOption) Transition {
	var tr Transition
	for _, opt := range opts {
		opt(&tr)
	}
	return tr
}

// WithClaimant records the worker that now owns the task.
func WithClaimant(workerID string) TransitionOption {
	return func(tr *Transition) { tr.ClaimedBy = &workerID }
}

// ClearClaimant releases ownership.
func ClearClaimant() TransitionOption {
	empty := ""
	return func(tr *Transition) { tr.ClaimedBy = &empty }
}

// ExpectClaimant additionally requires the task to be owned by workerID.
func ExpectClaimant(workerID string) TransitionOption {
	return func(tr *Transition) { tr.ExpectClaimant = &workerID }
}

// WithAttemptCount sets the attempt counter.
func WithAttemptCount(n int) TransitionOption {
	return func(tr *Transition) { tr.AttemptCount = &n }
}

// WithScheduledAt sets the earliest time the task may be dispatched.
func WithScheduledAt(at time.Time) TransitionOption {
	return func(tr *Transition) { tr.ScheduledAt = &at }
}

// WithResult stores the handler result.
func WithResult(result json.RawMessage) TransitionOption {
	return func(tr *Transition) { tr.Result = result }
}

// WithError records the last error message. An empty message clears it.
func WithError(msg string) TransitionOption {
	return func(tr *Transition) { tr.Error = &msg }
}

// At stamps UpdatedAt. Stores use their own clock when it is zero.
func At(t time.Time) TransitionOption {
	return func(tr *Transition) { tr.At = t }
}
