package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Common task errors
var (
	// ErrValidation is the base error for rejected batches. Use errors.As with
	// *ValidationError for field details.
	ErrValidation = errors.New("validation failed")

	// ErrDependencyCycle is returned when a batch's dependency graph has a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrConflict is returned when a state transition loses a race or a worker
	// reports an outcome for a task it does not own.
	ErrConflict = errors.New("task state conflict")

	// ErrInvalidTransition is returned when a caller requests a transition the
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTransientFailure marks handler errors that should be retried.
	ErrTransientFailure = errors.New("transient failure")

	// ErrPermanentFailure marks handler errors that must not be retried.
	ErrPermanentFailure = errors.New("permanent failure")

	// ErrRetryExhausted is recorded on tasks that moved to dead.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrUnknownTaskType is returned when no handler is registered for a type.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrDependencyFailed is recorded on tasks whose dependency did not succeed.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrOperationCancelled is recorded on tasks skipped after cancellation.
	ErrOperationCancelled = errors.New("operation cancelled")

	// ErrIdempotencyInFlight is returned when a submission with the same key is
	// still being processed after the wait deadline.
	ErrIdempotencyInFlight = errors.New("submission with this idempotency key is in flight")

	// ErrExecutionTimeout is reported when a handler exceeds its deadline.
	ErrExecutionTimeout = errors.New("task execution timed out")

	// ErrClaimExpired is reported when a claim was held past the stale age.
	ErrClaimExpired = errors.New("task claim expired")

	// ErrHandlerPanic is reported when a handler panics.
	ErrHandlerPanic = errors.New("task handler panicked")
)

// ValidationError describes why a batch was rejected.
type ValidationError struct {
	Index   int    // position of the offending spec, -1 for the whole batch
	Field   string // field name
	Message string // human readable reason
}

// NewValidationError creates a ValidationError.
func NewValidationError(index int, field, message string) *ValidationError {
	return &ValidationError{Index: index, Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid tasks[%d].%s: %s", e.Index, e.Field, e.Message)
}

// Unwrap makes errors.Is(err, ErrValidation) work.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// DependencyCycleError lists the refs that participate in, or depend on, a
// cycle.
type DependencyCycleError struct {
	Refs []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle among tasks: %s", strings.Join(e.Refs, ", "))
}

// Unwrap makes errors.Is(err, ErrDependencyCycle) work.
func (e *DependencyCycleError) Unwrap() error {
	return ErrDependencyCycle
}

// ConflictError reports a lost race or an ownership mismatch for a task.
type ConflictError struct {
	TaskID uuid.UUID
	Status Status
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s in status %s: %s", e.TaskID, e.Status, e.Reason)
}

// Unwrap makes errors.Is(err, ErrConflict) work.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// classifiedError tags a handler error as transient or permanent while
// keeping the original error reachable.
type classifiedError struct {
	kind error
	err  error
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// Transient marks err as retryable. Unclassified handler errors are treated as
// transient too.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: ErrTransientFailure, err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: ErrPermanentFailure, err: err}
}

// OutcomeFor converts a handler's return values into an Outcome.
func OutcomeFor(result []byte, err error) Outcome {
	switch {
	case err == nil:
		return Success(result)
	case errors.Is(err, ErrPermanentFailure):
		return PermanentFailure(err)
	default:
		return TransientFailure(err)
	}
}
