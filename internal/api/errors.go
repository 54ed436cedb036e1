package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/taskforge/internal/store"
	"github.com/phrazzld/taskforge/internal/task"
)

// MapErrorToStatusCode maps engine errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, task.ErrValidation),
		errors.Is(err, task.ErrDependencyCycle),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, task.ErrConflict),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrIdempotencyInFlight),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a message that is safe to show to clients.
// Validation and cycle errors describe the caller's own input and are
// returned verbatim.
func GetSafeErrorMessage(err error) string {
	var (
		validationErr *task.ValidationError
		cycleErr      *task.DependencyCycleError
		conflictErr   *task.ConflictError
	)
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.As(err, &validationErr):
		return validationErr.Error()
	case errors.As(err, &cycleErr):
		return cycleErr.Error()
	case errors.As(err, &conflictErr):
		return conflictErr.Error()
	case errors.Is(err, task.ErrIdempotencyInFlight):
		return "A submission with this idempotency key is still in progress"
	case errors.Is(err, task.ErrInvalidTransition):
		return "Task is not in a state that allows this action"
	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrOperationNotFound):
		return "Operation not found"
	case errors.Is(err, store.ErrNotFound):
		return "Resource not found"
	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"
	default:
		return "An unexpected error occurred"
	}
}
