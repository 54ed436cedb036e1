package store

import (
	"errors"
	"fmt"
)

// Sentinel errors wrapped by every store implementation.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("already exists")
	ErrInvalidEntity     = errors.New("invalid entity")
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrTaskNotFound and ErrOperationNotFound narrow ErrNotFound; both
	// still match it with errors.Is.
	ErrTaskNotFound      = fmt.Errorf("task %w", ErrNotFound)
	ErrOperationNotFound = fmt.Errorf("operation %w", ErrNotFound)

	// ErrIdempotencyKeyTaken narrows ErrDuplicate: another operation already
	// holds the idempotency key.
	ErrIdempotencyKeyTaken = fmt.Errorf("idempotency key %w", ErrDuplicate)
)

// IsNotFoundError reports whether err wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError reports whether err wraps ErrDuplicate. Stores return it
// when a second follow-up is created for the same parent and trigger.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
