// Package store provides standardized error types for storage operations.
package store

import (
	"errors"
	"fmt"
)

// Standard storage error types that all implementations should use.
var (
	// ErrIdempotencyRecordNotFound indicates no record exists for the given key,
	// or the record's business-defined TTL has passed.
	ErrIdempotencyRecordNotFound = errors.New("idempotency record not found")

	// ErrOperationRecordNotFound indicates an operation was not found by the given ID.
	ErrOperationRecordNotFound = errors.New("operation record not found")

	// ErrSagaNotFound indicates a saga was not found by the given ID.
	ErrSagaNotFound = errors.New("saga not found")

	// ErrStoreUnavailable indicates the backend could not be reached. Surfaced
	// distinctly so callers can choose fail-open vs fail-closed.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StoreError wraps storage errors with operation and key context.
type StoreError struct {
	Op  string // Operation being performed (e.g., "SaveSaga", "AcquireLock")
	Key string // Record key or lock key if applicable
	Err error  // Underlying error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %q: %v", e.Op, e.Key, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new storage error with context.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}

// IsNotFound checks if an error indicates any record type was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrIdempotencyRecordNotFound) ||
		errors.Is(err, ErrOperationRecordNotFound) ||
		errors.Is(err, ErrSagaNotFound)
}

// IsUnavailable checks if an error indicates the backend could not be reached.
// Callers use this to pick fail-open or fail-closed behavior.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
