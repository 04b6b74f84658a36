package stockd

import (
	"errors"
	"fmt"
)

// Sentinel errors for the purchase/inventory error taxonomy.
// Callers match on kind with errors.Is, never on message text.
var (
	// Client errors (no retry)
	ErrProductNotFound   = errors.New("product not found")
	ErrProductExists     = errors.New("product already exists")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUserExists        = errors.New("user already exists")

	// Transient errors (client may retry with backoff)
	ErrLockAcquisition    = errors.New("failed to acquire lock")
	ErrConcurrentCreation = errors.New("concurrent product creation in progress")

	// Lock primitive errors
	ErrLockHeld     = errors.New("lock already held by another process")
	ErrLockNotFound = errors.New("lock not found")

	// Infrastructure errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrQuorumNotReached   = errors.New("quorum not reached")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Common error checking helpers

// IsNotFound checks if an error is a "product not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound)
}

// IsConflict checks if an error maps to an HTTP 409 at the edge:
// duplicate creation, contended creation, or lock exhaustion.
func IsConflict(err error) bool {
	return errors.Is(err, ErrProductExists) ||
		errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrConcurrentCreation) ||
		errors.Is(err, ErrLockAcquisition)
}

// IsRetryable checks if an error is safe for the client to retry with backoff
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockAcquisition) ||
		errors.Is(err, ErrConcurrentCreation) ||
		errors.Is(err, ErrQuorumNotReached) ||
		errors.Is(err, ErrBackendUnavailable)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrProductExists) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrInvalidConfig)
}
