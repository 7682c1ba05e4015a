package dicomindex

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Validation errors (user-fixable)
	ErrTagValidation = errors.New("extended query tag validation failed")
	ErrInvalidData   = errors.New("invalid data format")
	ErrInvalidConfig = errors.New("invalid configuration")

	// Conflict errors (user-fixable by retrying with different input)
	ErrTagAlreadyExists       = errors.New("extended query tag already exists")
	ErrExceedsMaxAllowedCount = errors.New("extended query tag count exceeds maximum allowed")
	ErrTagBusy                = errors.New("extended query tag is being indexed")

	// Lookup errors
	ErrTagNotFound       = errors.New("extended query tag not found")
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrOperationNotFound = errors.New("reindex operation not found")

	// Configuration-gated
	ErrFeatureDisabled = errors.New("extended query tags feature is disabled")

	// Deployment/ops errors (not user-fixable)
	ErrSchemaVersionUnsupported = errors.New("store schema version is not supported by this process")

	// Store errors
	ErrStoreFailure     = errors.New("store operation failed")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrTimeout          = errors.New("operation timed out")

	// Workflow errors
	ErrWorkflowFailure = errors.New("reindex workflow failed")

	// Lock errors
	ErrLockHeld     = errors.New("lock already held by another process")
	ErrLockTimeout  = errors.New("failed to acquire lock within timeout")
	ErrLockReleased = errors.New("lock was already released")
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

// ValidationError reports every offending entry of an add-tags request,
// not just the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %d problem(s): %v", ErrTagValidation, len(e.Problems), e.Problems)
}

func (e *ValidationError) Unwrap() error {
	return ErrTagValidation
}

// storeFailure wraps a low-level store error so callers outside the core
// never need to interpret driver-specific error codes.
func storeFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return WithContext(fmt.Errorf("%w: %s: %v", ErrStoreFailure, op, err), map[string]interface{}{
		"operation": op,
	})
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTagNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrOperationNotFound)
}

// IsValidation checks if an error is user-fixable input validation
func IsValidation(err error) bool {
	return errors.Is(err, ErrTagValidation) || errors.Is(err, ErrInvalidData)
}

// IsConflict checks if an error is a conflict with existing state
func IsConflict(err error) bool {
	return errors.Is(err, ErrTagAlreadyExists) ||
		errors.Is(err, ErrExceedsMaxAllowedCount) ||
		errors.Is(err, ErrTagBusy)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockTimeout)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return IsNotFound(err) ||
		IsValidation(err) ||
		IsConflict(err) ||
		errors.Is(err, ErrFeatureDisabled) ||
		errors.Is(err, ErrSchemaVersionUnsupported) ||
		errors.Is(err, ErrInvalidConfig)
}
