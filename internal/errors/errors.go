// Package errors provides error code definitions for the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers and the UI.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrNetwork         ErrorCode = "NETWORK_ERROR"
	ErrAuth            ErrorCode = "AUTH_FAILED"
	ErrVersionConflict ErrorCode = "VERSION_CONFLICT"
	ErrIntegrity       ErrorCode = "INTEGRITY_ERROR"
	ErrQueueCorrupted  ErrorCode = "QUEUE_CORRUPTED"
	ErrMaxRetries      ErrorCode = "MAX_RETRIES_EXCEEDED"
	ErrCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	ErrSyncFailed      ErrorCode = "SYNC_FAILED"
	ErrQueueFull       ErrorCode = "QUEUE_FULL"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	SyncID  string // originating record, when known
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithSyncID attaches the originating record's sync ID to the error.
func (e *AppError) WithSyncID(syncID string) *AppError {
	e.SyncID = syncID
	return e
}

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the error code from an error chain. Unclassified errors
// report ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// SyncIDOf extracts the originating sync ID from an error chain, if any.
func SyncIDOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.SyncID
	}
	return ""
}

// Retryable reports whether the error is transient and worth retrying.
// Version conflicts go through the conflict resolver, validation and
// integrity failures are terminal, and corruption triggers the snapshot
// fallback chain; none of those are retried. Auth failures get a single
// retry after a credential refresh inside the retry coordinator and are
// terminal past that, so they are not blanket-retryable here.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetwork, ErrDatabase:
		return true
	default:
		return false
	}
}
