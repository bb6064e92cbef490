// Package errors provides error code definitions for the NightPress engine.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced to callers and handlers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Component failure taxonomy
	ErrWorker  ErrorCode = "WORKER_ERROR"
	ErrTimer   ErrorCode = "TIMER_ERROR"
	ErrSync    ErrorCode = "SYNC_ERROR"
	ErrStorage ErrorCode = "STORAGE_ERROR"
	ErrMemory  ErrorCode = "MEMORY_ERROR"

	// Timer errors
	ErrMaxTimersExceeded ErrorCode = "MAX_TIMERS_EXCEEDED"
	ErrTimerNotFound     ErrorCode = "TIMER_NOT_FOUND"

	// Sync errors
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncMaxRetries ErrorCode = "SYNC_MAX_RETRIES"
	ErrSyncOffline    ErrorCode = "SYNC_OFFLINE"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"

	// Storage errors
	ErrStorageBudget ErrorCode = "STORAGE_BUDGET_EXCEEDED"
	ErrMigration     ErrorCode = "MIGRATION_FAILED"

	// Coordinator errors
	ErrNotLeader ErrorCode = "NOT_LEADER"
	ErrTransport ErrorCode = "TRANSPORT_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
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

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal for plain errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}
