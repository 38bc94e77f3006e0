// Package errors provides error code definitions shared across the outbox core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a failure class that callers can branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Store errors
	ErrStore             ErrorCode = "STORE_ERROR"
	ErrOperationNotFound ErrorCode = "OPERATION_NOT_FOUND"
	ErrDuplicate         ErrorCode = "DUPLICATE_OPERATION"

	// Write failure taxonomy
	ErrTransient ErrorCode = "TRANSIENT_FAILURE"
	ErrConflict  ErrorCode = "WRITE_CONFLICT"
	ErrTerminal  ErrorCode = "TERMINAL_FAILURE"

	// Resolution errors
	ErrMergeUnavailable  ErrorCode = "MERGE_UNAVAILABLE"
	ErrConflictNotFound  ErrorCode = "CONFLICT_NOT_FOUND"
	ErrResolutionPending ErrorCode = "RESOLUTION_PENDING"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
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

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or ErrInternal for plain errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
