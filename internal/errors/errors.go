// Package errors provides the error taxonomy shared by the sync layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode identifies a class of failure that callers can branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Storage errors
	ErrStorage              ErrorCode = "STORAGE_ERROR"
	ErrStorageQuotaExceeded ErrorCode = "STORAGE_QUOTA_EXCEEDED"

	// Network errors
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrOffline            ErrorCode = "OFFLINE"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrAuthRequired       ErrorCode = "AUTH_REQUIRED"
	ErrMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"

	// Sync errors
	ErrRemoteConflict ErrorCode = "REMOTE_CONFLICT"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// RetryAfter is set for ErrRateLimited.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
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

// RateLimited builds an ErrRateLimited error carrying the server's retry hint.
func RateLimited(retryAfter time.Duration, err error) *AppError {
	return &AppError{
		Code:       ErrRateLimited,
		Message:    "remote rate limit in effect",
		Err:        err,
		RetryAfter: retryAfter,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// RetryAfterOf returns the retry hint of a rate-limit error in err's chain.
func RetryAfterOf(err error) (time.Duration, bool) {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return 0, false
		}
		if appErr.Code == ErrRateLimited {
			return appErr.RetryAfter, true
		}
		err = appErr.Err
	}
	return 0, false
}
