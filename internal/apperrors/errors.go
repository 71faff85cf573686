// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrBackend       = errors.New("backend error")
	ErrIndeterminate = errors.New("indeterminate state")
	ErrInternal      = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Field      string // For validation errors (e.g., "inputs", "proc")
	Resource   string // For not found/conflict (e.g., "job", "process")
	Op         string // Operation that failed (e.g., "pbs.qsub")
	Diagnostic string // Raw platform output for backend errors
	Retryable  bool   // Caller may retry the same request
	Cause      error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// NotFoundReason creates a not found error with a custom message.
func NotFoundReason(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// RetryableConflict creates a conflict the caller may resolve by retrying.
func RetryableConflict(resource, id, reason string) error {
	return &Error{
		Sentinel:  ErrConflict,
		Message:   reason,
		Resource:  resource,
		Retryable: true,
	}
}

// Backend creates an error for a failed backend call.
// The diagnostic is the platform's own output (stderr, API message).
func Backend(op, diagnostic string, cause error) error {
	msg := op + ": " + diagnostic
	if diagnostic == "" && cause != nil {
		msg = fmt.Sprintf("%s: %v", op, cause)
	}
	return &Error{
		Sentinel:   ErrBackend,
		Message:    msg,
		Op:         op,
		Diagnostic: diagnostic,
		Cause:      cause,
	}
}

// Indeterminate creates an error for a platform state with no canonical mapping.
func Indeterminate(resource, id, state string) error {
	return &Error{
		Sentinel:   ErrIndeterminate,
		Message:    fmt.Sprintf("%s %s reported unmapped state %q", resource, id, state),
		Resource:   resource,
		Diagnostic: state,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// IsRetryable reports whether err was marked retryable.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Diagnostic returns the platform diagnostic carried by err, or its message.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Diagnostic != "" {
		return appErr.Diagnostic
	}
	return err.Error()
}
