package storage

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers that branch on failure kind rather
// than message text.
type Code string

// Error codes
const (
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodePermissionDenied   Code = "permission_denied"
	CodeValidation         Code = "validation"
	CodeInvalidField       Code = "invalid_field"
	CodeInvalidValue       Code = "invalid_value"
	CodeConnectionLost     Code = "connection_lost"
	CodeTimeout            Code = "timeout"
	CodeDeletionBlocked    Code = "deletion_blocked"
	CodeAlreadyArchived    Code = "already_archived"
	CodeBulkPartialFailure Code = "bulk_partial_failure"
	CodeTransactionFailed  Code = "transaction_failed" // reserved for adapters; never raised by core
	CodeUnknown            Code = "unknown"
)

// Error is the error shape surfaced to the tool boundary. Context describes
// what was being attempted; Suggestion is an optional remediation hint.
type Error struct {
	Code       Code
	Message    string
	Context    string
	Suggestion string
	Err        error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Context != "" {
		msg = e.Context + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the code from err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsRetryable reports whether err is a connection-class failure the adapter
// may retry. Everything else surfaces immediately.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeConnectionLost, CodeTimeout:
		return true
	}
	return false
}

// Factory helpers. These produce the standard shapes used across the core.

// NotFoundError reports a missing entity.
func NotFoundError(entity, ref string) *Error {
	return &Error{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", entity, ref),
		Suggestion: "verify the identifier and try again",
	}
}

// ValidationError reports bad input.
func ValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// InvalidFieldError reports an unknown field on a known entity.
func InvalidFieldError(field string, accepted []string) *Error {
	return &Error{
		Code:       CodeInvalidField,
		Message:    fmt.Sprintf("unknown field %q", field),
		Suggestion: fmt.Sprintf("accepted fields: %v", accepted),
	}
}

// InvalidValueError reports an unacceptable value for a known field.
func InvalidValueError(field string, err error) *Error {
	return &Error{
		Code:    CodeInvalidValue,
		Message: fmt.Sprintf("invalid value for %q", field),
		Err:     err,
	}
}

// DatabaseError wraps a store failure with the operation being attempted.
func DatabaseError(op string, err error) *Error {
	return &Error{Code: CodeUnknown, Message: "store operation failed", Context: op, Err: err}
}

// ConnectionError reports a connection-class failure; callers may retry.
func ConnectionError(op string, err error) *Error {
	return &Error{
		Code:       CodeConnectionLost,
		Message:    "connection to store lost",
		Context:    op,
		Suggestion: "check the store URL and network, then retry",
		Err:        err,
	}
}

// PermissionError reports an authorization failure.
func PermissionError(op string) *Error {
	return &Error{Code: CodePermissionDenied, Message: "permission denied", Context: op}
}
