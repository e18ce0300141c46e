package engine

import (
	"errors"
	"fmt"
)

// Code classifies engine failures so the HTTP boundary can map them to
// distinct status codes and stable machine-readable messages.
type Code string

const (
	CodeNotFound      Code = "not_found"
	CodeInvalidState  Code = "invalid_state"
	CodeLimitExceeded Code = "limit_exceeded"
	CodeValidation    Code = "validation"
	CodeInternal      Code = "internal"
)

// Error carries a classification code alongside a client-facing message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NotFoundf builds a not_found error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidStatef builds an invalid_state error.
func InvalidStatef(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// LimitExceededf builds a limit_exceeded error.
func LimitExceededf(format string, args ...any) *Error {
	return &Error{Code: CodeLimitExceeded, Message: fmt.Sprintf(format, args...)}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure. The cause is logged server-side and
// never surfaced to callers.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// CodeOf extracts the classification of err, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the client-facing message of err. Internal causes are
// replaced by a generic message.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Code == CodeInternal {
			return "internal error"
		}
		return e.Message
	}
	return "internal error"
}
