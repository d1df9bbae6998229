// Package errors provides structured error types for osfexport.
//
// Every failure that crosses a package boundary carries a [Code] that tells
// the caller how far it should propagate:
//
//   - AUTHORIZATION: fatal to the whole export, never retried
//   - RETRIEVAL: fatal to the subtree or resource it concerns
//   - THROTTLED: transient, retried with backoff before becoming RETRIEVAL
//   - VALIDATION: malformed field data, recovered by defaulting
//   - RENDER: scoped to one section or page, recovered with a placeholder
//
// # Usage
//
//	err := errors.New(errors.ErrCodeAuthorization, "credential rejected")
//	if errors.Is(err, errors.ErrCodeAuthorization) {
//	    // abort the run
//	}
//
//	err := errors.Wrap(errors.ErrCodeRetrieval, origErr, "list children of %s", id)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	ErrCodeAuthorization Code = "AUTHORIZATION"
	ErrCodeRetrieval     Code = "RETRIEVAL"
	ErrCodeThrottled     Code = "THROTTLED"
	ErrCodeValidation    Code = "VALIDATION"
	ErrCodeRender        Code = "RENDER"

	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeInternal     Code = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether any error in err's chain carries the given code.
// Unlike a plain errors.As, it keeps unwrapping past outer coded errors, so a
// RETRIEVAL error caused by THROTTLED answers true for both codes.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// GetCode extracts the outermost error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Fatal reports whether err must abort the entire export.
func Fatal(err error) bool {
	return Is(err, ErrCodeAuthorization)
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Cause != nil {
			return e.Message + ": " + UserMessage(e.Cause)
		}
		return e.Message
	}
	return err.Error()
}

// RateLimitedError carries the server's Retry-After hint for a 429 response.
type RateLimitedError struct {
	RetryAfter int // Seconds to wait before retrying
	Message    string
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %d seconds", e.RetryAfter)
	}
	return "rate limited"
}

// Code returns the error code for this error type.
func (e *RateLimitedError) Code() Code {
	return ErrCodeThrottled
}

// Throttled wraps a rate-limit response as a THROTTLED error.
func Throttled(retryAfter int, format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeThrottled,
		Message: fmt.Sprintf(format, args...),
		Cause:   &RateLimitedError{RetryAfter: retryAfter},
	}
}

// RetryAfter returns the Retry-After hint carried in err's chain, in seconds.
func RetryAfter(err error) int {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
