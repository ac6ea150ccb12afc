// Package apperr defines the error taxonomy surfaced by the session engine.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an engine error.
type Code string

const (
	// CodeNotFound: the tenant (or session) is unknown.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict: a report did not match the live session and was queued.
	CodeConflict Code = "CONFLICT"
	// CodeStale: a report fell outside the retention window and was dropped.
	CodeStale Code = "STALE"
	// CodePersistenceUnavailable: the durable store could not be reached.
	CodePersistenceUnavailable Code = "PERSISTENCE_UNAVAILABLE"
	// CodeInvalid: the request is malformed.
	CodeInvalid Code = "INVALID"
)

// Error is a coded engine error.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any *Error with the same code, so errors.Is(err, apperr.New(CodeNotFound, ""))
// and the sentinels below work across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrConflict               = &Error{Code: CodeConflict}
	ErrStale                  = &Error{Code: CodeStale}
	ErrPersistenceUnavailable = &Error{Code: CodePersistenceUnavailable}
	ErrInvalid                = &Error{Code: CodeInvalid}
)

// New creates an error with the given code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to cause. A nil cause returns nil.
func Wrap(code Code, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NotFound is shorthand for New(CodeNotFound, ...).
func NotFound(format string, args ...interface{}) *Error {
	return New(CodeNotFound, format, args...)
}

// Invalid is shorthand for New(CodeInvalid, ...).
func Invalid(format string, args ...interface{}) *Error {
	return New(CodeInvalid, format, args...)
}

// Persistence wraps a store failure. Errors that already carry a code are
// returned unchanged.
func Persistence(cause error, op string) error {
	if cause == nil {
		return nil
	}
	var coded *Error
	if errors.As(cause, &coded) {
		return cause
	}
	return &Error{Code: CodePersistenceUnavailable, Message: op, Cause: cause}
}

// CodeOf returns the code carried by err, or "" when err is not coded.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
