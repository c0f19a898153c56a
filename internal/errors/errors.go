// Package errors provides coded errors for the journal and maps them to
// process exit codes.
//
// Usage:
//
//	// In components - return typed errors
//	if !info.IsDir() {
//	    return errors.WatchSetupf("watch root %s is not a directory", root)
//	}
//
//	// In the persister - decide whether to retry
//	if errors.IsTransient(err) {
//	    // back off and try again
//	}
//
//	// In main - pick the exit code
//	os.Exit(errors.ExitCode(err))
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
	New    = errors.New
)

// Code represents a machine-readable error code.
type Code string

// Error codes used throughout the application.
const (
	CodeWatchSetup           Code = "WATCH_SETUP"
	CodeWatchRuntime         Code = "WATCH_RUNTIME"
	CodePersistenceTransient Code = "PERSISTENCE_TRANSIENT"
	CodePersistenceFatal     Code = "PERSISTENCE_FATAL"
	CodeValidation           Code = "VALIDATION"
	CodeInternal             Code = "INTERNAL"
)

// Process exit codes.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitValidation       = 2
	ExitWatchSetup       = 3
	ExitPersistenceFatal = 4
	ExitWatchRuntime     = 5
)

// ExitCode returns the process exit code for an error code.
func (c Code) ExitCode() int {
	switch c {
	case CodeValidation:
		return ExitValidation
	case CodeWatchSetup:
		return ExitWatchSetup
	case CodePersistenceFatal, CodePersistenceTransient:
		return ExitPersistenceFatal
	case CodeWatchRuntime:
		return ExitWatchRuntime
	default:
		return ExitFailure
	}
}

// Error is a coded error with a message and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error.
// Matches if target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// ExitCode returns the process exit code for this error.
func (e *Error) ExitCode() int {
	return e.Code.ExitCode()
}

// WithDetails returns a new error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		cause:   e.cause,
	}
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		cause:   err,
	}
}

// Sentinel errors for use with errors.Is().
var (
	ErrWatchSetup           = &Error{Code: CodeWatchSetup, Message: "watch setup failed"}
	ErrWatchRuntime         = &Error{Code: CodeWatchRuntime, Message: "watch failed"}
	ErrPersistenceTransient = &Error{Code: CodePersistenceTransient, Message: "persistence temporarily unavailable"}
	ErrPersistenceFatal     = &Error{Code: CodePersistenceFatal, Message: "persistence failed"}
	ErrValidation           = &Error{Code: CodeValidation, Message: "validation error"}
	ErrInternal             = &Error{Code: CodeInternal, Message: "internal error"}
)

// WatchSetup creates a watch setup error.
func WatchSetup(msg string) *Error {
	return &Error{Code: CodeWatchSetup, Message: msg}
}

// WatchSetupf creates a watch setup error with formatted message.
func WatchSetupf(format string, args ...any) *Error {
	return &Error{Code: CodeWatchSetup, Message: fmt.Sprintf(format, args...)}
}

// WatchRuntime creates a watch runtime error.
func WatchRuntime(msg string) *Error {
	return &Error{Code: CodeWatchRuntime, Message: msg}
}

// WatchRuntimef creates a watch runtime error with formatted message.
func WatchRuntimef(format string, args ...any) *Error {
	return &Error{Code: CodeWatchRuntime, Message: fmt.Sprintf(format, args...)}
}

// PersistenceTransient creates a retryable persistence error.
func PersistenceTransient(msg string) *Error {
	return &Error{Code: CodePersistenceTransient, Message: msg}
}

// PersistenceFatal creates a non-retryable persistence error.
func PersistenceFatal(msg string) *Error {
	return &Error{Code: CodePersistenceFatal, Message: msg}
}

// PersistenceFatalf creates a non-retryable persistence error with formatted message.
func PersistenceFatalf(format string, args ...any) *Error {
	return &Error{Code: CodePersistenceFatal, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// Validationf creates a validation error with formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationWithDetails creates a validation error with details.
func ValidationWithDetails(msg string, details any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

// Internal creates an internal error.
func Internal(msg string) *Error {
	return &Error{Code: CodeInternal, Message: msg}
}

// Internalf creates an internal error with formatted message.
func Internalf(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an error with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// Wrapf wraps an error with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf returns the code of the outermost coded error in err's chain,
// or CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsTransient reports whether err is a retryable persistence failure.
// Only the outermost code counts, so a fatal error wrapping the last
// transient failure is not transient.
func IsTransient(err error) bool {
	return CodeOf(err) == CodePersistenceTransient
}

// ExitCode maps err to a process exit code. A nil error or a plain
// context cancellation is a graceful stop.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return ExitOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.ExitCode()
	}
	return ExitFailure
}
