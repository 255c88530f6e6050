package contracts

import (
	"errors"
	"fmt"
)

// ErrorCode is the engine-wide error taxonomy. Every user-visible failure
// carries exactly one code.
type ErrorCode string

const (
	// CodeValidation marks malformed intents or constraints, rejected before
	// they enter the graph.
	CodeValidation ErrorCode = "VALIDATION"
	// CodeConflict marks reservation or idempotency collisions; callers
	// retry with fresh state, never force.
	CodeConflict  ErrorCode = "CONFLICT"
	CodeNotFound  ErrorCode = "NOT_FOUND"
	CodeForbidden ErrorCode = "FORBIDDEN"
	// CodeExpired marks a reservation/acceptance/deposit window that has
	// passed.
	CodeExpired ErrorCode = "EXPIRED"
	// CodeExternalFailure marks a signer/store/verification call failure.
	CodeExternalFailure ErrorCode = "EXTERNAL_FAILURE"
	// CodeFatalInconsistency marks a violated invariant (e.g. a partially
	// reserved cycle found at read time). It halts automatic processing of
	// the affected cycle and is surfaced for operator review, never
	// swallowed.
	CodeFatalInconsistency ErrorCode = "FATAL_INCONSISTENCY"
)

// Error is a coded domain error. It wraps an optional cause for errors.Is/As.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a coded error with a formatted message.
func Errf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to a cause.
func Wrap(code ErrorCode, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code from err, or CodeExternalFailure when the
// error carries none.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeExternalFailure
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
