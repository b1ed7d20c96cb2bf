// Package errors provides coded domain errors shared across services.
//
// Stores return infrastructure sentinels (pkg/platform/sentinel); services
// translate those into coded errors from this package so handlers and
// callers can branch on the code without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error for propagation policy decisions.
type Code string

const (
	// CodeValidation marks malformed or out-of-bounds input. Always
	// recoverable by the caller correcting the input.
	CodeValidation Code = "validation"

	// CodeInvalidInput marks a value that fails parsing at a trust
	// boundary (IDs, identifiers). A narrower form of validation.
	CodeInvalidInput Code = "invalid_input"

	// CodeBadRequest marks a structurally broken request (unparseable
	// body, missing required field) before domain validation runs.
	CodeBadRequest Code = "bad_request"

	// CodeUnauthorized marks a missing or unverifiable principal.
	CodeUnauthorized Code = "unauthorized"

	// CodeForbidden marks a principal whose roles do not permit the
	// operation. Never retried automatically.
	CodeForbidden Code = "forbidden"

	// CodeNotFound marks a referenced entity that does not exist.
	CodeNotFound Code = "not_found"

	// CodeConflict marks an optimistic-concurrency loss or uniqueness
	// violation. The caller should re-read and retry with a bounded
	// retry count.
	CodeConflict Code = "conflict"

	// CodeInvariantViolation marks stored data that breaks a model
	// invariant. This is a programming defect: it must halt the
	// operation and surface loudly, never be silently repaired.
	CodeInvariantViolation Code = "invariant_violation"

	// CodeLedgerAppend marks a failed audit ledger append. It always
	// aborts the enclosing mutation transaction.
	CodeLedgerAppend Code = "ledger_append"

	// CodeTimeout marks a cancelled or deadline-exceeded operation.
	CodeTimeout Code = "timeout"

	// CodeInternal marks unexpected infrastructure failures.
	CodeInternal Code = "internal"
)

// Error is a coded error with an optional wrapped cause.
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

// New creates a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err
// yields nil so call sites can wrap unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether err (or anything it wraps) carries the code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.cause
		de = nil
	}
	return false
}

// Is is an alias for HasCode kept for call-site readability.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf returns the outermost code carried by err, or CodeInternal when
// err carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
