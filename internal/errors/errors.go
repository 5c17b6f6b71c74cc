// Package errors provides coded errors for the workflow engine. Every
// engine failure mode maps to one code so handlers and callers can branch
// on kind without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrCode identifies the failure kind.
type ErrCode string

const (
	ErrCodeConflict          ErrCode = "conflict"            // stale version; re-read and retry
	ErrCodeGateNotSatisfied  ErrCode = "gate_not_satisfied"  // unmet stage gates
	ErrCodeAlreadyDecided    ErrCode = "already_decided"     // approval has a terminal decision
	ErrCodeAlreadyPosted     ErrCode = "already_posted"      // impact line is not planned
	ErrCodeDuplicateRequest  ErrCode = "duplicate_request"   // pending approval already exists for role
	ErrCodeUnauthorized      ErrCode = "unauthorized"        // role mismatch on decision
	ErrCodeInvalidTransition ErrCode = "invalid_transition"  // mutation on a terminal record
	ErrCodeNotFound          ErrCode = "not_found"
	ErrCodeInvalidInput      ErrCode = "invalid_input"
	ErrCodeNotAvailable      ErrCode = "not_available" // collaborator capability not configured
	ErrCodeInternal          ErrCode = "internal"
)

// Error is a coded error. Details carries structured context such as the
// unmet gate names on a gate_not_satisfied failure.
type Error struct {
	Code    ErrCode
	Message string
	Details []string
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
func New(code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing record.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// GateNotSatisfied reports unmet stage-advancement gates by name.
func GateNotSatisfied(gates []string) *Error {
	return &Error{
		Code:    ErrCodeGateNotSatisfied,
		Message: "stage advancement blocked by unmet gates",
		Details: gates,
	}
}

// Code extracts the ErrCode from an error chain, defaulting to internal.
func Code(err error) ErrCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Details extracts structured detail strings, if any.
func Details(err error) []string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Details
	}
	return nil
}

// Is reports whether err carries the given code.
func Is(err error, code ErrCode) bool {
	return Code(err) == code
}
