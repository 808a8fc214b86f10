// Package errors provides a structured error type shared across the
// control plane: a stable code, a human message, an actionable
// suggestion, and an optional wrapped cause.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes, matching the taxonomy every operation surfaces failures
// through. Nothing outside this set should reach a caller as a Code.
const (
	ErrConfigMissing   = "CONFIG_MISSING"
	ErrUnknownHost     = "UNKNOWN_HOST"
	ErrSSHDial         = "SSH_DIAL"
	ErrSSHTimeout      = "SSH_TIMEOUT"
	ErrSSHSpawn        = "SSH_SPAWN"
	ErrNodeUnreachable = "NODE_UNREACHABLE"
	ErrNodeUnknown     = "NODE_UNKNOWN"
	ErrNodeBadState    = "NODE_BAD_STATE"
	ErrNameTaken       = "NAME_TAKEN"
	ErrBadAtomName     = "BAD_ATOM_NAME"
	ErrRemoteEval      = "REMOTE_EVAL_ERROR"
)

// Error represents a structured error with code, message, suggestion,
// and optional cause.
//
//	✗ <What failed>
//
//	  <Why it failed - technical details>
//
//	  <How to fix it - actionable steps>
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Cause      error
}

// New creates a new structured error with the given code, message, and suggestion.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps an existing error with a message, defaulting to ErrSSHDial code.
func Wrap(err error, message string) *Error {
	return &Error{
		Code:    ErrSSHDial,
		Message: message,
		Cause:   err,
	}
}

// WrapWithCode wraps an existing error with a specific code, message, and suggestion.
func WrapWithCode(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// Error implements the error interface with formatted output.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("✗ %s\n", e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if an error is a structured Error with the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var beamErr *Error
	if errors.As(err, &beamErr) {
		return beamErr.Code == code
	}
	return false
}
