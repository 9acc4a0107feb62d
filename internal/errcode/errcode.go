// SPDX-License-Identifier: MIT

// Package errcode defines the typed failure taxonomy shared by the daemon,
// the client orchestrator and the in-process fallback path. Only Code and
// Retryable are contractually stable; messages are informational.
package errcode

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. Codes cross the wire and the CLI boundary
// unchanged; retryability is fixed per code by the central table below.
type Code string

const (
	StateLockTimeout     Code = "E_STATE_LOCK_TIMEOUT"
	StateLockIO          Code = "E_STATE_LOCK_IO"
	StateCorrupt         Code = "E_STATE_CORRUPT"
	StateVersionMismatch Code = "E_STATE_VERSION_MISMATCH"
	StateIO              Code = "E_STATE_IO"

	DaemonUnreachable    Code = "E_DAEMON_UNREACHABLE"
	DaemonTokenInvalid   Code = "E_DAEMON_TOKEN_INVALID"
	DaemonRequestInvalid Code = "E_DAEMON_REQUEST_INVALID"
	DaemonRunFailed      Code = "E_DAEMON_RUN_FAILED"
	DaemonQueueSaturated Code = "E_DAEMON_QUEUE_SATURATED"
	DaemonQueueTimeout   Code = "E_DAEMON_QUEUE_TIMEOUT"
	DaemonFrameInvalid   Code = "E_DAEMON_FRAME_INVALID"

	SessionNotFound    Code = "E_SESSION_NOT_FOUND"
	SessionExists      Code = "E_SESSION_EXISTS"
	SessionConflict    Code = "E_SESSION_CONFLICT"
	SessionUnreachable Code = "E_SESSION_UNREACHABLE"

	CDPInvalid     Code = "E_CDP_INVALID"
	CDPUnreachable Code = "E_CDP_UNREACHABLE"

	QueryInvalid Code = "E_QUERY_INVALID"
	Internal     Code = "E_INTERNAL"
)

// retryable is the single authoritative retryability table. Input-validation
// and identity codes never retry; transient transport/backpressure codes do.
var retryable = map[Code]bool{
	StateLockTimeout:     true,
	StateLockIO:          true,
	StateCorrupt:         false,
	StateVersionMismatch: false,
	StateIO:              true,
	DaemonUnreachable:    true,
	DaemonTokenInvalid:   false,
	DaemonRequestInvalid: false,
	DaemonRunFailed:      true,
	DaemonQueueSaturated: true,
	DaemonQueueTimeout:   true,
	DaemonFrameInvalid:   false,
	SessionNotFound:      false,
	SessionExists:        false,
	SessionConflict:      false,
	SessionUnreachable:   true,
	CDPInvalid:           false,
	CDPUnreachable:       true,
	QueryInvalid:         false,
	Internal:             true,
}

// Retryable reports the contractual retryability of a code. Unknown codes are
// treated as non-retryable so callers never loop on surprises.
func Retryable(code Code) bool {
	return retryable[code]
}

// Known reports whether code appears in the published error contract.
func Known(code Code) bool {
	_, ok := retryable[code]
	return ok
}

// Error is the typed failure value threaded through result paths. It never
// crosses component boundaries as a panic or an untyped error.
type Error struct {
	Code        Code              `json:"code"`
	Message     string            `json:"message"`
	Hints       []string          `json:"hints,omitempty"`
	HintContext map[string]string `json:"hintContext,omitempty"`

	cause error
}

// New constructs a typed error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a typed error while keeping the code stable.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithHint appends a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hints = append(e.Hints, hint)
	return e
}

// WithContext records a structured hint-context value.
func (e *Error) WithContext(key, value string) *Error {
	if e.HintContext == nil {
		e.HintContext = make(map[string]string)
	}
	e.HintContext[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports the retryability of this error's code.
func (e *Error) Retryable() bool { return Retryable(e.Code) }

// As extracts a typed error from an error chain. Unknown errors classify as
// E_INTERNAL: the core never swallows them, it labels them.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Code: Internal, Message: err.Error(), cause: err}
}
