// Package errs provides coded error types shared by the agent manager,
// session bridge, and transport. Every error a client can see carries a
// stable code from this package.
package errs

import (
	"errors"
	"fmt"
)

// Error codes as constants. These are wire-stable: they appear verbatim in
// status responses sent to clients.
const (
	CodeBadRequest         = "BadRequest"
	CodeUnknownMessageType = "UnknownMessageType"
	CodeBadCursor          = "BadCursor"

	CodeWrongState         = "WrongState"
	CodeAgentNotFound      = "AgentNotFound"
	CodePermissionNotFound = "PermissionNotFound"
	CodeAgentArchived      = "AgentArchived"
	CodeBadMode            = "BadMode"
	CodeUnsupported        = "Unsupported"

	CodeProviderUnavailable = "ProviderUnavailable"
	CodeBadCwd              = "BadCwd"
	CodeTimeout             = "Timeout"
	CodeQueueFull           = "QueueFull"
	CodeResumeFailed        = "ResumeFailed"

	CodeCorruptTimeline        = "CorruptTimeline"
	CodePersistenceUnavailable = "PersistenceUnavailable"

	CodeInternal = "Internal"
)

// Error is an application error with a stable code and optional wrapped cause.
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two coded errors by code, so sentinel comparisons work across
// instances carrying different messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping an underlying cause.
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code, defaulting to Internal for uncoded errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf extracts the human-readable message of a coded error, falling
// back to err.Error() for uncoded errors.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// AgentNotFound is a convenience constructor for the most common state error.
func AgentNotFound(agentID string) *Error {
	return Newf(CodeAgentNotFound, "agent %q not found", agentID)
}

// WrongState reports an operation attempted in an incompatible lifecycle state.
func WrongState(agentID, state string) *Error {
	return Newf(CodeWrongState, "agent %q is %s", agentID, state)
}
