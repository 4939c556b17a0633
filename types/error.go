package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Transport and protocol error codes
const (
	ErrTransport        ErrorCode = "TRANSPORT"
	ErrFrameTooLarge    ErrorCode = "FRAME_TOO_LARGE"
	ErrProtocolMismatch ErrorCode = "PROTOCOL_MISMATCH"
	ErrPeerUnreachable  ErrorCode = "PEER_UNREACHABLE"
)

// Scheduling error codes
const (
	ErrNoCapacity   ErrorCode = "NO_CAPACITY"
	ErrJobFailed    ErrorCode = "JOB_FAILED"
	ErrJobCancelled ErrorCode = "JOB_CANCELLED"
	ErrJobUnknown   ErrorCode = "JOB_UNKNOWN"
)

// Worker error codes
const (
	ErrHandlerNotFound ErrorCode = "HANDLER_NOT_FOUND"
	ErrTaskExecution   ErrorCode = "TASK_EXECUTION"
	ErrWorkerBusy      ErrorCode = "WORKER_BUSY"
)

// Sentinel errors for conditions callers test with errors.Is.
var (
	// ErrClosed is returned by operations on a component after Stop.
	ErrClosed = errors.New("intrascale: closed")
	// ErrPeerUnknown is returned when an operation names a peer the
	// membership registry has no record of.
	ErrPeerUnknown = errors.New("intrascale: unknown peer")
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Node      NodeID    `json:"node,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode tags the error with the peer it concerns.
func (e *Error) WithNode(id NodeID) *Error {
	e.Node = id
	return e
}

// AsError unwraps err to a structured *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
