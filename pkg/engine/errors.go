package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed later.
	// Examples: origin timeouts, connection resets.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure of the request itself.
	// Examples: invalid paths, unknown commands, missing artifacts.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassFatal indicates the engine can no longer be trusted.
	// The worker stops accepting jobs and the process must be restarted.
	ErrorClassFatal ErrorClass = "fatal"
)

// Error codes carried by classified errors and by ERROR protocol messages.
const (
	ErrCodeInvalidPath       = "INVALID_PATH"
	ErrCodeUnknownCommand    = "UNKNOWN_COMMAND"
	ErrCodeBadMessage        = "BAD_MESSAGE"
	ErrCodeBusy              = "BUSY"
	ErrCodeArtifactMissing   = "ARTIFACT_MISSING"
	ErrCodeEngineAbort       = "ENGINE_ABORT"
	ErrCodeOriginUnavailable = "ORIGIN_UNAVAILABLE"
	ErrCodeIO                = "IO_ERROR"
)

// Error represents a classified error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s (op=%s)", msg, e.Op)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// NewTransientError creates a new transient error.
func NewTransientError(code, message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Code: code, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(code, message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: code, Message: message, Err: err}
}

// NewFatalError creates a new fatal error.
func NewFatalError(code, message string, err error) *Error {
	return &Error{Class: ErrorClassFatal, Code: code, Message: message, Err: err}
}

// NewAbortError wraps an engine trap or exit.
func NewAbortError(op string, err error) *Error {
	return NewFatalError(ErrCodeEngineAbort, "engine aborted", err).WithOp(op)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	return classOf(err) == ErrorClassFatal
}

// CodeOf returns the code of the first classified error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
