// Package errs defines the error taxonomy shared across the task engine.
package errs

import "errors"

// Kind classifies an engine error so callers can branch without string
// matching. See spec §7 for the full taxonomy.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindTaskNotFound       Kind = "task_not_found"
	KindExecutorNotFound   Kind = "executor_not_found"
	KindTimeout            Kind = "timeout"
	KindExecutorFailure    Kind = "executor_failure"
	KindPersistenceFailure Kind = "persistence_failure"
	KindDependencyFailed   Kind = "dependency_failed"
)

// Error is the concrete error type returned across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	ErrInvalidInput     = New(KindInvalidInput, "invalid input")
	ErrTaskNotFound     = New(KindTaskNotFound, "task not found")
	ErrExecutorNotFound = New(KindExecutorNotFound, "executor not found")
)
