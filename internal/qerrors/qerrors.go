// Package qerrors implements the error taxonomy of the management API
// (see spec §7): every error that can reach a remote client carries a kind,
// a message, and optionally a wrapped cause, and renders as the three
// fields of a typed-error wire frame (kind, message, args).
package qerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error kinds a client can distinguish on.
type Kind string

const (
	Protocol         Kind = "ProtocolError"
	PermissionDenied Kind = "PermissionDenied"
	Validation       Kind = "ValidationError"
	Precondition     Kind = "PreconditionError"
	Resource         Kind = "ResourceError"
	Conflict         Kind = "ConflictError"
	External         Kind = "ExternalError"
	Bug              Kind = "InternalBug"
)

// Error is the concrete error type carried across the management API.
type Error struct {
	Kind    Kind
	Message string
	Args    []string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing error,
// preserving the original message the way the teacher's
// errors.Wrap(err, "context") idiom does.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// As reports whether err (or one it wraps) is a *Error, and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to Bug for anything that
// isn't a *Error — an uncaught exception, in the taxonomy's terms.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Bug
}

func Protocolf(format string, args ...any) *Error { return New(Protocol, format, args...) }
func PermissionDeniedf(format string, args ...any) *Error {
	return New(PermissionDenied, format, args...)
}
func Validationf(format string, args ...any) *Error   { return New(Validation, format, args...) }
func Preconditionf(format string, args ...any) *Error { return New(Precondition, format, args...) }
func Resourcef(format string, args ...any) *Error     { return New(Resource, format, args...) }
func Conflictf(format string, args ...any) *Error     { return New(Conflict, format, args...) }
