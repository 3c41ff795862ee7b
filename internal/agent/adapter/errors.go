package adapter

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures.
type ErrorKind string

const (
	// KindSpawn covers failures to start the agent process.
	KindSpawn ErrorKind = "spawn"
	// KindNotFound means the referenced session has no live process.
	KindNotFound ErrorKind = "not_found"
	// KindAlreadyRunning means the node already has a live session.
	KindAlreadyRunning ErrorKind = "already_running"
	// KindTerminate covers failures to stop the agent process.
	KindTerminate ErrorKind = "terminate"
	// KindConfig covers invalid run configuration (bad working dir,
	// undecodable attachments, missing binary).
	KindConfig ErrorKind = "config"
	// KindIO covers stream and filesystem failures.
	KindIO ErrorKind = "io"
)

// Error is a kinded adapter error.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an adapter error with the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError builds an adapter error wrapping an underlying cause.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the error kind, or "" when err is not an adapter error.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not-found adapter error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsAlreadyRunning reports whether err is an already-running adapter error.
func IsAlreadyRunning(err error) bool {
	return KindOf(err) == KindAlreadyRunning
}

// IsConfig reports whether err is a configuration adapter error.
func IsConfig(err error) bool {
	return KindOf(err) == KindConfig
}
