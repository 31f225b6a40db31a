package handler

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Kind classifies a dispatch failure. It is reported as the response's
// errorCode.
type Kind string

const (
	ProtocolError   Kind = "ProtocolError"
	DecodeError     Kind = "DecodeError"
	ResolutionError Kind = "ResolutionError"
	ValidationError Kind = "ValidationError"
	ExecutionError  Kind = "ExecutionError"
	HandlerPanic    Kind = "HandlerPanic"
	CleanupWarning  Kind = "CleanupWarning"
)

// Error is a classified failure with the stack captured where it was caught.
type Error struct {
	Kind    Kind
	Message string
	Trace   string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

// Wrap classifies err. An err that already is an *Error keeps its kind.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// Validation is shorthand for a ValidationError raised from Start.
func Validation(format string, args ...any) *Error {
	return Errorf(ValidationError, format, args...)
}

// KindOf returns the kind of err, or def when err is not classified.
func KindOf(err error, def Kind) Kind {
	var he *Error
	if errors.As(err, &he) && he.Kind != "" {
		return he.Kind
	}
	return def
}

// WithTrace records the current goroutine stack on e if it has none yet.
func (e *Error) WithTrace() *Error {
	if e != nil && e.Trace == "" {
		e.Trace = string(debug.Stack())
	}
	return e
}

// Recovered turns a recovered panic value into a HandlerPanic error with the
// panicking goroutine's stack. Call it from the deferred function that
// recovered.
func Recovered(v any) *Error {
	var cause error
	if err, ok := v.(error); ok {
		cause = err
	}
	return &Error{
		Kind:    HandlerPanic,
		Message: fmt.Sprintf("panic: %v", v),
		Trace:   string(debug.Stack()),
		Err:     cause,
	}
}
