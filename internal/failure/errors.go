// Package failure classifies errors raised while crawling so callers can decide
// between retrying, skipping a unit of work, or stopping the run.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Class represents how an error affects the traversal.
type Class string

const (
	// ClassTransient covers stale elements, intercepted clicks and short waits
	// that ran out. Retried at the same state.
	ClassTransient Class = "TRANSIENT"
	// ClassStructural means required page structure is absent.
	ClassStructural Class = "STRUCTURAL"
	// ClassAuthentication means the session could not be authenticated.
	ClassAuthentication Class = "AUTHENTICATION"
	// ClassPersistence means a checkpoint or record could not be written.
	ClassPersistence Class = "PERSISTENCE"
	// ClassCancelled means the operator stopped the run.
	ClassCancelled Class = "CANCELLED"
	// ClassUnknown is anything not classified above.
	ClassUnknown Class = "UNKNOWN"
)

// Error wraps errors with the unit of work they happened in.
type Error struct {
	Class   Class
	Op      string
	Unit    string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := string(e.Class) + ": " + e.Op
	if e.Unit != "" {
		msg += " [" + e.Unit + "]"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by class, otherwise defers to the wrapped error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Class == t.Class
	}
	return errors.Is(e.Err, target)
}

// New creates a new classified error.
func New(class Class, op string, err error) *Error {
	return &Error{
		Class:   class,
		Op:      op,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Transient is shorthand for New(ClassTransient, ...).
func Transient(op string, err error) *Error { return New(ClassTransient, op, err) }

// Structural is shorthand for New(ClassStructural, ...).
func Structural(op string, err error) *Error { return New(ClassStructural, op, err) }

// Persistence is shorthand for New(ClassPersistence, ...).
func Persistence(op string, err error) *Error { return New(ClassPersistence, op, err) }

// Authentication is shorthand for New(ClassAuthentication, ...).
func Authentication(op string, err error) *Error { return New(ClassAuthentication, op, err) }

// WithUnit records the page number or identifier the error belongs to.
func (e *Error) WithUnit(unit string) *Error {
	e.Unit = unit
	return e
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// transientMarker lets other packages flag sentinel errors as transient
// without importing this package's types into their API.
type transientMarker interface {
	Transient() bool
}

// ClassOf reports the class of err. Errors that were never wrapped by this
// package are classified by context cancellation and the Transient() marker.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	var tm transientMarker
	if errors.As(err, &tm) && tm.Transient() {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassUnknown
}

// IsTransient reports whether err should be retried at the same state.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}
