// Package errs classifies failures so that every surface (REST, WebSocket,
// background jobs) can react to them consistently.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the classification of an error.
type Kind int

const (
	// KindTransient covers I/O failures; the operation aborts but the process continues.
	KindTransient Kind = iota
	// KindNotFound is returned when a point, alarm or tag does not exist.
	KindNotFound
	// KindInvalid is returned for missing fields or wrong types.
	KindInvalid
	// KindUnavailable is returned when a dependency is not initialized yet.
	KindUnavailable
	// KindProtocol marks malformed WebSocket frames.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindUnavailable:
		return "unavailable"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Standard error variables
var (
	ErrPointNotFound = errors.New("point not found")
	ErrAlarmNotFound = errors.New("alarm not found")
	ErrNoImage       = errors.New("controller image unavailable")
	ErrNotAnalog     = errors.New("not an AI point")
	ErrHistorianDown = errors.New("historian not initialised")
)

// Error wraps an error with its kind and the component.method it came from.
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e.Component == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s.%s: %v", e.Component, e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New classifies err. A nil err yields nil.
func New(kind Kind, component, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Operation: operation, Err: err}
}

// NotFound builds a KindNotFound error with a formatted message wrapping base.
func NotFound(component, operation string, base error, format string, args ...interface{}) error {
	return New(KindNotFound, component, operation, fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...)))
}

// Invalid builds a KindInvalid error with a formatted message.
func Invalid(component, operation, format string, args ...interface{}) error {
	return New(KindInvalid, component, operation, fmt.Errorf(format, args...))
}

// Transient wraps an I/O failure.
func Transient(component, operation string, err error) error {
	return New(KindTransient, component, operation, err)
}

// KindOf returns the kind of err. Unclassified errors are transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrPointNotFound), errors.Is(err, ErrAlarmNotFound):
		return KindNotFound
	case errors.Is(err, ErrHistorianDown):
		return KindUnavailable
	case errors.Is(err, ErrNotAnalog):
		return KindInvalid
	}
	return KindTransient
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the REST status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid, KindProtocol:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
