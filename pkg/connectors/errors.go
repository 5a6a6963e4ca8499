package connectors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	// ErrorKindNotFound means the addressed record does not exist.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindTimeout means the backend did not answer in time. The
	// mutation may or may not have been applied.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindConflict is a duplicate entry or constraint violation.
	ErrorKindConflict ErrorKind = "conflict"

	// ErrorKindAuth is a rejected bind or login.
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindUnavailable means the backend could not be reached.
	ErrorKindUnavailable ErrorKind = "unavailable"

	// ErrorKindInvalid is a request the adapter or backend refused as malformed.
	ErrorKindInvalid ErrorKind = "invalid"

	// ErrorKindBackend is any other backend-reported failure.
	ErrorKindBackend ErrorKind = "backend"
)

// ErrNotFound matches every not-found Error with errors.Is.
var ErrNotFound = errors.New("record not found")

// Error is a classified connector failure.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Connector is the adapter kind that failed.
	Connector string `json:"connector"`

	// Op is the capability being invoked.
	Op string `json:"operation"`

	// ID is the backend identifier involved, if any.
	ID string `json:"id,omitempty"`

	// Message is a human-readable summary.
	Message string `json:"message"`

	// Diagnostic carries raw backend details, such as result codes.
	Diagnostic map[string]any `json:"diagnostic,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s failed [%s]", e.Connector, e.Op, e.Kind)
	if e.ID != "" {
		msg = fmt.Sprintf("%s (id=%s)", msg, e.ID)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) match not-found errors, and matches
// another *Error by kind.
func (e *Error) Is(target error) bool {
	if target == ErrNotFound {
		return e.Kind == ErrorKindNotFound
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a classified error.
func NewError(kind ErrorKind, connector, op, id, message string, err error) *Error {
	return &Error{
		Kind:      kind,
		Connector: connector,
		Op:        op,
		ID:        id,
		Message:   message,
		Err:       err,
	}
}

// NotFound creates a not-found error.
func NotFound(connector, op, id string) *Error {
	return NewError(ErrorKindNotFound, connector, op, id, "no such record", ErrNotFound)
}

// WithDiagnostic adds a diagnostic value and returns the error.
func (e *Error) WithDiagnostic(key string, value any) *Error {
	if e.Diagnostic == nil {
		e.Diagnostic = make(map[string]any)
	}
	e.Diagnostic[key] = value
	return e
}

// KindOf returns the classification of err. Unclassified errors are
// treated as backend failures, except for context deadlines and network
// errors which are classified as timeouts and unavailability.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrorKindTimeout
		}
		return ErrorKindUnavailable
	}
	return ErrorKindBackend
}

// Classify wraps err as *Error unless it already is one.
func Classify(connector, op, id string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return NewError(KindOf(err), connector, op, id, "", err)
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout reports whether err is a timeout failure.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrorKindTimeout
}

// DiagnosticOf returns the backend diagnostic attached to err, if any.
func DiagnosticOf(err error) map[string]any {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Diagnostic
	}
	return nil
}
