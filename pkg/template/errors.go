package template

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a template failure.
type ErrorKind string

const (
	// ErrorKindSyntax is a malformed expression.
	ErrorKindSyntax ErrorKind = "syntax"

	// ErrorKindUndefined is a reference to a name missing from the context.
	ErrorKindUndefined ErrorKind = "undefined"

	// ErrorKindIndex is an index outside the bounds of a value.
	ErrorKindIndex ErrorKind = "index"

	// ErrorKindType is a value whose type the operation cannot handle.
	ErrorKindType ErrorKind = "type"

	// ErrorKindFilter is an unknown filter or a filter used with bad arguments.
	ErrorKindFilter ErrorKind = "filter"
)

// Error is returned for every parse or evaluation failure of a template.
type Error struct {
	Kind     ErrorKind
	Template string
	Pos      int
	Name     string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("template %s error at offset %d: %s", e.Kind, e.Pos, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Name == "" || t.Name == e.Name)
}

func newError(kind ErrorKind, src string, pos int, format string, args ...interface{}) *Error {
	return &Error{
		Kind:     kind,
		Template: src,
		Pos:      pos,
		Message:  fmt.Sprintf(format, args...),
	}
}

// IsUndefined reports whether err is caused by an undefined name.
func IsUndefined(err error) bool {
	return hasKind(err, ErrorKindUndefined)
}

// IsSyntax reports whether err is a template syntax error.
func IsSyntax(err error) bool {
	return hasKind(err, ErrorKindSyntax)
}

func hasKind(err error, kind ErrorKind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
