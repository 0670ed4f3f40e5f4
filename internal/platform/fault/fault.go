// Package fault defines the typed domain faults returned by the record
// managers and the echo error handler that renders them.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a domain fault.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
)

// Validation codes.
const (
	CodeInvalidFormat = "invalid_format"
	CodeInvalidValue  = "invalid_value"
)

// Error is a domain fault. Anything that is not an *Error is treated as an
// unexpected failure by the boundary.
type Error struct {
	Kind    Kind
	Code    string
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Validation reports a field that violates its constraints.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidValue, Field: field, Message: message}
}

// InvalidFormat reports a field whose text could not be parsed.
func InvalidFormat(field, message string) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidFormat, Field: field, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// As returns the domain fault wrapped in err, if any.
func As(err error) (*Error, bool) {
	var f *Error
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsKind reports whether err wraps a fault of the given kind.
func IsKind(err error, k Kind) bool {
	f, ok := As(err)
	return ok && f.Kind == k
}

// WithField returns a copy of f attributed to field. Parsers produce faults
// without knowing which input field they were handed.
func (e *Error) WithField(field string) *Error {
	cp := *e
	cp.Field = field
	return &cp
}
