// Package errors provides coded application errors shared by every layer of
// the service. Handlers translate codes into HTTP statuses and gRPC codes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for transport mapping.
type Code string

const (
	ErrCodeNotFound           Code = "NOT_FOUND"
	ErrCodeConflict           Code = "CONFLICT"
	ErrCodeUnauthorized       Code = "UNAUTHORIZED"
	ErrCodeForbidden          Code = "FORBIDDEN"
	ErrCodeInvalidInput       Code = "INVALID_INPUT"
	ErrCodeFailedPrecondition Code = "FAILED_PRECONDITION"
	ErrCodeInternal           Code = "INTERNAL"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a field validation failure.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: fmt.Sprintf("invalid %s: %s", field, message)}
}

// CodeOf returns the code of the first coded error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	for err != nil {
		var coded *Error
		if !stderrors.As(err, &coded) {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Err
	}
	return false
}

// Is and As mirror the standard library so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
