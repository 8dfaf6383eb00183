// Package memerr defines the stable error codes shared by the memory
// engine and the HTTP surface. Errors are values carrying a machine code
// and a human message; the server maps codes to HTTP statuses, nothing
// below the server layer knows about HTTP.
package memerr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeVersionConflict     Code = "version_conflict"
	CodeDeleted             Code = "deleted"
	CodePinnedRequiresForce Code = "pinned_requires_force"
	CodeForbidden           Code = "forbidden"
	CodeTimeout             Code = "timeout"
	CodeInvalidPayload      Code = "invalid_payload"
	CodeInternal            Code = "internal"
	CodeDisabled            Code = "disabled"
	CodeFrozen              Code = "frozen"
	CodeConflict            Code = "conflict"
)

// Error is the canonical engine error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with a code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from an error chain. Unknown errors are internal.
func CodeOf(err error) Code {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
