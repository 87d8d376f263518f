package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the single error shape returned across component boundaries.
// Code carries the retryable classification; Err keeps the technical cause for logs.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry automatically.
func (e *Error) Retryable() bool {
	return e.Code.IsRetryable()
}

// New creates an Error with a message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error around a technical cause.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, returning ErrCodeUnknownError for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknownError
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if r, ok := err.(interface{ Retryable() bool }); ok {
		return r.Retryable()
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable()
	}
	var r interface{ Retryable() bool }
	if stderrors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// FromPanic converts a recovered panic value into an UNKNOWN_ERROR.
func FromPanic(v any) *Error {
	if err, ok := v.(error); ok {
		return Wrap(ErrCodeUnknownError, "unexpected failure", err)
	}
	return Wrap(ErrCodeUnknownError, "unexpected failure", fmt.Errorf("%v", v))
}
