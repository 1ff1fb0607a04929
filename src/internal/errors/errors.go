// Package errors provides coded error types for fwsync.
//
// Codes mirror the failure taxonomy of the synchronization core: parse failures
// are skipped, external tool failures and timeouts fail the enclosing operation,
// cancellation stops forward progress and not-found only reports absence.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a category of error that can occur in the application.
type ErrorCode string

const (
	// ErrCodeParse indicates malformed address, range or port text.
	ErrCodeParse ErrorCode = "PARSE_ERROR"

	// ErrCodeExternalTool indicates a non-zero exit from an external command.
	ErrCodeExternalTool ErrorCode = "EXTERNAL_TOOL_ERROR"

	// ErrCodeTimeout indicates an external command exceeded its time bound.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeCancelled indicates a cooperative abort mid-operation.
	ErrCodeCancelled ErrorCode = "CANCELLED"

	// ErrCodeNotFound indicates a missing rule or set.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeConfig indicates a configuration-related error.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	// ErrCodeValidation indicates a validation error.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error represents a domain-specific error with an error code and optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error for errors.Is and errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a new domain error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

func NewParseError(message string, cause error) *Error {
	return Wrap(ErrCodeParse, message, cause)
}

func NewExternalToolError(message string, cause error) *Error {
	return Wrap(ErrCodeExternalTool, message, cause)
}

func NewTimeoutError(message string, cause error) *Error {
	return Wrap(ErrCodeTimeout, message, cause)
}

func NewCancelledError(message string, cause error) *Error {
	return Wrap(ErrCodeCancelled, message, cause)
}

func NewNotFoundError(message string) *Error {
	return New(ErrCodeNotFound, message)
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, cause error) *Error {
	return Wrap(ErrCodeConfig, message, cause)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, cause error) *Error {
	return Wrap(ErrCodeValidation, message, cause)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCodeInternal, message, cause)
}
