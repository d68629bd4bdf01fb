package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies a failure for programmatic handling.
type ErrorCode string

const (
	// ErrCodeInvalidArgument indicates a caller supplied an unusable value,
	// such as a non-positive capture duration.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeAlreadyRunning indicates a capture round is already in progress.
	ErrCodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"
	// ErrCodeNodeUnresponsive indicates a node could not be reached or did not answer.
	ErrCodeNodeUnresponsive ErrorCode = "NODE_UNRESPONSIVE"
	// ErrCodePartialFailure indicates an operation completed for some participants only.
	ErrCodePartialFailure ErrorCode = "PARTIAL_FAILURE"
	// ErrCodeResourceLeftover indicates temporary artifacts survived cleanup.
	ErrCodeResourceLeftover ErrorCode = "RESOURCE_LEFTOVER"
	// ErrCodeResourceExhausted indicates local storage is too full to record.
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	// ErrCodeInternal indicates an unexpected local failure.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// StructuredError carries a code, a human readable message, the underlying
// cause and optional key/value context for logging.
type StructuredError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new StructuredError with the given code and message.
func New(code ErrorCode, message string) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
	}
}

// NewWithContext creates a new StructuredError with context information.
func NewWithContext(code ErrorCode, message string, context map[string]any) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Context: context,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code ErrorCode, message string, cause error) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapWithContext wraps an error with a code, message and context information.
func WrapWithContext(code ErrorCode, message string, cause error, context map[string]any) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: context,
	}
}

// CodeOf returns the code of the first StructuredError in err's chain,
// or the empty code if there is none.
func CodeOf(err error) ErrorCode {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err's chain contains a StructuredError with code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
