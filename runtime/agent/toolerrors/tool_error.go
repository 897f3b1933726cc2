// Package toolerrors provides structured error types for tool invocation
// failures. A ToolError carries a stable failure code and preserves error
// chains so errors.Is/As keep working across retries and subagent hops.
package toolerrors

import (
	"errors"
	"fmt"
)

// Code is a stable failure code surfaced in tool results and loop outcomes.
type Code string

const (
	// CodeExecutionFailed covers timeouts, transient failures and exhausted
	// retries.
	CodeExecutionFailed Code = "TOOL_EXECUTION_FAILED"
	// CodeRateLimited indicates the tool backend throttled every attempt.
	CodeRateLimited Code = "RATE_LIMITED"
	// CodeNotFound indicates the tool name is not registered.
	CodeNotFound Code = "TOOL_NOT_FOUND"
	// CodeInvalidArguments indicates the arguments failed schema validation.
	CodeInvalidArguments Code = "INVALID_ARGUMENTS"
	// CodeClientError indicates a 4xx-class failure that must not be retried.
	CodeClientError Code = "CLIENT_ERROR"
)

// ToolError represents a structured tool failure that preserves message and causal
// context while still implementing the standard error interface.
type ToolError struct {
	// Code classifies the failure. Empty means CodeExecutionFailed.
	Code Code
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying tool error, enabling error chains with errors.Is/As.
	Cause *ToolError
}

// New constructs a ToolError with the provided code and message.
func New(code Code, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Code: code, Message: message}
}

// NewWithCause constructs a ToolError that wraps an underlying error. The cause is
// converted into a ToolError chain so error metadata survives serialization.
func NewWithCause(code Code, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Code:    code,
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the string as a ToolError.
func Errorf(code Code, format string, args ...any) *ToolError {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of the first ToolError in err's chain that sets
// one, or CodeExecutionFailed.
func CodeOf(err error) Code {
	for te := FromError(err); te != nil; te = te.Cause {
		if te.Code != "" {
			return te.Code
		}
	}
	return CodeExecutionFailed
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
