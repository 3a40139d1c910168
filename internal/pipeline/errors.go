package pipeline

import (
	"errors"
	"fmt"
)

// ErrorType classifies task errors
type ErrorType string

const (
	ErrTypeValidation   ErrorType = "validation"
	ErrTypeTimeout      ErrorType = "timeout"
	ErrTypeCancellation ErrorType = "cancellation"
	ErrTypeExecution    ErrorType = "execution"
	ErrTypePanic        ErrorType = "panic"
)

// TaskError is the error type produced by the scheduler and its steps
type TaskError struct {
	Type      ErrorType
	Step      string
	Message   string
	Cause     error
	Retryable bool
}

// Error implements the error interface
func (e *TaskError) Error() string {
	if e.Step != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s error in step %s: %s: %v", e.Type, e.Step, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s error in step %s: %s", e.Type, e.Step, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a template or input validation error
func NewValidationError(step, message string) *TaskError {
	return &TaskError{
		Type:    ErrTypeValidation,
		Step:    step,
		Message: message,
	}
}

// NewStepTimeoutError creates a timeout error for a step
func NewStepTimeoutError(step string, cause error) *TaskError {
	return &TaskError{
		Type:      ErrTypeTimeout,
		Step:      step,
		Message:   "step exceeded its deadline",
		Cause:     cause,
		Retryable: true,
	}
}

// NewCancellationError creates a cancellation error
func NewCancellationError(message string) *TaskError {
	return &TaskError{
		Type:    ErrTypeCancellation,
		Message: message,
	}
}

// NewStepExecutionError wraps a failure returned by a step executor
func NewStepExecutionError(step string, cause error) *TaskError {
	return &TaskError{
		Type:    ErrTypeExecution,
		Step:    step,
		Message: "step execution failed",
		Cause:   cause,
	}
}

// NewStepPanicError records a recovered panic from a step executor
func NewStepPanicError(step string, recovered interface{}) *TaskError {
	return &TaskError{
		Type:    ErrTypePanic,
		Step:    step,
		Message: fmt.Sprintf("step panicked: %v", recovered),
	}
}

// IsRetryable reports whether the error is worth retrying
func IsRetryable(err error) bool {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Retryable
	}
	return false
}

// IsCancellation reports whether the error came from a cancel request
func IsCancellation(err error) bool {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Type == ErrTypeCancellation
	}
	return false
}
