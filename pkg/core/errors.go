package core

import (
	"fmt"
)

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string                 // Machine-readable code: step_timeout, auth_recovery_exhausted, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches another ExecutionError by code, so predefined errors work as sentinels.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{})
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors
var (
	// ErrStepTimeout: a step exceeded its deadline
	ErrStepTimeout = &ExecutionError{
		Category: ErrCategoryTimeout,
		Code:     "step_timeout",
		Message:  "step timed out",
	}

	// ErrStepFailure: underlying page-driver or network error
	ErrStepFailure = &ExecutionError{
		Category: ErrCategoryStep,
		Code:     "step_failed",
		Message:  "step failed",
	}
	ErrElementNotFound = &ExecutionError{
		Category: ErrCategoryStep,
		Code:     "element_not_found",
		Message:  "element not found",
	}
	ErrAssertionFailed = &ExecutionError{
		Category: ErrCategoryStep,
		Code:     "assertion_failed",
		Message:  "assertion failed",
	}

	// ErrAuthRecoveryExhausted: terminal, the per-run recovery budget is spent
	ErrAuthRecoveryExhausted = &ExecutionError{
		Category: ErrCategoryAuth,
		Code:     "auth_recovery_exhausted",
		Message:  "auth recovery exhausted",
	}

	// ErrConditionEvaluation: non-fatal, logged and treated as "condition not met"
	ErrConditionEvaluation = &ExecutionError{
		Category: ErrCategoryCondition,
		Code:     "condition_evaluation",
		Message:  "condition evaluation failed",
	}

	// ErrValidation: raised before execution begins for malformed flows
	ErrValidation = &ExecutionError{
		Category: ErrCategoryValidation,
		Code:     "validation",
		Message:  "flow validation failed",
	}

	// ErrSnapshotMismatch: a replayed response no longer matches its snapshot
	ErrSnapshotMismatch = &ExecutionError{
		Category: ErrCategorySnapshot,
		Code:     "snapshot_mismatch",
		Message:  "snapshot validation mismatch",
	}
	ErrSnapshotMissing = &ExecutionError{
		Category: ErrCategorySnapshot,
		Code:     "snapshot_missing",
		Message:  "no usable snapshot",
	}

	// Config errors
	ErrInvalidConfig = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_config",
		Message:  "invalid configuration",
	}
)

// NewExecutionError creates a new ExecutionError with the given parameters
func NewExecutionError(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// CategoryOf returns the category of the first ExecutionError in err's chain,
// or ErrCategoryStep for plain errors.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryNone
	}
	for e := err; e != nil; {
		if ee, ok := e.(*ExecutionError); ok {
			return ee.Category
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return ErrCategoryStep
}
