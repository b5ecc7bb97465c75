package core

import "fmt"

// StepStatus represents the execution status of a step
type StepStatus int

const (
	StatusPending StepStatus = iota // Not yet started
	StatusRunning                   // Currently executing
	StatusPassed                    // Completed successfully
	StatusFailed                    // Failed and stopped the run
	StatusSkipped                   // Skipped by skip_if or restored from the once-cache
	StatusWarned                    // Optional or onError=continue step failed (non-blocking)
)

// String returns the string representation of StepStatus
func (s StepStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusWarned:
		return "warned"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the status is a final state
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusWarned:
		return true
	default:
		return false
	}
}

// IsSuccess returns true if the status does not stop the run
func (s StepStatus) IsSuccess() bool {
	return s == StatusPassed || s == StatusWarned || s == StatusSkipped
}

// ErrorCategory classifies the type of error for better debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone       ErrorCategory = iota // No error
	ErrCategoryStep                            // Page-driver or network failure
	ErrCategoryTimeout                         // Step exceeded its deadline
	ErrCategoryAuth                            // Auth recovery budget exhausted
	ErrCategoryCondition                       // Condition could not be evaluated
	ErrCategoryValidation                      // Malformed flow
	ErrCategorySnapshot                        // Snapshot missing or mismatched
	ErrCategoryConfig                          // Invalid configuration
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryStep:
		return "step"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryAuth:
		return "auth"
	case ErrCategoryCondition:
		return "condition"
	case ErrCategoryValidation:
		return "validation"
	case ErrCategorySnapshot:
		return "snapshot"
	case ErrCategoryConfig:
		return "config"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name so reports stay readable.
func (s StepStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *StepStatus) UnmarshalText(b []byte) error {
	for v := StatusPending; v <= StatusWarned; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown step status %q", b)
}

// MarshalText encodes the category by name.
func (c ErrorCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name.
func (c *ErrorCategory) UnmarshalText(b []byte) error {
	for v := ErrCategoryNone; v <= ErrCategoryConfig; v++ {
		if v.String() == string(b) {
			*c = v
			return nil
		}
	}
	return fmt.Errorf("unknown error category %q", b)
}
