package domain

import (
	"errors"
	"fmt"
)

// ValidationError means the input can never succeed. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// TransientExtractionError wraps a failure that may succeed on another attempt.
type TransientExtractionError struct {
	Err error
}

func (e *TransientExtractionError) Error() string { return "transient extraction error: " + e.Err.Error() }
func (e *TransientExtractionError) Unwrap() error { return e.Err }

// BlockedError means the target site refused the agent. Never retried.
type BlockedError struct {
	Reason BlockedReason
	Detail string
}

func (e *BlockedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("blocked: %s", e.Reason)
	}
	return fmt.Sprintf("blocked: %s: %s", e.Reason, e.Detail)
}

// TimeoutError is raised when an extraction exceeded its time budget.
type TimeoutError struct {
	ElapsedMs int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("extraction timed out after %dms", e.ElapsedMs)
}

// OrchestratorFatalError aborts a whole execution, e.g. when its record disappears.
type OrchestratorFatalError struct {
	ExecutionID ExecutionID
	Err         error
}

func (e *OrchestratorFatalError) Error() string {
	return fmt.Sprintf("execution %s aborted: %v", e.ExecutionID, e.Err)
}

func (e *OrchestratorFatalError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

// IsConflict reports whether err is a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrExecutionActive)
}
