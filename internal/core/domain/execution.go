package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type ExecutionID string

type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusStopped || s == ExecutionStatusFailed
}

// CanTransition encodes queued -> running <-> paused -> {completed|stopped|failed}.
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	switch s {
	case ExecutionStatusQueued:
		return to == ExecutionStatusRunning || to == ExecutionStatusFailed
	case ExecutionStatusRunning:
		return to == ExecutionStatusPaused || to.IsTerminal()
	case ExecutionStatusPaused:
		return to == ExecutionStatusRunning || to.IsTerminal()
	default:
		return false
	}
}

type ExecutionType string

const (
	ExecutionTypeTest ExecutionType = "test"
	ExecutionTypeFull ExecutionType = "full"
)

// ExecutionStats are the aggregate counters of a run.
//
// Completed counts settled jobs (success and error alike); Error is the subset of
// settled jobs that ended in an error status. Completed+Running+Queued == Total.
type ExecutionStats struct {
	Total     int `json:"total_jobs"`
	Completed int `json:"completed_jobs"`
	Running   int `json:"running_jobs"`
	Queued    int `json:"queued_jobs"`
	Error     int `json:"error_jobs"`
}

// Succeeded is the number of settled jobs that did not end in error.
func (s ExecutionStats) Succeeded() int {
	return s.Completed - s.Error
}

// Consistent reports whether the counters satisfy the accounting invariant.
func (s ExecutionStats) Consistent() bool {
	return s.Completed+s.Running+s.Queued == s.Total &&
		s.Error <= s.Completed &&
		s.Completed >= 0 && s.Running >= 0 && s.Queued >= 0 && s.Error >= 0
}

// Execution is one batch run.
type Execution struct {
	ID               ExecutionID     `json:"id"`
	BatchID          BatchID         `json:"batch_id"`
	Status           ExecutionStatus `json:"status"`
	ExecutionType    ExecutionType   `json:"execution_type"`
	ConcurrencyLimit int             `json:"concurrency_limit"`
	Stats            ExecutionStats  `json:"stats"`
	StopReason       string          `json:"stop_reason,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.New().String())
}

// MetricsSnapshot is the historical record written once per finished execution.
type MetricsSnapshot struct {
	ExecutionID       ExecutionID            `json:"execution_id"`
	BatchID           BatchID                `json:"batch_id"`
	Status            ExecutionStatus        `json:"status"`
	ExecutionType     ExecutionType          `json:"execution_type"`
	TotalJobs         int                    `json:"total_jobs"`
	SucceededJobs     int                    `json:"succeeded_jobs"`
	ErrorJobs         int                    `json:"error_jobs"`
	SuccessRate       float64                `json:"success_rate"`
	AvgJobDurationMs  int64                  `json:"avg_job_duration_ms"`
	StatusBreakdown   map[DetailedStatus]int `json:"status_breakdown"`
	BlockedBreakdown  map[BlockedReason]int  `json:"blocked_breakdown"`
	PassedEvaluations int                    `json:"passed_evaluations"`
	FailedEvaluations int                    `json:"failed_evaluations"`
	DurationMs        int64                  `json:"duration_ms"`
	RecordedAt        time.Time              `json:"recorded_at"`
}

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionActive   = errors.New("batch already has an active execution")
	ErrInvalidTransition = errors.New("invalid execution state transition")
)
