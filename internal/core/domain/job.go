package domain

import (
	"errors"
	"time"
)

type JobID string

// JobStatus is the coarse lifecycle status kept for older consumers.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
)

// DetailedStatus is the fine-grained outcome produced by the classifier.
type DetailedStatus string

const (
	DetailedStatusQueued    DetailedStatus = "queued"
	DetailedStatusRunning   DetailedStatus = "running"
	DetailedStatusCompleted DetailedStatus = "completed"
	DetailedStatusPartial   DetailedStatus = "partial"
	DetailedStatusBlocked   DetailedStatus = "blocked"
	DetailedStatusTimeout   DetailedStatus = "timeout"
	DetailedStatusNotFound  DetailedStatus = "not_found"
	DetailedStatusFailed    DetailedStatus = "failed"
)

// IsSuccess reports whether the outcome counts as a successful extraction.
func (s DetailedStatus) IsSuccess() bool {
	return s == DetailedStatusCompleted || s == DetailedStatusPartial
}

// LegacyStatus maps a detailed outcome onto the coarse job status.
func (s DetailedStatus) LegacyStatus() JobStatus {
	switch s {
	case DetailedStatusQueued:
		return JobStatusQueued
	case DetailedStatusRunning:
		return JobStatusRunning
	case DetailedStatusCompleted, DetailedStatusPartial:
		return JobStatusCompleted
	default:
		return JobStatusError
	}
}

type BlockedReason string

const (
	BlockedReasonCaptcha      BlockedReason = "captcha"
	BlockedReasonLogin        BlockedReason = "login_required"
	BlockedReasonPaywall      BlockedReason = "paywall"
	BlockedReasonGeo          BlockedReason = "geo_blocked"
	BlockedReasonRateLimit    BlockedReason = "rate_limited"
	BlockedReasonBotDetection BlockedReason = "bot_detection"
)

type FailureCategory string

const (
	FailureCategoryBlocked          FailureCategory = "blocked"
	FailureCategoryTimeout          FailureCategory = "timeout"
	FailureCategoryNotFound         FailureCategory = "not_found"
	FailureCategoryExtractionFailed FailureCategory = "extraction_failed"
	FailureCategoryAgentError       FailureCategory = "agent_error"
	FailureCategoryUnknown          FailureCategory = "unknown"
)

// Evaluation is the ground-truth verdict. Empty means no verdict (null).
type Evaluation string

const (
	EvaluationNone Evaluation = ""
	EvaluationPass Evaluation = "pass"
	EvaluationFail Evaluation = "fail"
)

// Job is one extraction task derived from one input row.
type Job struct {
	ID                   JobID             `json:"id"`
	BatchID              BatchID           `json:"batch_id"`
	ExecutionID          ExecutionID       `json:"execution_id,omitempty"` // last execution that ran it
	RowIndex             int               `json:"row_index"`
	URL                  string            `json:"url"`
	RowData              map[string]string `json:"row_data"`
	Instructions         string            `json:"instructions"`
	Status               JobStatus         `json:"status"`
	DetailedStatus       DetailedStatus    `json:"detailed_status"`
	BlockedReason        BlockedReason     `json:"blocked_reason,omitempty"`
	FailureCategory      FailureCategory   `json:"failure_category,omitempty"`
	Message              string            `json:"message,omitempty"`
	ExtractedData        map[string]any    `json:"extracted_data,omitempty"`
	GroundTruth          map[string]string `json:"ground_truth,omitempty"`
	Evaluation           Evaluation        `json:"evaluation,omitempty"`
	AccuracyScore        *float64          `json:"accuracy_score,omitempty"`
	CompletionPercentage int               `json:"completion_percentage"`
	CreatedAt            time.Time         `json:"created_at"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	LastRunAt            *time.Time        `json:"last_run_at,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// ResetForRun clears the outcome of a previous run and puts the job back in the queue.
func (j *Job) ResetForRun(now time.Time) {
	j.Status = JobStatusQueued
	j.DetailedStatus = DetailedStatusQueued
	j.BlockedReason = ""
	j.FailureCategory = ""
	j.Message = ""
	j.ExtractedData = nil
	j.Evaluation = EvaluationNone
	j.AccuracyScore = nil
	j.CompletionPercentage = 0
	j.StartedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = now
}

var (
	ErrJobNotFound = errors.New("job not found")
)
