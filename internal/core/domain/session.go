package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string

type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Session is one attempt cycle of a Job. Retries inside the cycle are counted in
// Attempts; reruns of the job create new sessions with a higher Sequence.
type Session struct {
	ID            SessionID       `json:"id"`
	JobID         JobID           `json:"job_id"`
	ExecutionID   ExecutionID     `json:"execution_id"`
	Sequence      int             `json:"sequence"`
	Status        SessionStatus   `json:"status"`
	RawOutput     string          `json:"raw_output,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	FailureReason FailureCategory `json:"failure_reason,omitempty"`
	ExtractedData map[string]any  `json:"extracted_data,omitempty"`
	StreamURL     string          `json:"stream_url,omitempty"`
	Screenshots   []string        `json:"screenshots,omitempty"`
	Attempts      int             `json:"attempts"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}
