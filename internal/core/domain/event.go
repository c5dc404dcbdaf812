package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventExecutionStarted      EventType = "execution_started"
	EventExecutionPaused       EventType = "execution_paused"
	EventExecutionResumed      EventType = "execution_resumed"
	EventExecutionStopped      EventType = "execution_stopped"
	EventExecutionCompleted    EventType = "execution_completed"
	EventExecutionStatsUpdated EventType = "execution_stats_updated"
	EventConcurrencyChanged    EventType = "concurrency_changed"
	EventJobStarted            EventType = "job_started"
	EventJobProgress           EventType = "job_progress"
	EventJobCompleted          EventType = "job_completed"
	EventJobFailed             EventType = "job_failed"
)

// Event is a transient notification pushed to live subscribers. Data holds a JSON payload.
type Event struct {
	Type        EventType   `json:"type"`
	ExecutionID ExecutionID `json:"execution_id"`
	BatchID     BatchID     `json:"batch_id,omitempty"`
	JobID       JobID       `json:"job_id,omitempty"`
	Data        string      `json:"data,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// NewEvent builds an event, marshalling payload into Data. A nil payload leaves Data empty.
func NewEvent(t EventType, execID ExecutionID, batchID BatchID, jobID JobID, payload any) Event {
	ev := Event{
		Type:        t,
		ExecutionID: execID,
		BatchID:     batchID,
		JobID:       jobID,
		Timestamp:   time.Now().UTC(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Data = string(b)
		}
	}
	return ev
}
