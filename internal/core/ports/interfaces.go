package ports

import (
	"context"

	"github.com/manthysbr/scoutOS/internal/core/domain"
)

// ProgressReporter receives live signals from an extractor while it runs.
type ProgressReporter interface {
	// StreamURLAvailable is called when the agent exposes a live view of its browser.
	StreamURLAvailable(url string)
}

// ProgressFunc adapts a plain function to ProgressReporter.
type ProgressFunc func(url string)

func (f ProgressFunc) StreamURLAvailable(url string) { f(url) }

// ExtractionRequest is one attempt handed to an Extractor.
type ExtractionRequest struct {
	JobID        domain.JobID
	URL          string
	Instructions string
	Schema       []string
	GroundTruth  map[string]string
	Progress     ProgressReporter // may be nil
}

// ReportStreamURL forwards url to the progress reporter if one is set.
func (r ExtractionRequest) ReportStreamURL(url string) {
	if r.Progress != nil && url != "" {
		r.Progress.StreamURLAvailable(url)
	}
}

// Extractor abstracts the browser agent that visits a URL and returns structured data.
type Extractor interface {
	// Extract runs one attempt. A returned error is a transport or agent failure;
	// an agent-reported failure comes back in ExtractionResult.Error.
	Extract(ctx context.Context, req ExtractionRequest) (domain.ExtractionResult, error)
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	BatchID        domain.BatchID
	ExecutionID    domain.ExecutionID
	Status         domain.JobStatus
	DetailedStatus domain.DetailedStatus
	Limit          int
}

// ExecutionFilter narrows ListExecutions. Zero values mean "any".
type ExecutionFilter struct {
	BatchID  domain.BatchID
	Statuses []domain.ExecutionStatus
}

// Repository abstracts the persistent storage (DuckDB)
type Repository interface {
	// Batches
	SaveBatch(ctx context.Context, batch domain.Batch) error
	GetBatch(ctx context.Context, id domain.BatchID) (domain.Batch, error)

	// Jobs
	SaveJobs(ctx context.Context, jobs []domain.Job) error
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)

	// Sessions
	SaveSession(ctx context.Context, s domain.Session) error
	ListSessions(ctx context.Context, jobID domain.JobID) ([]domain.Session, error)

	// Executions
	SaveExecution(ctx context.Context, exec domain.Execution) error
	GetExecution(ctx context.Context, id domain.ExecutionID) (domain.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error)
	// UpdateExecutionStats overwrites the counters only. Returns ErrExecutionNotFound if the record is gone.
	UpdateExecutionStats(ctx context.Context, id domain.ExecutionID, stats domain.ExecutionStats) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// MetricsWriter persists the historical snapshot of a finished execution.
type MetricsWriter interface {
	WriteSnapshot(ctx context.Context, snap domain.MetricsSnapshot) error
}

// MetricsReader exposes the snapshot history of a batch, newest first.
type MetricsReader interface {
	ListSnapshots(ctx context.Context, batchID domain.BatchID) ([]domain.MetricsSnapshot, error)
}
