// Package memory is an in-process Repository and MetricsWriter. It backs tests
// and headless runs that do not need to persist anything.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
)

type Repository struct {
	mu         sync.RWMutex
	batches    map[domain.BatchID]domain.Batch
	jobs       map[domain.JobID]domain.Job
	sessions   map[domain.JobID][]domain.Session
	executions map[domain.ExecutionID]domain.Execution
	settings   map[string]string
	snapshots  []domain.MetricsSnapshot
}

func NewRepository() *Repository {
	return &Repository{
		batches:    make(map[domain.BatchID]domain.Batch),
		jobs:       make(map[domain.JobID]domain.Job),
		sessions:   make(map[domain.JobID][]domain.Session),
		executions: make(map[domain.ExecutionID]domain.Execution),
		settings:   make(map[string]string),
	}
}

var (
	_ ports.Repository    = (*Repository)(nil)
	_ ports.MetricsWriter = (*Repository)(nil)
	_ ports.MetricsReader = (*Repository)(nil)
)

func (r *Repository) SaveBatch(ctx context.Context, batch domain.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[batch.ID] = batch
	return nil
}

func (r *Repository) GetBatch(ctx context.Context, id domain.BatchID) (domain.Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	if !ok {
		return domain.Batch{}, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}
	return b, nil
}

func (r *Repository) SaveJobs(ctx context.Context, jobs []domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return nil
}

func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return j, nil
}

func (r *Repository) ListJobs(ctx context.Context, f ports.JobFilter) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Job, 0)
	for _, j := range r.jobs {
		if f.BatchID != "" && j.BatchID != f.BatchID {
			continue
		}
		if f.ExecutionID != "" && j.ExecutionID != f.ExecutionID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.DetailedStatus != "" && j.DetailedStatus != f.DetailedStatus {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].BatchID != out[b].BatchID {
			return out[a].BatchID < out[b].BatchID
		}
		return out[a].RowIndex < out[b].RowIndex
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *Repository) SaveSession(ctx context.Context, s domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.sessions[s.JobID]
	for i := range list {
		if list[i].ID == s.ID {
			list[i] = s
			return nil
		}
	}
	r.sessions[s.JobID] = append(list, s)
	return nil
}

func (r *Repository) ListSessions(ctx context.Context, jobID domain.JobID) ([]domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.sessions[jobID])
	sort.Slice(out, func(a, b int) bool { return out[a].Sequence < out[b].Sequence })
	if out == nil {
		out = []domain.Session{}
	}
	return out, nil
}

func (r *Repository) SaveExecution(ctx context.Context, exec domain.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[exec.ID] = exec
	return nil
}

func (r *Repository) GetExecution(ctx context.Context, id domain.ExecutionID) (domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executions[id]
	if !ok {
		return domain.Execution{}, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	return e, nil
}

func (r *Repository) ListExecutions(ctx context.Context, f ports.ExecutionFilter) ([]domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Execution, 0)
	for _, e := range r.executions {
		if f.BatchID != "" && e.BatchID != f.BatchID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	return out, nil
}

func (r *Repository) UpdateExecutionStats(ctx context.Context, id domain.ExecutionID, stats domain.ExecutionStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	e.Stats = stats
	r.executions[id] = e
	return nil
}

// DeleteExecution removes an execution record. Deletion is an external operation;
// the orchestrator never calls it.
func (r *Repository) DeleteExecution(ctx context.Context, id domain.ExecutionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executions, id)
	return nil
}

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.settings[key]
	if !ok {
		return "", fmt.Errorf("setting not found: %s", key)
	}
	return v, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key string, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[key] = value
	return nil
}

func (r *Repository) WriteSnapshot(ctx context.Context, snap domain.MetricsSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snap)
	return nil
}

func (r *Repository) ListSnapshots(ctx context.Context, batchID domain.BatchID) ([]domain.MetricsSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.MetricsSnapshot, 0)
	for i := len(r.snapshots) - 1; i >= 0; i-- {
		if r.snapshots[i].BatchID == batchID {
			out = append(out, r.snapshots[i])
		}
	}
	return out, nil
}

// Snapshots returns the metrics snapshots written so far, oldest first.
func (r *Repository) Snapshots() []domain.MetricsSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.snapshots)
}
