package duckdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "scout.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func ts() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func TestRepository_Batches(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	batch := domain.Batch{
		ID:   "b-1",
		Name: "catalog",
		Columns: []domain.Column{
			{Name: "url", IsURL: true},
			{Name: "price", Type: "number", IsGroundTruth: true},
		},
		Rows:                 []map[string]string{{"url": "https://a.example", "price": "10"}},
		InstructionsTemplate: "Price at {url}",
		CreatedAt:            ts(),
	}
	require.NoError(t, repo.SaveBatch(ctx, batch))

	got, err := repo.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, batch.Columns, got.Columns)
	assert.Equal(t, batch.Rows, got.Rows)
	assert.Equal(t, "Price at {url}", got.InstructionsTemplate)
	assert.Empty(t, got.ExpectedFields)
	assert.WithinDuration(t, batch.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = repo.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestRepository_Jobs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := ts()

	jobs := []domain.Job{
		{ID: "j-1", BatchID: "b-1", RowIndex: 1, URL: "https://b.example", Status: domain.JobStatusQueued, DetailedStatus: domain.DetailedStatusQueued, CreatedAt: now, UpdatedAt: now},
		{ID: "j-0", BatchID: "b-1", RowIndex: 0, URL: "https://a.example", Status: domain.JobStatusQueued, DetailedStatus: domain.DetailedStatusQueued,
			RowData: map[string]string{"url": "https://a.example"}, GroundTruth: map[string]string{"price": "10"}, CreatedAt: now, UpdatedAt: now},
	}
	require.NoError(t, repo.SaveJobs(ctx, jobs))

	listed, err := repo.ListJobs(ctx, ports.JobFilter{BatchID: "b-1"})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, domain.JobID("j-0"), listed[0].ID)
	assert.Equal(t, map[string]string{"price": "10"}, listed[0].GroundTruth)
	assert.Nil(t, listed[1].GroundTruth)

	score := 0.75
	done := now.Add(time.Second)
	j := listed[0]
	j.ExecutionID = "e-1"
	j.Status = domain.JobStatusError
	j.DetailedStatus = domain.DetailedStatusBlocked
	j.BlockedReason = domain.BlockedReasonCaptcha
	j.FailureCategory = domain.FailureCategoryBlocked
	j.ExtractedData = map[string]any{"price": "9"}
	j.Evaluation = domain.EvaluationFail
	j.AccuracyScore = &score
	j.CompletedAt = &done
	require.NoError(t, repo.SaveJob(ctx, j))

	got, err := repo.GetJob(ctx, "j-0")
	require.NoError(t, err)
	assert.Equal(t, domain.DetailedStatusBlocked, got.DetailedStatus)
	assert.Equal(t, domain.BlockedReasonCaptcha, got.BlockedReason)
	assert.Equal(t, "9", got.ExtractedData["price"])
	require.NotNil(t, got.AccuracyScore)
	assert.InDelta(t, 0.75, *got.AccuracyScore, 1e-9)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, done, *got.CompletedAt, time.Millisecond)
	assert.Nil(t, got.StartedAt)

	failed, err := repo.ListJobs(ctx, ports.JobFilter{ExecutionID: "e-1", Status: domain.JobStatusError})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	limited, err := repo.ListJobs(ctx, ports.JobFilter{BatchID: "b-1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = repo.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRepository_Sessions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	second := domain.Session{ID: "s-2", JobID: "j-1", Sequence: 2, Status: domain.SessionStatusRunning, StartedAt: ts()}
	first := domain.Session{ID: "s-1", JobID: "j-1", Sequence: 1, Status: domain.SessionStatusFailed, StartedAt: ts(),
		ErrorMessage: "timed out", FailureReason: domain.FailureCategoryTimeout, Attempts: 5}
	require.NoError(t, repo.SaveSession(ctx, second))
	require.NoError(t, repo.SaveSession(ctx, first))

	second.StreamURL = "https://live.example/1"
	second.Status = domain.SessionStatusCompleted
	second.Screenshots = []string{"shot-1.png"}
	require.NoError(t, repo.SaveSession(ctx, second))

	sessions, err := repo.ListSessions(ctx, "j-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, 1, sessions[0].Sequence)
	assert.Equal(t, 5, sessions[0].Attempts)
	assert.Equal(t, domain.FailureCategoryTimeout, sessions[0].FailureReason)
	assert.Equal(t, "https://live.example/1", sessions[1].StreamURL)
	assert.Equal(t, []string{"shot-1.png"}, sessions[1].Screenshots)

	none, err := repo.ListSessions(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRepository_Executions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := ts()

	exec := domain.Execution{
		ID:               "e-1",
		BatchID:          "b-1",
		Status:           domain.ExecutionStatusRunning,
		ExecutionType:    domain.ExecutionTypeFull,
		ConcurrencyLimit: 5,
		Stats:            domain.ExecutionStats{Total: 3, Queued: 3},
		StartedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, repo.SaveExecution(ctx, exec))
	require.NoError(t, repo.SaveExecution(ctx, domain.Execution{
		ID: "e-0", BatchID: "b-1", Status: domain.ExecutionStatusCompleted, ExecutionType: domain.ExecutionTypeTest,
		ConcurrencyLimit: 1, StartedAt: now.Add(-time.Hour), UpdatedAt: now,
	}))

	stats := domain.ExecutionStats{Total: 3, Completed: 1, Running: 1, Queued: 1, Error: 1}
	require.NoError(t, repo.UpdateExecutionStats(ctx, "e-1", stats))

	got, err := repo.GetExecution(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, stats, got.Stats)
	assert.Equal(t, domain.ExecutionStatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	err = repo.UpdateExecutionStats(ctx, "missing", stats)
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
	_, err = repo.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)

	active, err := repo.ListExecutions(ctx, ports.ExecutionFilter{
		Statuses: []domain.ExecutionStatus{domain.ExecutionStatusRunning, domain.ExecutionStatusPaused},
	})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.ExecutionID("e-1"), active[0].ID)

	all, err := repo.ListExecutions(ctx, ports.ExecutionFilter{BatchID: "b-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.ExecutionID("e-1"), all[0].ID, "newest first")
}

func TestRepository_SnapshotsAndSettings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	snap := domain.MetricsSnapshot{
		ExecutionID:      "e-1",
		BatchID:          "b-1",
		Status:           domain.ExecutionStatusCompleted,
		TotalJobs:        3,
		SucceededJobs:    1,
		ErrorJobs:        2,
		BlockedBreakdown: map[domain.BlockedReason]int{domain.BlockedReasonCaptcha: 1},
		RecordedAt:       ts(),
	}
	require.NoError(t, repo.WriteSnapshot(ctx, snap))
	snap.SucceededJobs = 2
	require.NoError(t, repo.WriteSnapshot(ctx, snap))

	snaps, err := repo.ListSnapshots(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].SucceededJobs)
	assert.Equal(t, 1, snaps[0].BlockedBreakdown[domain.BlockedReasonCaptcha])

	_, err = repo.GetSetting(ctx, "app_config")
	assert.Error(t, err)
	require.NoError(t, repo.SaveSetting(ctx, "app_config", `{"a":1}`))
	require.NoError(t, repo.SaveSetting(ctx, "app_config", `{"a":2}`))
	v, err := repo.GetSetting(ctx, "app_config")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, v)
}

func TestRepository_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scout.db")
	repo, err := NewRepository(path)
	require.NoError(t, err)
	require.NoError(t, repo.SaveSetting(context.Background(), "k", "v"))
	require.NoError(t, repo.Close())

	repo, err = NewRepository(path)
	require.NoError(t, err)
	defer repo.Close()
	v, err := repo.GetSetting(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}
