package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
)

func (r *Repository) SaveExecution(ctx context.Context, e domain.Execution) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO executions (id, batch_id, status, execution_type, concurrency_limit,
		                        total_jobs, completed_jobs, running_jobs, queued_jobs, error_jobs,
		                        stop_reason, error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status            = excluded.status,
			concurrency_limit = excluded.concurrency_limit,
			total_jobs        = excluded.total_jobs,
			completed_jobs    = excluded.completed_jobs,
			running_jobs      = excluded.running_jobs,
			queued_jobs       = excluded.queued_jobs,
			error_jobs        = excluded.error_jobs,
			stop_reason       = excluded.stop_reason,
			error             = excluded.error,
			completed_at      = excluded.completed_at,
			updated_at        = excluded.updated_at`,
		string(e.ID), string(e.BatchID), string(e.Status), string(e.ExecutionType), e.ConcurrencyLimit,
		e.Stats.Total, e.Stats.Completed, e.Stats.Running, e.Stats.Queued, e.Stats.Error,
		e.StopReason, e.Error, e.StartedAt.UTC(), nullTime(e.CompletedAt), e.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert execution %s: %w", e.ID, err)
	}
	return nil
}

// UpdateExecutionStats overwrites the counters of an existing execution.
func (r *Repository) UpdateExecutionStats(ctx context.Context, id domain.ExecutionID, s domain.ExecutionStats) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE executions SET
			total_jobs     = ?,
			completed_jobs = ?,
			running_jobs   = ?,
			queued_jobs    = ?,
			error_jobs     = ?,
			updated_at     = now()
		WHERE id = ?`,
		s.Total, s.Completed, s.Running, s.Queued, s.Error, string(id),
	)
	if err != nil {
		return fmt.Errorf("update execution stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution stats: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	return nil
}

const executionColumns = `id, batch_id, status, execution_type, concurrency_limit,
	total_jobs, completed_jobs, running_jobs, queued_jobs, error_jobs,
	stop_reason, error, started_at, completed_at, updated_at`

func scanExecution(s scanner) (domain.Execution, error) {
	var (
		e                                  domain.Execution
		id, batchID, status, execType      string
		stopReason, errMsg                 sql.NullString
		completedAt                        sql.NullTime
	)
	err := s.Scan(&id, &batchID, &status, &execType, &e.ConcurrencyLimit,
		&e.Stats.Total, &e.Stats.Completed, &e.Stats.Running, &e.Stats.Queued, &e.Stats.Error,
		&stopReason, &errMsg, &e.StartedAt, &completedAt, &e.UpdatedAt)
	if err != nil {
		return domain.Execution{}, err
	}
	e.ID = domain.ExecutionID(id)
	e.BatchID = domain.BatchID(batchID)
	e.Status = domain.ExecutionStatus(status)
	e.ExecutionType = domain.ExecutionType(execType)
	e.StopReason = stopReason.String
	e.Error = errMsg.String
	e.StartedAt = e.StartedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.CompletedAt = timePtr(completedAt)
	return e, nil
}

func (r *Repository) GetExecution(ctx context.Context, id domain.ExecutionID) (domain.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, string(id))
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns matching executions, newest first.
func (r *Repository) ListExecutions(ctx context.Context, f ports.ExecutionFilter) ([]domain.Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, string(f.BatchID))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []domain.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WriteSnapshot stores the metrics of a finished execution. A rerun of the
// finalizer overwrites the previous snapshot.
func (r *Repository) WriteSnapshot(ctx context.Context, snap domain.MetricsSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO metrics_snapshots (execution_id, batch_id, status, recorded_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET
			status      = excluded.status,
			recorded_at = excluded.recorded_at,
			payload     = excluded.payload`,
		string(snap.ExecutionID), string(snap.BatchID), string(snap.Status), snap.RecordedAt.UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns the metrics history of a batch, newest first.
func (r *Repository) ListSnapshots(ctx context.Context, batchID domain.BatchID) ([]domain.MetricsSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM metrics_snapshots
		WHERE batch_id = ?
		ORDER BY recorded_at DESC`, string(batchID))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := []domain.MetricsSnapshot{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var snap domain.MetricsSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
