package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertJob = `
	INSERT INTO jobs (id, batch_id, execution_id, row_index, url, row_data, instructions,
	                  status, detailed_status, blocked_reason, failure_category, message,
	                  extracted_data, ground_truth, evaluation, accuracy_score, completion_percentage,
	                  created_at, started_at, completed_at, last_run_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		execution_id          = excluded.execution_id,
		instructions          = excluded.instructions,
		status                = excluded.status,
		detailed_status       = excluded.detailed_status,
		blocked_reason        = excluded.blocked_reason,
		failure_category      = excluded.failure_category,
		message               = excluded.message,
		extracted_data        = excluded.extracted_data,
		evaluation            = excluded.evaluation,
		accuracy_score        = excluded.accuracy_score,
		completion_percentage = excluded.completion_percentage,
		started_at            = excluded.started_at,
		completed_at          = excluded.completed_at,
		last_run_at           = excluded.last_run_at,
		updated_at            = excluded.updated_at`

func saveJob(ctx context.Context, db execer, j domain.Job) error {
	rowData, err := marshalNullable(j.RowData)
	if err != nil {
		return fmt.Errorf("failed to marshal row data: %w", err)
	}
	extracted, err := marshalNullable(j.ExtractedData)
	if err != nil {
		return fmt.Errorf("failed to marshal extracted data: %w", err)
	}
	groundTruth, err := marshalNullable(j.GroundTruth)
	if err != nil {
		return fmt.Errorf("failed to marshal ground truth: %w", err)
	}
	var score any
	if j.AccuracyScore != nil {
		score = *j.AccuracyScore
	}

	_, err = db.ExecContext(ctx, upsertJob,
		string(j.ID), string(j.BatchID), string(j.ExecutionID), j.RowIndex, j.URL, rowData, j.Instructions,
		string(j.Status), string(j.DetailedStatus), string(j.BlockedReason), string(j.FailureCategory), j.Message,
		extracted, groundTruth, string(j.Evaluation), score, j.CompletionPercentage,
		j.CreatedAt.UTC(), nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.LastRunAt), j.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", j.ID, err)
	}
	return nil
}

func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	return saveJob(ctx, r.db, job)
}

// SaveJobs writes all jobs in one transaction.
func (r *Repository) SaveJobs(ctx context.Context, jobs []domain.Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, j := range jobs {
		if err := saveJob(ctx, tx, j); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const jobColumns = `id, batch_id, execution_id, row_index, url, row_data, instructions,
	status, detailed_status, blocked_reason, failure_category, message,
	extracted_data, ground_truth, evaluation, accuracy_score, completion_percentage,
	created_at, started_at, completed_at, last_run_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (domain.Job, error) {
	var (
		j                                                   domain.Job
		id, batchID, status, detailed                       string
		execID, rowData, instructions, blocked, category    sql.NullString
		message, extracted, groundTruth, evaluation         sql.NullString
		score                                               sql.NullFloat64
		completion                                          sql.NullInt64
		startedAt, completedAt, lastRunAt                   sql.NullTime
	)
	err := s.Scan(&id, &batchID, &execID, &j.RowIndex, &j.URL, &rowData, &instructions,
		&status, &detailed, &blocked, &category, &message,
		&extracted, &groundTruth, &evaluation, &score, &completion,
		&j.CreatedAt, &startedAt, &completedAt, &lastRunAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}

	j.ID = domain.JobID(id)
	j.BatchID = domain.BatchID(batchID)
	j.ExecutionID = domain.ExecutionID(execID.String)
	j.Instructions = instructions.String
	j.Status = domain.JobStatus(status)
	j.DetailedStatus = domain.DetailedStatus(detailed)
	j.BlockedReason = domain.BlockedReason(blocked.String)
	j.FailureCategory = domain.FailureCategory(category.String)
	j.Message = message.String
	j.Evaluation = domain.Evaluation(evaluation.String)
	if score.Valid {
		v := score.Float64
		j.AccuracyScore = &v
	}
	j.CompletionPercentage = int(completion.Int64)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	j.LastRunAt = timePtr(lastRunAt)

	if err := unmarshalNullable(rowData, &j.RowData); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal row data: %w", err)
	}
	if err := unmarshalNullable(extracted, &j.ExtractedData); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal extracted data: %w", err)
	}
	if err := unmarshalNullable(groundTruth, &j.GroundTruth); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal ground truth: %w", err)
	}
	return j, nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) ListJobs(ctx context.Context, f ports.JobFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, string(f.BatchID))
	}
	if f.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, string(f.ExecutionID))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.DetailedStatus != "" {
		where = append(where, "detailed_status = ?")
		args = append(args, string(f.DetailedStatus))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY batch_id, row_index`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *Repository) SaveSession(ctx context.Context, s domain.Session) error {
	extracted, err := marshalNullable(s.ExtractedData)
	if err != nil {
		return fmt.Errorf("failed to marshal extracted data: %w", err)
	}
	screenshots, err := marshalNullable(s.Screenshots)
	if err != nil {
		return fmt.Errorf("failed to marshal screenshots: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, job_id, execution_id, seq, status, raw_output, error_message,
		                      failure_reason, extracted_data, stream_url, screenshots, attempts,
		                      started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status         = excluded.status,
			raw_output     = excluded.raw_output,
			error_message  = excluded.error_message,
			failure_reason = excluded.failure_reason,
			extracted_data = excluded.extracted_data,
			stream_url     = excluded.stream_url,
			screenshots    = excluded.screenshots,
			attempts       = excluded.attempts,
			completed_at   = excluded.completed_at`,
		string(s.ID), string(s.JobID), string(s.ExecutionID), s.Sequence, string(s.Status),
		s.RawOutput, s.ErrorMessage, string(s.FailureReason), extracted, s.StreamURL, screenshots,
		s.Attempts, s.StartedAt.UTC(), nullTime(s.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}
	return nil
}

func (r *Repository) ListSessions(ctx context.Context, jobID domain.JobID) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, execution_id, seq, status, raw_output, error_message,
		       failure_reason, extracted_data, stream_url, screenshots, attempts,
		       started_at, completed_at
		FROM sessions WHERE job_id = ?
		ORDER BY seq`, string(jobID))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []domain.Session{}
	for rows.Next() {
		var (
			s                                      domain.Session
			id, job, status                        string
			execID, raw, errMsg, reason, streamURL sql.NullString
			extracted, screenshots                 sql.NullString
			attempts                               sql.NullInt64
			completedAt                            sql.NullTime
		)
		if err := rows.Scan(&id, &job, &execID, &s.Sequence, &status, &raw, &errMsg,
			&reason, &extracted, &streamURL, &screenshots, &attempts,
			&s.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.ID = domain.SessionID(id)
		s.JobID = domain.JobID(job)
		s.ExecutionID = domain.ExecutionID(execID.String)
		s.Status = domain.SessionStatus(status)
		s.RawOutput = raw.String
		s.ErrorMessage = errMsg.String
		s.FailureReason = domain.FailureCategory(reason.String)
		s.StreamURL = streamURL.String
		s.Attempts = int(attempts.Int64)
		s.StartedAt = s.StartedAt.UTC()
		s.CompletedAt = timePtr(completedAt)
		if err := unmarshalNullable(extracted, &s.ExtractedData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extracted data: %w", err)
		}
		if err := unmarshalNullable(screenshots, &s.Screenshots); err != nil {
			return nil, fmt.Errorf("failed to unmarshal screenshots: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
