package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/scoutOS/internal/core/ports"
)

type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the DuckDB database at path and applies the
// schema. An empty path opens an in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if path == "" {
		// every connection to "" is a separate in-memory database
		db.SetMaxOpenConns(1)
	}

	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Ensure Repository implements the storage ports
var (
	_ ports.Repository    = (*Repository)(nil)
	_ ports.MetricsWriter = (*Repository)(nil)
	_ ports.MetricsReader = (*Repository)(nil)
)

func (r *Repository) Close() error {
	return r.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS batches (
		id                    VARCHAR PRIMARY KEY,
		name                  VARCHAR NOT NULL,
		column_defs           VARCHAR NOT NULL,
		row_values            VARCHAR NOT NULL,
		instructions_template VARCHAR,
		expected_fields       VARCHAR,
		created_at            TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id                    VARCHAR PRIMARY KEY,
		batch_id              VARCHAR NOT NULL,
		execution_id          VARCHAR,
		row_index             INTEGER NOT NULL,
		url                   VARCHAR NOT NULL,
		row_data              VARCHAR,
		instructions          VARCHAR,
		status                VARCHAR NOT NULL,
		detailed_status       VARCHAR NOT NULL,
		blocked_reason        VARCHAR,
		failure_category      VARCHAR,
		message               VARCHAR,
		extracted_data        VARCHAR,
		ground_truth          VARCHAR,
		evaluation            VARCHAR,
		accuracy_score        DOUBLE,
		completion_percentage INTEGER,
		created_at            TIMESTAMP NOT NULL,
		started_at            TIMESTAMP,
		completed_at          TIMESTAMP,
		last_run_at           TIMESTAMP,
		updated_at            TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id             VARCHAR PRIMARY KEY,
		job_id         VARCHAR NOT NULL,
		execution_id   VARCHAR,
		seq            INTEGER NOT NULL,
		status         VARCHAR NOT NULL,
		raw_output     VARCHAR,
		error_message  VARCHAR,
		failure_reason VARCHAR,
		extracted_data VARCHAR,
		stream_url     VARCHAR,
		screenshots    VARCHAR,
		attempts       INTEGER,
		started_at     TIMESTAMP NOT NULL,
		completed_at   TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id                VARCHAR PRIMARY KEY,
		batch_id          VARCHAR NOT NULL,
		status            VARCHAR NOT NULL,
		execution_type    VARCHAR NOT NULL,
		concurrency_limit INTEGER NOT NULL,
		total_jobs        INTEGER NOT NULL,
		completed_jobs    INTEGER NOT NULL,
		running_jobs      INTEGER NOT NULL,
		queued_jobs       INTEGER NOT NULL,
		error_jobs        INTEGER NOT NULL,
		stop_reason       VARCHAR,
		error             VARCHAR,
		started_at        TIMESTAMP NOT NULL,
		completed_at      TIMESTAMP,
		updated_at        TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metrics_snapshots (
		execution_id VARCHAR PRIMARY KEY,
		batch_id     VARCHAR NOT NULL,
		status       VARCHAR NOT NULL,
		recorded_at  TIMESTAMP NOT NULL,
		payload      VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		name  VARCHAR PRIMARY KEY,
		value VARCHAR NOT NULL
	)`,
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting not found: %s", key)
	}
	return value, err
}

func (r *Repository) SaveSetting(ctx context.Context, key string, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// nullTime maps an optional timestamp onto a nullable column value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
