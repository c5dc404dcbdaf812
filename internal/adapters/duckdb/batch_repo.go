package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/scoutOS/internal/core/domain"
)

func (r *Repository) SaveBatch(ctx context.Context, b domain.Batch) error {
	columnsJSON, err := json.Marshal(b.Columns)
	if err != nil {
		return fmt.Errorf("failed to marshal columns: %w", err)
	}
	rowsJSON, err := json.Marshal(b.Rows)
	if err != nil {
		return fmt.Errorf("failed to marshal rows: %w", err)
	}
	fieldsJSON, err := json.Marshal(b.ExpectedFields)
	if err != nil {
		return fmt.Errorf("failed to marshal expected fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO batches (id, name, column_defs, row_values, instructions_template, expected_fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name                  = excluded.name,
			column_defs           = excluded.column_defs,
			row_values            = excluded.row_values,
			instructions_template = excluded.instructions_template,
			expected_fields       = excluded.expected_fields`,
		string(b.ID), b.Name, string(columnsJSON), string(rowsJSON),
		b.InstructionsTemplate, string(fieldsJSON), b.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

func (r *Repository) GetBatch(ctx context.Context, id domain.BatchID) (domain.Batch, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, column_defs, row_values, instructions_template, expected_fields, created_at
		FROM batches WHERE id = ?`, string(id))

	var (
		b                              domain.Batch
		idStr, columnsJSON, rowsJSON   string
		instructions, expectedFieldsJS sql.NullString
	)
	err := row.Scan(&idStr, &b.Name, &columnsJSON, &rowsJSON, &instructions, &expectedFieldsJS, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Batch{}, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}
	if err != nil {
		return domain.Batch{}, fmt.Errorf("get batch: %w", err)
	}

	b.ID = domain.BatchID(idStr)
	b.InstructionsTemplate = instructions.String
	b.CreatedAt = b.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(columnsJSON), &b.Columns); err != nil {
		return domain.Batch{}, fmt.Errorf("failed to unmarshal columns: %w", err)
	}
	if err := json.Unmarshal([]byte(rowsJSON), &b.Rows); err != nil {
		return domain.Batch{}, fmt.Errorf("failed to unmarshal rows: %w", err)
	}
	if err := unmarshalNullable(expectedFieldsJS, &b.ExpectedFields); err != nil {
		return domain.Batch{}, fmt.Errorf("failed to unmarshal expected fields: %w", err)
	}
	return b, nil
}

// unmarshalNullable decodes a JSON text column; NULL and "null" leave dst untouched.
func unmarshalNullable(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

// marshalNullable encodes v as JSON text, storing NULL for nil maps and slices.
func marshalNullable(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}
