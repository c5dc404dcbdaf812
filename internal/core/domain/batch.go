package domain

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type BatchID string

// Column describes one input column of an already-parsed batch.
type Column struct {
	Name          string `json:"name"`
	Type          string `json:"type,omitempty"`
	IsURL         bool   `json:"is_url"`
	IsGroundTruth bool   `json:"is_ground_truth"`
}

// Batch is a tabular set of input rows plus the instruction template applied to each.
type Batch struct {
	ID                   BatchID             `json:"id"`
	Name                 string              `json:"name"`
	Columns              []Column            `json:"columns"`
	Rows                 []map[string]string `json:"rows"`
	InstructionsTemplate string              `json:"instructions_template"`
	ExpectedFields       []string            `json:"expected_fields,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
}

func NewBatchID() BatchID {
	return BatchID(uuid.New().String())
}

// URLColumn returns the column that holds the target URL.
func (b *Batch) URLColumn() (string, bool) {
	for _, c := range b.Columns {
		if c.IsURL {
			return c.Name, true
		}
	}
	return "", false
}

// GroundTruthColumns returns the names of the columns holding expected values, in declaration order.
func (b *Batch) GroundTruthColumns() []string {
	var out []string
	for _, c := range b.Columns {
		if c.IsGroundTruth {
			out = append(out, c.Name)
		}
	}
	return out
}

// Fields returns the expected output fields. When none were declared the
// ground-truth column names are used.
func (b *Batch) Fields() []string {
	if len(b.ExpectedFields) > 0 {
		return b.ExpectedFields
	}
	return b.GroundTruthColumns()
}

// Validate checks that the batch can be turned into jobs.
func (b *Batch) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	urlCol, ok := b.URLColumn()
	if !ok {
		return &ValidationError{Field: "columns", Reason: "exactly one column must be marked as URL"}
	}
	seen := make(map[string]bool, len(b.Columns))
	urls := 0
	for _, c := range b.Columns {
		if c.Name == "" {
			return &ValidationError{Field: "columns", Reason: "column name must not be empty"}
		}
		if seen[c.Name] {
			return &ValidationError{Field: "columns", Reason: fmt.Sprintf("duplicate column %q", c.Name)}
		}
		seen[c.Name] = true
		if c.IsURL {
			urls++
		}
	}
	if urls > 1 {
		return &ValidationError{Field: "columns", Reason: "exactly one column must be marked as URL"}
	}
	if len(b.Rows) == 0 {
		return &ValidationError{Field: "rows", Reason: "batch has no rows"}
	}
	for i, row := range b.Rows {
		if strings.TrimSpace(row[urlCol]) == "" {
			return &ValidationError{Field: "rows", Reason: fmt.Sprintf("row %d has an empty %s", i, urlCol)}
		}
	}
	return nil
}

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// RenderInstructions substitutes {column} placeholders with row values.
// Unknown placeholders are left untouched.
func RenderInstructions(template string, row map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := strings.TrimSpace(m[1 : len(m)-1])
		if v, ok := row[key]; ok {
			return v
		}
		return m
	})
}

// BuildJobs derives one queued job per row. instructions overrides the batch template when not empty.
func (b *Batch) BuildJobs(instructions string, now time.Time) ([]*Job, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	tmpl := b.InstructionsTemplate
	if instructions != "" {
		tmpl = instructions
	}
	urlCol, _ := b.URLColumn()
	gtCols := b.GroundTruthColumns()

	jobs := make([]*Job, 0, len(b.Rows))
	for i, row := range b.Rows {
		data := make(map[string]string, len(row))
		for k, v := range row {
			data[k] = v
		}
		var gt map[string]string
		if len(gtCols) > 0 {
			gt = make(map[string]string, len(gtCols))
			for _, c := range gtCols {
				gt[c] = row[c]
			}
		}
		jobs = append(jobs, &Job{
			ID:             JobID(fmt.Sprintf("%s-%05d", b.ID, i)),
			BatchID:        b.ID,
			RowIndex:       i,
			URL:            strings.TrimSpace(row[urlCol]),
			RowData:        data,
			Instructions:   RenderInstructions(tmpl, row),
			Status:         JobStatusQueued,
			DetailedStatus: DetailedStatusQueued,
			GroundTruth:    gt,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return jobs, nil
}

// Schema returns the field list handed to extractors, sorted for stable prompts.
func Schema(fields []string) []string {
	out := append([]string(nil), fields...)
	sort.Strings(out)
	return out
}

var (
	ErrBatchNotFound = errors.New("batch not found")
)
