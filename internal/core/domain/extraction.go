package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractionResult is what an extractor hands back for one attempt.
// A non-empty Error with a nil Go error means the agent ran but reported failure.
type ExtractionResult struct {
	ExtractedData map[string]any `json:"extracted_data,omitempty"`
	Logs          string         `json:"logs,omitempty"`
	Error         string         `json:"error,omitempty"`
	AccuracyScore *float64       `json:"accuracy_score,omitempty"`
	Screenshots   []string       `json:"screenshots,omitempty"`
	StreamURL     string         `json:"stream_url,omitempty"`
	// DurationMs is the agent-reported run time. The larger of this and the
	// wall-clock time is used for timeout detection.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// Signals are the raw observations fed to the classifier.
type Signals struct {
	LogText        string
	ErrorText      string
	Failed         bool
	Extracted      map[string]any
	ExpectedFields []string
	ElapsedMs      int64
}

// Classification is the classifier verdict for one job run.
type Classification struct {
	DetailedStatus       DetailedStatus  `json:"detailed_status"`
	BlockedReason        BlockedReason   `json:"blocked_reason,omitempty"`
	FailureCategory      FailureCategory `json:"failure_category,omitempty"`
	FieldsExtracted      []string        `json:"fields_extracted"`
	FieldsMissing        []string        `json:"fields_missing"`
	CompletionPercentage int             `json:"completion_percentage"`
	Message              string          `json:"message"`
}

// ParseJSONObject extracts the outermost JSON object from free text, tolerating
// markdown fences and surrounding prose.
func ParseJSONObject(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output: %s", Truncate(text, 200))
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON in output: %w", err)
	}
	return obj, nil
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
