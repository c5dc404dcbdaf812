// Package agent talks to a remote browser-agent service over HTTP: it creates a
// task, polls it until it settles and maps the outcome onto an ExtractionResult.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
)

// Task states reported by the agent service.
const (
	taskCreated  = "created"
	taskRunning  = "running"
	taskFinished = "finished"
	taskFailed   = "failed"
	taskStopped  = "stopped"
)

// statusError is a non-2xx answer. Client errors do not count against the breaker.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("agent returned status %d: %s", e.Code, e.Body)
}

type Options struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration // per task; 0 disables
	HTTPClient   *http.Client
}

// Client implements ports.Extractor against the agent task API.
type Client struct {
	logger  *slog.Logger
	opts    Options
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ ports.Extractor = (*Client)(nil)

func NewClient(logger *slog.Logger, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("agent base_url is required")
	}
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{logger: logger, opts: opts, http: httpClient}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "browser-agent",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.Code < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("agent circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

type createTaskRequest struct {
	URL          string            `json:"url"`
	Instructions string            `json:"instructions"`
	Schema       []string          `json:"schema,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type taskResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	LiveURL     string          `json:"live_url"`
	Output      json.RawMessage `json:"output"`
	Logs        string          `json:"logs"`
	Error       string          `json:"error"`
	Screenshots []string        `json:"screenshots"`
	DurationMs  int64           `json:"duration_ms"`
}

// Extract runs one agent task to completion.
func (c *Client) Extract(ctx context.Context, req ports.ExtractionRequest) (domain.ExtractionResult, error) {
	started := time.Now()
	parent := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	task, err := c.createTask(ctx, req)
	if err != nil {
		return domain.ExtractionResult{}, c.mapCtxErr(parent, ctx, started, fmt.Errorf("failed to create agent task: %w", err))
	}
	c.logger.Debug("agent task created", "job_id", req.JobID, "task_id", task.ID)
	req.ReportStreamURL(task.LiveURL)

	for {
		switch task.Status {
		case taskFinished, taskFailed, taskStopped:
			return toResult(task, time.Since(started))
		}

		select {
		case <-ctx.Done():
			c.stopTask(task.ID)
			return domain.ExtractionResult{}, c.mapCtxErr(parent, ctx, started, ctx.Err())
		case <-time.After(c.opts.PollInterval):
		}

		next, err := c.getTask(ctx, task.ID)
		if err != nil {
			if ctx.Err() != nil {
				c.stopTask(task.ID)
			}
			return domain.ExtractionResult{}, c.mapCtxErr(parent, ctx, started, fmt.Errorf("failed to poll agent task: %w", err))
		}
		if next.ID == "" {
			next.ID = task.ID
		}
		task = next
		req.ReportStreamURL(task.LiveURL)
	}
}

// mapCtxErr turns our own task deadline into a TimeoutError; a cancelled caller stays a context error.
func (c *Client) mapCtxErr(parent, ctx context.Context, started time.Time, err error) error {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.TimeoutError{ElapsedMs: time.Since(started).Milliseconds()}
	}
	return err
}

func toResult(task taskResponse, elapsed time.Duration) (domain.ExtractionResult, error) {
	res := domain.ExtractionResult{
		Logs:        task.Logs,
		Screenshots: task.Screenshots,
		StreamURL:   task.LiveURL,
		DurationMs:  task.DurationMs,
	}
	if res.DurationMs == 0 {
		res.DurationMs = elapsed.Milliseconds()
	}

	switch task.Status {
	case taskFailed:
		res.Error = task.Error
		if res.Error == "" {
			res.Error = "agent task failed"
		}
		return res, nil
	case taskStopped:
		return res, fmt.Errorf("agent task %s was stopped", task.ID)
	}

	data, err := decodeOutput(task.Output)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	res.ExtractedData = data
	return res, nil
}

// decodeOutput accepts the output either as a JSON object or as a string holding one.
func decodeOutput(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, fmt.Errorf("unexpected agent output: %s", domain.Truncate(string(raw), 200))
	}
	return domain.ParseJSONObject(text)
}

func (c *Client) createTask(ctx context.Context, req ports.ExtractionRequest) (taskResponse, error) {
	body, err := json.Marshal(createTaskRequest{
		URL:          req.URL,
		Instructions: req.Instructions,
		Schema:       req.Schema,
		Metadata:     map[string]string{"job_id": string(req.JobID)},
	})
	if err != nil {
		return taskResponse{}, fmt.Errorf("failed to marshal task: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/v1/tasks", body)
}

func (c *Client) getTask(ctx context.Context, id string) (taskResponse, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/tasks/"+id, nil)
}

// stopTask asks the agent to abandon a task. Best effort.
func (c *Client) stopTask(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.do(ctx, http.MethodPut, "/api/v1/tasks/"+id+"/stop", nil); err != nil {
		c.logger.Warn("failed to stop agent task", "task_id", id, "error", err)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (taskResponse, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		}

		var task taskResponse
		if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
			return nil, fmt.Errorf("failed to decode agent response: %w", err)
		}
		return task, nil
	})
	if err != nil {
		return taskResponse{}, err
	}
	return out.(taskResponse), nil
}
