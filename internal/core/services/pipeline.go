package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
)

// jobRun carries the mutable state of one job through the pipeline.
type jobRun struct {
	job     domain.Job
	session domain.Session
	started time.Time

	// running and settled guard the counter deltas so a panic never double counts
	running bool
	settled bool

	sessionMu sync.Mutex
}

// runJob is the per-job pipeline. It never panics and never returns an error:
// every failure ends up as a job status, a session record and an event.
func (o *Orchestrator) runJob(ctx context.Context, r *run, job domain.Job) {
	jr := &jobRun{job: job, started: o.now().UTC()}

	defer r.jobs.Done()
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("job pipeline panicked", "execution_id", r.id, "job_id", job.ID, "panic", rec)
			o.settleInternalError(r, jr, fmt.Errorf("internal error: %v", rec))
		}
	}()

	if err := o.markRunning(ctx, r, jr); err != nil {
		o.logger.Error("failed to start job", "execution_id", r.id, "job_id", job.ID, "error", err)
		o.settleInternalError(r, jr, err)
		return
	}

	var (
		last      domain.ExtractionResult
		attemptMs int64 // wall-clock time of the last attempt
		lastMu    sync.Mutex
		request = ports.ExtractionRequest{
			JobID:        job.ID,
			URL:          job.URL,
			Instructions: job.Instructions,
			Schema:       domain.Schema(r.fields),
			GroundTruth:  job.GroundTruth,
			Progress:     ports.ProgressFunc(func(url string) { o.reportStreamURL(r, jr, url) }),
		}
	)

	policy := o.cfg.Retry
	policy.OnRetry = func(err error, attempt int) {
		o.logger.Warn("extraction attempt failed, retrying",
			"execution_id", r.id, "job_id", job.ID, "attempt", attempt, "error", err)
		o.emit(r, domain.EventJobProgress, job.ID, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
	}

	result := RunWithRetry(ctx, policy, func(ctx context.Context, attempt int) (domain.ExtractionResult, error) {
		ext := o.currentExtractor()
		if ext == nil {
			return domain.ExtractionResult{}, &domain.ValidationError{Reason: "no extractor configured"}
		}
		started := o.now()
		res, err := ext.Extract(ctx, request)
		took := o.now().Sub(started).Milliseconds()
		lastMu.Lock()
		last = res
		attemptMs = took
		lastMu.Unlock()
		if res.StreamURL != "" {
			request.ReportStreamURL(res.StreamURL)
		}
		return res, attemptError(res, err)
	})

	lastMu.Lock()
	output := last
	attemptElapsed := attemptMs
	lastMu.Unlock()

	// timeouts are judged per attempt; retries and backoff only lengthen the job
	attemptElapsed = max(attemptElapsed, output.DurationMs)
	elapsed := max(o.now().Sub(jr.started).Milliseconds(), output.DurationMs)

	var errText string
	if !result.Success && result.Err != nil {
		errText = result.Err.Error()
	}
	cls := Classify(domain.Signals{
		LogText:        output.Logs,
		ErrorText:      errText,
		Failed:         !result.Success,
		Extracted:      output.ExtractedData,
		ExpectedFields: r.fields,
		ElapsedMs:      attemptElapsed,
	})
	eval := Evaluate(jr.job.GroundTruth, output.ExtractedData)
	if eval.AccuracyScore == nil && output.AccuracyScore != nil {
		eval.AccuracyScore = output.AccuracyScore
	}

	o.settle(ctx, r, jr, outcome{
		cls:      cls,
		eval:     eval,
		output:   output,
		attempts: result.Attempts,
		lastErr:  errText,
		elapsed:  elapsed,
	})
}

// attemptError turns one extractor answer into the error the retry policy sees.
func attemptError(res domain.ExtractionResult, err error) error {
	if err == nil && res.Error == "" {
		return nil
	}
	if err == nil {
		err = errors.New(res.Error)
	}

	var verr *domain.ValidationError
	var berr *domain.BlockedError
	var terr *domain.TimeoutError
	switch {
	case errors.As(err, &verr), errors.As(err, &berr), errors.As(err, &terr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	if reason := DetectBlockedReason(err.Error() + "\n" + res.Logs); reason != "" {
		return &domain.BlockedError{Reason: reason, Detail: err.Error()}
	}
	return &domain.TransientExtractionError{Err: err}
}

func (o *Orchestrator) markRunning(ctx context.Context, r *run, jr *jobRun) error {
	now := jr.started
	jr.job.Status = domain.JobStatusRunning
	jr.job.DetailedStatus = domain.DetailedStatusRunning
	jr.job.ExecutionID = r.id
	jr.job.StartedAt = &now
	jr.job.LastRunAt = &now
	jr.job.UpdatedAt = now
	if err := o.repo.SaveJob(ctx, jr.job); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	r.recorder.Add(statsDelta{queued: -1, running: 1})
	jr.running = true

	o.emit(r, domain.EventJobStarted, jr.job.ID, map[string]any{
		"url":       jr.job.URL,
		"row_index": jr.job.RowIndex,
	})

	sessions, err := o.repo.ListSessions(ctx, jr.job.ID)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	jr.session = domain.Session{
		ID:          domain.NewSessionID(),
		JobID:       jr.job.ID,
		ExecutionID: r.id,
		Sequence:    len(sessions) + 1,
		Status:      domain.SessionStatusRunning,
		StartedAt:   now,
	}
	if err := o.repo.SaveSession(ctx, jr.session); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// reportStreamURL records a live-view URL on the running session.
func (o *Orchestrator) reportStreamURL(r *run, jr *jobRun, url string) {
	jr.sessionMu.Lock()
	if jr.session.StreamURL == url {
		jr.sessionMu.Unlock()
		return
	}
	jr.session.StreamURL = url
	s := jr.session
	jr.sessionMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
	defer cancel()
	if err := o.repo.SaveSession(ctx, s); err != nil {
		o.logger.Warn("failed to save stream url", "job_id", jr.job.ID, "error", err)
	}
	o.emit(r, domain.EventJobProgress, jr.job.ID, map[string]any{
		"session_id": s.ID,
		"stream_url": url,
	})
}

type outcome struct {
	cls      domain.Classification
	eval     EvaluationResult
	output   domain.ExtractionResult
	attempts int
	lastErr  string
	elapsed  int64
}

func (o *Orchestrator) settle(ctx context.Context, r *run, jr *jobRun, out outcome) {
	now := time.Now().UTC()
	cls := out.cls

	message := cls.Message
	if out.lastErr != "" && out.attempts > 1 {
		message = fmt.Sprintf("%s (after %d attempts)", message, out.attempts)
	}

	job := &jr.job
	job.DetailedStatus = cls.DetailedStatus
	job.Status = cls.DetailedStatus.LegacyStatus()
	job.BlockedReason = cls.BlockedReason
	job.FailureCategory = cls.FailureCategory
	job.Message = message
	job.ExtractedData = out.output.ExtractedData
	job.Evaluation = out.eval.Evaluation
	job.AccuracyScore = out.eval.AccuracyScore
	job.CompletionPercentage = cls.CompletionPercentage
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := o.repo.SaveJob(ctx, *job); err != nil {
		o.logger.Error("failed to save job outcome", "execution_id", r.id, "job_id", job.ID, "error", err)
	}

	jr.sessionMu.Lock()
	s := &jr.session
	if cls.DetailedStatus.IsSuccess() {
		s.Status = domain.SessionStatusCompleted
	} else {
		s.Status = domain.SessionStatusFailed
	}
	s.RawOutput = out.output.Logs
	s.ErrorMessage = out.lastErr
	s.FailureReason = cls.FailureCategory
	s.ExtractedData = out.output.ExtractedData
	s.Screenshots = out.output.Screenshots
	s.Attempts = out.attempts
	s.CompletedAt = &now
	session := *s
	jr.sessionMu.Unlock()
	if err := o.repo.SaveSession(ctx, session); err != nil {
		o.logger.Error("failed to save session", "execution_id", r.id, "job_id", job.ID, "error", err)
	}

	isError := job.Status == domain.JobStatusError
	eventType := domain.EventJobCompleted
	if isError {
		eventType = domain.EventJobFailed
	}
	payload := map[string]any{
		"status":                job.Status,
		"detailed_status":       cls.DetailedStatus,
		"message":               message,
		"completion_percentage": cls.CompletionPercentage,
		"fields_extracted":      cls.FieldsExtracted,
		"fields_missing":        cls.FieldsMissing,
		"attempts":              out.attempts,
		"duration_ms":           out.elapsed,
	}
	if cls.BlockedReason != "" {
		payload["blocked_reason"] = cls.BlockedReason
	}
	if cls.FailureCategory != "" {
		payload["failure_category"] = cls.FailureCategory
	}
	if job.Evaluation != domain.EvaluationNone {
		payload["evaluation"] = job.Evaluation
	}
	if job.AccuracyScore != nil {
		payload["accuracy_score"] = *job.AccuracyScore
	}
	o.emit(r, eventType, job.ID, payload)

	o.logger.Info("job finished",
		"execution_id", r.id,
		"job_id", job.ID,
		"status", cls.DetailedStatus,
		"attempts", out.attempts,
	)

	o.count(r, jr, isError, &jobOutcome{
		status:     cls.DetailedStatus,
		blocked:    cls.BlockedReason,
		evaluation: job.Evaluation,
		durationMs: out.elapsed,
	})
}

// settleInternalError records a job that failed outside the extraction itself.
func (o *Orchestrator) settleInternalError(r *run, jr *jobRun, cause error) {
	if jr.settled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	job := &jr.job
	job.Status = domain.JobStatusError
	job.DetailedStatus = domain.DetailedStatusFailed
	job.FailureCategory = domain.FailureCategoryUnknown
	job.Message = cause.Error()
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := o.repo.SaveJob(ctx, *job); err != nil {
		o.logger.Error("failed to save failed job", "execution_id", r.id, "job_id", job.ID, "error", err)
	}

	jr.sessionMu.Lock()
	hasSession := jr.session.ID != ""
	jr.session.Status = domain.SessionStatusFailed
	jr.session.ErrorMessage = cause.Error()
	jr.session.FailureReason = domain.FailureCategoryUnknown
	jr.session.CompletedAt = &now
	session := jr.session
	jr.sessionMu.Unlock()
	if hasSession {
		if err := o.repo.SaveSession(ctx, session); err != nil {
			o.logger.Error("failed to save failed session", "execution_id", r.id, "job_id", job.ID, "error", err)
		}
	}

	o.emit(r, domain.EventJobFailed, job.ID, map[string]any{
		"status":           job.Status,
		"detailed_status":  job.DetailedStatus,
		"failure_category": job.FailureCategory,
		"message":          job.Message,
	})
	o.count(r, jr, true, &jobOutcome{
		status:     domain.DetailedStatusFailed,
		durationMs: o.now().Sub(jr.started).Milliseconds(),
	})
}

// count moves the job into the settled counters exactly once.
func (o *Orchestrator) count(r *run, jr *jobRun, isError bool, out *jobOutcome) {
	if jr.settled {
		return
	}
	jr.settled = true

	d := statsDelta{completed: 1, outcome: out}
	if jr.running {
		d.running = -1
	} else {
		d.queued = -1
	}
	if isError {
		d.errors = 1
	}
	r.recorder.Add(d)
}
