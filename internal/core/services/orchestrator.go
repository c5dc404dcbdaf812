package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
)

// OrchestratorConfig holds execution defaults.
type OrchestratorConfig struct {
	DefaultConcurrency int
	MaxConcurrency     int
	TestSampleSize     int
	Retry              RetryPolicy // zero value: PatientRetryPolicy
}

// OrchestratorConfigFrom maps the persisted settings onto service defaults.
func OrchestratorConfigFrom(c domain.OrchestratorConfig) OrchestratorConfig {
	retry := PatientRetryPolicy()
	if c.RetryAttempts > 0 {
		retry.MaxAttempts = c.RetryAttempts
	}
	return OrchestratorConfig{
		DefaultConcurrency: c.DefaultConcurrency,
		MaxConcurrency:     c.MaxConcurrency,
		TestSampleSize:     c.TestSampleSize,
		Retry:              retry,
	}
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = 5
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 50
	}
	if c.DefaultConcurrency > c.MaxConcurrency {
		c.DefaultConcurrency = c.MaxConcurrency
	}
	if c.TestSampleSize <= 0 {
		c.TestSampleSize = 10
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = PatientRetryPolicy()
	}
	return c
}

// StartRequest describes a new execution of a batch.
type StartRequest struct {
	BatchID          domain.BatchID
	Instructions     string // overrides the batch template when set
	ConcurrencyLimit int    // 0: configured default
	ExecutionType    domain.ExecutionType
	SampleSize       int // test executions only; 0: configured default
}

// run is the in-memory state of one active execution.
type run struct {
	id        domain.ExecutionID
	batchID   domain.BatchID
	fields    []string
	startedAt time.Time

	controller *Controller
	recorder   *executionRecorder
	jobs       sync.WaitGroup

	mu        sync.Mutex
	status    domain.ExecutionStatus
	finishing bool

	fatalOnce sync.Once
	fatalMu   sync.Mutex
	fatal     error

	done  chan struct{}
	final domain.Execution
}

// abandonQueue discards every job not yet admitted.
func (r *run) abandonQueue() int {
	pending := r.controller.Stop()
	for range pending {
		r.jobs.Done()
	}
	return len(pending)
}

func (r *run) fatalErr() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}

// Orchestrator drives executions: one Controller, one recorder and one run loop
// per active execution.
type Orchestrator struct {
	logger  *slog.Logger
	repo    ports.Repository
	metrics ports.MetricsWriter // optional; nil-safe
	bus     *EventBus
	cfg     OrchestratorConfig
	now     func() time.Time

	extMu     sync.RWMutex
	extractor ports.Extractor

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	runs    map[domain.ExecutionID]*run
	batches map[domain.BatchID]domain.ExecutionID
	loops   sync.WaitGroup
}

func NewOrchestrator(
	logger *slog.Logger,
	repo ports.Repository,
	metrics ports.MetricsWriter,
	bus *EventBus,
	extractor ports.Extractor,
	cfg OrchestratorConfig,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		logger:     logger,
		repo:       repo,
		metrics:    metrics,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		extractor:  extractor,
		baseCtx:    ctx,
		cancelBase: cancel,
		runs:       make(map[domain.ExecutionID]*run),
		batches:    make(map[domain.BatchID]domain.ExecutionID),
	}
}

// SetExtractor swaps the extraction backend. Jobs already running keep theirs.
func (o *Orchestrator) SetExtractor(ext ports.Extractor) {
	o.extMu.Lock()
	defer o.extMu.Unlock()
	o.extractor = ext
}

func (o *Orchestrator) currentExtractor() ports.Extractor {
	o.extMu.RLock()
	defer o.extMu.RUnlock()
	return o.extractor
}

// MaxConcurrency is the ceiling accepted by Start and AdjustConcurrency.
func (o *Orchestrator) MaxConcurrency() int {
	return o.cfg.MaxConcurrency
}

// Start creates an execution and begins processing it in the background.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (domain.Execution, error) {
	limit := req.ConcurrencyLimit
	if limit == 0 {
		limit = o.cfg.DefaultConcurrency
	}
	if limit < 1 || limit > o.cfg.MaxConcurrency {
		return domain.Execution{}, &domain.ValidationError{
			Field:  "concurrency_limit",
			Reason: fmt.Sprintf("must be between 1 and %d", o.cfg.MaxConcurrency),
		}
	}
	execType := req.ExecutionType
	if execType == "" {
		execType = domain.ExecutionTypeFull
	}
	if execType != domain.ExecutionTypeFull && execType != domain.ExecutionTypeTest {
		return domain.Execution{}, &domain.ValidationError{Field: "execution_type", Reason: "must be test or full"}
	}

	batch, err := o.repo.GetBatch(ctx, req.BatchID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("failed to load batch: %w", err)
	}

	execID := domain.NewExecutionID()
	if err := o.claimBatch(batch.ID, execID); err != nil {
		return domain.Execution{}, err
	}
	started := false
	defer func() {
		if !started {
			o.releaseBatch(batch.ID)
		}
	}()

	now := time.Now().UTC()
	jobs, err := o.prepareJobs(ctx, &batch, req.Instructions, now)
	if err != nil {
		return domain.Execution{}, err
	}
	if execType == domain.ExecutionTypeTest {
		sample := req.SampleSize
		if sample <= 0 {
			sample = o.cfg.TestSampleSize
		}
		if sample < len(jobs) {
			jobs = jobs[:sample]
		}
	}
	for i := range jobs {
		jobs[i].ExecutionID = execID
	}
	if err := o.repo.SaveJobs(ctx, jobs); err != nil {
		return domain.Execution{}, fmt.Errorf("failed to save jobs: %w", err)
	}

	exec := domain.Execution{
		ID:               execID,
		BatchID:          batch.ID,
		Status:           domain.ExecutionStatusRunning,
		ExecutionType:    execType,
		ConcurrencyLimit: limit,
		Stats:            domain.ExecutionStats{Total: len(jobs), Queued: len(jobs)},
		StartedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.repo.SaveExecution(ctx, exec); err != nil {
		return domain.Execution{}, fmt.Errorf("failed to create execution: %w", err)
	}

	controller, err := NewController(o.logger, ControllerConfig{Limit: limit, MaxLimit: o.cfg.MaxConcurrency})
	if err != nil {
		return domain.Execution{}, err
	}

	r := &run{
		id:         execID,
		batchID:    batch.ID,
		fields:     batch.Fields(),
		startedAt:  now,
		controller: controller,
		status:     domain.ExecutionStatusRunning,
		done:       make(chan struct{}),
	}
	r.recorder = newExecutionRecorder(o.logger, o.repo, o.bus, exec, func(err error) { o.abort(r, err) })

	o.mu.Lock()
	o.runs[execID] = r
	o.mu.Unlock()
	started = true

	o.logger.Info("execution started",
		"execution_id", execID,
		"batch_id", batch.ID,
		"jobs", len(jobs),
		"concurrency", limit,
		"type", execType,
	)
	o.emit(r, domain.EventExecutionStarted, "", map[string]any{
		"total_jobs":        len(jobs),
		"concurrency_limit": limit,
		"execution_type":    execType,
	})

	r.jobs.Add(len(jobs))
	for _, job := range jobs {
		job := job
		if err := controller.Submit(func(ctx context.Context) { o.runJob(ctx, r, job) }); err != nil {
			r.jobs.Done()
		}
	}
	if err := controller.Start(o.baseCtx); err != nil {
		o.logger.Error("failed to start controller", "execution_id", execID, "error", err)
	}

	o.loops.Add(1)
	go o.runLoop(r)

	return exec, nil
}

// prepareJobs resets the batch's existing jobs or materializes new ones.
func (o *Orchestrator) prepareJobs(ctx context.Context, batch *domain.Batch, instructions string, now time.Time) ([]domain.Job, error) {
	existing, err := o.repo.ListJobs(ctx, ports.JobFilter{BatchID: batch.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(existing) > 0 {
		sort.Slice(existing, func(i, j int) bool { return existing[i].RowIndex < existing[j].RowIndex })
		for i := range existing {
			existing[i].ResetForRun(now)
			if instructions != "" {
				existing[i].Instructions = domain.RenderInstructions(instructions, existing[i].RowData)
			}
		}
		return existing, nil
	}

	built, err := batch.BuildJobs(instructions, now)
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, len(built))
	for i, j := range built {
		jobs[i] = *j
	}
	return jobs, nil
}

func (o *Orchestrator) claimBatch(batchID domain.BatchID, execID domain.ExecutionID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if active, ok := o.batches[batchID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrExecutionActive, active)
	}
	o.batches[batchID] = execID
	return nil
}

func (o *Orchestrator) releaseBatch(batchID domain.BatchID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.batches, batchID)
}

func (o *Orchestrator) lookup(ctx context.Context, id domain.ExecutionID) (*run, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		return r, nil
	}
	if _, err := o.repo.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	// the record exists but is no longer active
	return nil, fmt.Errorf("%w: execution %s is not active", domain.ErrInvalidTransition, id)
}

// transition moves an active run to a new status under its lock.
func (o *Orchestrator) transition(ctx context.Context, id domain.ExecutionID, to domain.ExecutionStatus, apply func(r *run, exec *domain.Execution)) (*run, domain.Execution, error) {
	r, err := o.lookup(ctx, id)
	if err != nil {
		return nil, domain.Execution{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finishing || !r.status.CanTransition(to) {
		return nil, domain.Execution{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, r.status, to)
	}
	r.status = to
	exec, err := r.recorder.Update(func(e *domain.Execution) {
		e.Status = to
		if apply != nil {
			apply(r, e)
		}
	})
	if err != nil {
		return r, exec, fmt.Errorf("failed to persist execution: %w", err)
	}
	return r, exec, nil
}

// Pause stops admitting jobs. Running jobs finish normally.
func (o *Orchestrator) Pause(ctx context.Context, id domain.ExecutionID) (domain.Execution, error) {
	r, exec, err := o.transition(ctx, id, domain.ExecutionStatusPaused, func(r *run, _ *domain.Execution) {
		r.controller.Pause()
	})
	if r == nil {
		return exec, err
	}
	o.logger.Info("execution paused", "execution_id", id)
	o.emit(r, domain.EventExecutionPaused, "", statsPayload(exec.Stats))
	return exec, err
}

// Resume re-enables admission.
func (o *Orchestrator) Resume(ctx context.Context, id domain.ExecutionID) (domain.Execution, error) {
	r, exec, err := o.transition(ctx, id, domain.ExecutionStatusRunning, func(r *run, _ *domain.Execution) {
		r.controller.Resume()
	})
	if r == nil {
		return exec, err
	}
	o.logger.Info("execution resumed", "execution_id", id)
	o.emit(r, domain.EventExecutionResumed, "", statsPayload(exec.Stats))
	return exec, err
}

// Stop discards queued jobs and marks the execution stopped. In-flight jobs are
// awaited and still report their outcome; once they settle execution_completed
// is emitted with status stopped.
func (o *Orchestrator) Stop(ctx context.Context, id domain.ExecutionID, reason string) (domain.Execution, error) {
	if reason == "" {
		reason = "stopped by user"
	}
	discarded := 0
	r, exec, err := o.transition(ctx, id, domain.ExecutionStatusStopped, func(r *run, e *domain.Execution) {
		discarded = r.abandonQueue()
		now := time.Now().UTC()
		e.StopReason = reason
		e.CompletedAt = &now
	})
	if r == nil {
		return exec, err
	}
	o.logger.Info("execution stopped", "execution_id", id, "reason", reason, "discarded_jobs", discarded)
	o.emit(r, domain.EventExecutionStopped, "", map[string]any{
		"reason":         reason,
		"discarded_jobs": discarded,
		"running_jobs":   r.controller.ActiveCount(),
	})
	return exec, err
}

// AdjustConcurrency changes the admission limit for future jobs.
func (o *Orchestrator) AdjustConcurrency(ctx context.Context, id domain.ExecutionID, n int) (domain.Execution, error) {
	if n < 1 || n > o.cfg.MaxConcurrency {
		return domain.Execution{}, &domain.ValidationError{
			Field:  "concurrency_limit",
			Reason: fmt.Sprintf("must be between 1 and %d", o.cfg.MaxConcurrency),
		}
	}
	r, err := o.lookup(ctx, id)
	if err != nil {
		return domain.Execution{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finishing || r.status.IsTerminal() {
		return domain.Execution{}, fmt.Errorf("%w: cannot change concurrency of a %s execution", domain.ErrInvalidTransition, r.status)
	}
	previous := r.controller.Limit()
	if err := r.controller.SetLimit(n); err != nil {
		return domain.Execution{}, &domain.ValidationError{Field: "concurrency_limit", Reason: err.Error()}
	}
	exec, err := r.recorder.Update(func(e *domain.Execution) { e.ConcurrencyLimit = n })
	if err != nil {
		return exec, fmt.Errorf("failed to persist execution: %w", err)
	}

	o.logger.Info("concurrency changed", "execution_id", id, "from", previous, "to", n)
	o.emit(r, domain.EventConcurrencyChanged, "", map[string]any{
		"previous_limit": previous,
		"limit":          n,
		"running_jobs":   r.controller.ActiveCount(),
		"queued_jobs":    r.controller.PendingCount(),
	})
	return exec, nil
}

// Snapshot returns the authoritative view of an execution, live if it is active.
func (o *Orchestrator) Snapshot(ctx context.Context, id domain.ExecutionID) (domain.Execution, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		return r.recorder.Snapshot(), nil
	}
	return o.repo.GetExecution(ctx, id)
}

// Wait blocks until the execution finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id domain.ExecutionID) (domain.Execution, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return o.repo.GetExecution(ctx, id)
	}
	select {
	case <-r.done:
		return r.final, nil
	case <-ctx.Done():
		return r.recorder.Snapshot(), ctx.Err()
	}
}

// IsActive reports whether the execution still has a run in this process. A
// stopped execution stays active until its in-flight jobs settle.
func (o *Orchestrator) IsActive(id domain.ExecutionID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[id]
	return ok
}

// ActiveExecutions lists the executions currently managed by this process.
func (o *Orchestrator) ActiveExecutions() []domain.ExecutionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]domain.ExecutionID, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// abort records a fatal error and stops admitting jobs. Safe to call from the recorder.
func (o *Orchestrator) abort(r *run, err error) {
	r.fatalOnce.Do(func() {
		fatal := &domain.OrchestratorFatalError{ExecutionID: r.id, Err: err}
		r.fatalMu.Lock()
		r.fatal = fatal
		r.fatalMu.Unlock()
		discarded := r.abandonQueue()
		o.logger.Error("execution aborted", "execution_id", r.id, "error", err, "discarded_jobs", discarded)
	})
}

// runLoop waits for every job to settle and finalizes the execution.
func (o *Orchestrator) runLoop(r *run) {
	defer o.loops.Done()

	r.jobs.Wait()
	r.controller.Stop()
	r.controller.Wait()

	r.mu.Lock()
	r.finishing = true
	status := r.status
	r.mu.Unlock()

	r.recorder.Close()
	r.final = o.finalize(r, status)

	o.mu.Lock()
	delete(o.runs, r.id)
	delete(o.batches, r.batchID)
	o.mu.Unlock()
	close(r.done)
}

func (o *Orchestrator) finalize(r *run, status domain.ExecutionStatus) domain.Execution {
	ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
	defer cancel()

	exec := r.recorder.Snapshot()
	now := time.Now().UTC()

	fatal := r.fatalErr()
	if fatal == nil {
		if _, err := o.repo.GetExecution(ctx, r.id); errors.Is(err, domain.ErrExecutionNotFound) {
			fatal = &domain.OrchestratorFatalError{ExecutionID: r.id, Err: err}
		}
	}

	switch {
	case fatal != nil:
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = fatal.Error()
	case status == domain.ExecutionStatusStopped:
		// already stopped; counters are final now that in-flight jobs settled
	default:
		exec.Status = domain.ExecutionStatusCompleted
	}
	if exec.CompletedAt == nil {
		exec.CompletedAt = &now
	}
	exec.UpdatedAt = now

	if err := o.repo.SaveExecution(ctx, exec); err != nil {
		o.logger.Error("failed to persist final execution", "execution_id", r.id, "error", err)
	}

	stopped := exec.Status == domain.ExecutionStatusStopped
	if stopped {
		o.logger.Info("stopped execution drained", "execution_id", r.id, "stats", exec.Stats)
	}

	if o.metrics != nil && !stopped {
		snap := buildMetricsSnapshot(exec, r.recorder.Tallies(), now)
		if err := o.metrics.WriteSnapshot(ctx, snap); err != nil {
			o.logger.Warn("failed to write metrics snapshot", "execution_id", r.id, "error", err)
		}
	}

	payload := statsPayload(exec.Stats)
	payload["status"] = exec.Status
	payload["duration_ms"] = now.Sub(r.startedAt).Milliseconds()
	if exec.Error != "" {
		payload["error"] = exec.Error
	}
	if stopped {
		payload["stop_reason"] = exec.StopReason
	}
	o.emit(r, domain.EventExecutionCompleted, "", payload)
	if stopped {
		return exec
	}
	o.logger.Info("execution finished",
		"execution_id", r.id,
		"status", exec.Status,
		"total", exec.Stats.Total,
		"errors", exec.Stats.Error,
	)
	return exec
}

func buildMetricsSnapshot(exec domain.Execution, t tallies, now time.Time) domain.MetricsSnapshot {
	snap := domain.MetricsSnapshot{
		ExecutionID:       exec.ID,
		BatchID:           exec.BatchID,
		Status:            exec.Status,
		ExecutionType:     exec.ExecutionType,
		TotalJobs:         exec.Stats.Total,
		SucceededJobs:     exec.Stats.Succeeded(),
		ErrorJobs:         exec.Stats.Error,
		StatusBreakdown:   t.statuses,
		BlockedBreakdown:  t.blocked,
		PassedEvaluations: t.passed,
		FailedEvaluations: t.failed,
		DurationMs:        now.Sub(exec.StartedAt).Milliseconds(),
		RecordedAt:        now,
	}
	if exec.Stats.Completed > 0 {
		snap.SuccessRate = float64(exec.Stats.Succeeded()) / float64(exec.Stats.Completed)
	}
	if t.settled > 0 {
		snap.AvgJobDurationMs = t.durationMs / int64(t.settled)
	}
	return snap
}

// Shutdown stops every active execution and waits for in-flight jobs. When ctx
// expires first, running extractions are cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, id := range o.ActiveExecutions() {
		if _, err := o.Stop(ctx, id, "shutdown"); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			o.logger.Warn("failed to stop execution on shutdown", "execution_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancelBase()
		return nil
	case <-ctx.Done():
		o.cancelBase()
		<-done
		return ctx.Err()
	}
}

// Reconcile marks executions left active by a previous process as failed and
// puts their running jobs back in the queue. Returns the number reconciled.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	stale, err := o.repo.ListExecutions(ctx, ports.ExecutionFilter{
		Statuses: []domain.ExecutionStatus{
			domain.ExecutionStatusQueued,
			domain.ExecutionStatusRunning,
			domain.ExecutionStatusPaused,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list executions: %w", err)
	}

	count := 0
	for _, exec := range stale {
		o.mu.Lock()
		_, live := o.runs[exec.ID]
		o.mu.Unlock()
		if live {
			continue
		}

		running, err := o.repo.ListJobs(ctx, ports.JobFilter{ExecutionID: exec.ID, Status: domain.JobStatusRunning})
		if err != nil {
			return count, fmt.Errorf("failed to list jobs of %s: %w", exec.ID, err)
		}
		now := time.Now().UTC()
		for i := range running {
			running[i].ResetForRun(now)
		}
		if len(running) > 0 {
			if err := o.repo.SaveJobs(ctx, running); err != nil {
				return count, fmt.Errorf("failed to reset jobs of %s: %w", exec.ID, err)
			}
		}

		exec.Stats.Queued += exec.Stats.Running
		exec.Stats.Running = 0
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = "interrupted"
		exec.CompletedAt = &now
		exec.UpdatedAt = now
		if err := o.repo.SaveExecution(ctx, exec); err != nil {
			return count, fmt.Errorf("failed to reconcile %s: %w", exec.ID, err)
		}
		o.logger.Warn("reconciled interrupted execution", "execution_id", exec.ID, "requeued_jobs", len(running))
		count++
	}
	return count, nil
}

func (o *Orchestrator) emit(r *run, t domain.EventType, jobID domain.JobID, payload any) {
	o.bus.Publish(domain.NewEvent(t, r.id, r.batchID, jobID, payload))
}
