package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
)

const recorderWriteTimeout = 10 * time.Second

// statsDelta is one counter change. All fields of a delta are applied together,
// so a job moving from queued to running never shows up twice or not at all.
type statsDelta struct {
	queued    int
	running   int
	completed int
	errors    int
	outcome   *jobOutcome
}

// jobOutcome feeds the historical metrics snapshot.
type jobOutcome struct {
	status     domain.DetailedStatus
	blocked    domain.BlockedReason
	evaluation domain.Evaluation
	durationMs int64
}

type recorderMsg struct {
	delta  *statsDelta
	update func(*domain.Execution)
	reply  chan recorderReply
}

type recorderReply struct {
	exec domain.Execution
	err  error
}

// tallies accumulate per-outcome counts for the metrics snapshot.
type tallies struct {
	statuses   map[domain.DetailedStatus]int
	blocked    map[domain.BlockedReason]int
	passed     int
	failed     int
	durationMs int64
	settled    int
}

// executionRecorder is the single writer of one Execution record. Counter deltas
// and status changes are applied, persisted and broadcast in arrival order, so
// concurrent job completions can never overwrite each other.
type executionRecorder struct {
	logger  *slog.Logger
	repo    ports.Repository
	bus     *EventBus
	onFatal func(error)

	in   chan recorderMsg
	done chan struct{}

	mu      sync.RWMutex
	current domain.Execution
	tally   tallies
}

func newExecutionRecorder(logger *slog.Logger, repo ports.Repository, bus *EventBus, exec domain.Execution, onFatal func(error)) *executionRecorder {
	r := &executionRecorder{
		logger:  logger,
		repo:    repo,
		bus:     bus,
		onFatal: onFatal,
		in:      make(chan recorderMsg, 64),
		done:    make(chan struct{}),
		current: exec,
		tally: tallies{
			statuses: make(map[domain.DetailedStatus]int),
			blocked:  make(map[domain.BlockedReason]int),
		},
	}
	go r.loop()
	return r
}

// Add queues a counter delta. Blocks only while the recorder is saturated; never drops.
func (r *executionRecorder) Add(d statsDelta) {
	r.in <- recorderMsg{delta: &d}
}

// Update applies fn to the record, persists it and returns the result.
func (r *executionRecorder) Update(fn func(*domain.Execution)) (domain.Execution, error) {
	reply := make(chan recorderReply, 1)
	r.in <- recorderMsg{update: fn, reply: reply}
	res := <-reply
	return res.exec, res.err
}

// Snapshot returns the latest in-memory view of the record.
func (r *executionRecorder) Snapshot() domain.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *executionRecorder) Tallies() tallies {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.tally
	t.statuses = make(map[domain.DetailedStatus]int, len(r.tally.statuses))
	for k, v := range r.tally.statuses {
		t.statuses[k] = v
	}
	t.blocked = make(map[domain.BlockedReason]int, len(r.tally.blocked))
	for k, v := range r.tally.blocked {
		t.blocked[k] = v
	}
	return t
}

// Close drains pending messages and stops the writer. No Add or Update after Close.
func (r *executionRecorder) Close() {
	close(r.in)
	<-r.done
}

func (r *executionRecorder) loop() {
	defer close(r.done)
	for msg := range r.in {
		if msg.delta != nil {
			r.applyDelta(*msg.delta)
			continue
		}
		exec, err := r.applyUpdate(msg.update)
		msg.reply <- recorderReply{exec: exec, err: err}
	}
}

func (r *executionRecorder) applyDelta(d statsDelta) {
	r.mu.Lock()
	s := &r.current.Stats
	s.Queued += d.queued
	s.Running += d.running
	s.Completed += d.completed
	s.Error += d.errors
	r.current.UpdatedAt = time.Now().UTC()
	if o := d.outcome; o != nil {
		r.tally.statuses[o.status]++
		if o.blocked != "" {
			r.tally.blocked[o.blocked]++
		}
		switch o.evaluation {
		case domain.EvaluationPass:
			r.tally.passed++
		case domain.EvaluationFail:
			r.tally.failed++
		}
		r.tally.durationMs += o.durationMs
		r.tally.settled++
	}
	exec := r.current
	r.mu.Unlock()

	if !exec.Stats.Consistent() {
		r.logger.Error("execution counters out of balance", "execution_id", exec.ID, "stats", exec.Stats)
	}

	ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
	err := r.repo.UpdateExecutionStats(ctx, exec.ID, exec.Stats)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrExecutionNotFound) {
			r.onFatal(err)
		} else {
			r.logger.Warn("failed to persist execution stats", "execution_id", exec.ID, "error", err)
		}
	}

	r.bus.Publish(domain.NewEvent(domain.EventExecutionStatsUpdated, exec.ID, exec.BatchID, "", statsPayload(exec.Stats)))
}

func (r *executionRecorder) applyUpdate(fn func(*domain.Execution)) (domain.Execution, error) {
	r.mu.Lock()
	fn(&r.current)
	r.current.UpdatedAt = time.Now().UTC()
	exec := r.current
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
	defer cancel()
	if err := r.repo.SaveExecution(ctx, exec); err != nil {
		return exec, err
	}
	return exec, nil
}

func statsPayload(s domain.ExecutionStats) map[string]any {
	return map[string]any{
		"total_jobs":     s.Total,
		"completed_jobs": s.Completed,
		"running_jobs":   s.Running,
		"queued_jobs":    s.Queued,
		"error_jobs":     s.Error,
		"succeeded_jobs": s.Succeeded(),
	}
}
