package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manthysbr/scoutOS/internal/adapters/memory"
	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedExtractor answers each request through script; call counts are per URL.
type scriptedExtractor struct {
	mu     sync.Mutex
	calls  map[string]int
	script func(ctx context.Context, req ports.ExtractionRequest, call int) (domain.ExtractionResult, error)
}

func newScripted(script func(ctx context.Context, req ports.ExtractionRequest, call int) (domain.ExtractionResult, error)) *scriptedExtractor {
	return &scriptedExtractor{calls: make(map[string]int), script: script}
}

func (s *scriptedExtractor) Extract(ctx context.Context, req ports.ExtractionRequest) (domain.ExtractionResult, error) {
	s.mu.Lock()
	s.calls[req.URL]++
	call := s.calls[req.URL]
	s.mu.Unlock()
	return s.script(ctx, req, call)
}

func (s *scriptedExtractor) Calls(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

// eventLog records everything published on a bus.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func collectEvents(t *testing.T, bus *EventBus) *eventLog {
	l := &eventLog{}
	unsub := bus.SubscribeFunc(func(ev domain.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	t.Cleanup(unsub)
	return l
}

func (l *eventLog) ofType(t domain.EventType) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) count(t domain.EventType) int { return len(l.ofType(t)) }

func payload(t *testing.T, ev domain.Event) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &m))
	return m
}

type harness struct {
	orch   *Orchestrator
	repo   *memory.Repository
	bus    *EventBus
	events *eventLog
}

func newHarness(t *testing.T, ext ports.Extractor, maxConcurrency int) *harness {
	t.Helper()
	repo := memory.NewRepository()
	bus := NewEventBus(testLogger(), 4096)
	events := collectEvents(t, bus)
	orch := NewOrchestrator(testLogger(), repo, repo, bus, ext, OrchestratorConfig{
		DefaultConcurrency: 2,
		MaxConcurrency:     maxConcurrency,
		TestSampleSize:     2,
		Retry: RetryPolicy{
			MaxAttempts: 5,
			Backoff:     func(int) time.Duration { return time.Millisecond },
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, repo: repo, bus: bus, events: events}
}

func (h *harness) seedBatch(t *testing.T, rows int) domain.Batch {
	t.Helper()
	b := domain.Batch{
		ID:   domain.NewBatchID(),
		Name: "products",
		Columns: []domain.Column{
			{Name: "url", IsURL: true},
			{Name: "title", IsGroundTruth: true},
		},
		InstructionsTemplate: "Find the product title on {url}",
	}
	for i := 0; i < rows; i++ {
		b.Rows = append(b.Rows, map[string]string{
			"url":   fmt.Sprintf("https://shop.example/%d", i),
			"title": fmt.Sprintf("Product %d", i),
		})
	}
	require.NoError(t, h.repo.SaveBatch(context.Background(), b))
	return b
}

func (h *harness) wait(t *testing.T, id domain.ExecutionID) domain.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := h.orch.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func (h *harness) jobByURL(t *testing.T, batchID domain.BatchID, url string) domain.Job {
	t.Helper()
	jobs, err := h.repo.ListJobs(context.Background(), ports.JobFilter{BatchID: batchID})
	require.NoError(t, err)
	for _, j := range jobs {
		if j.URL == url {
			return j
		}
	}
	t.Fatalf("no job for %s", url)
	return domain.Job{}
}

func TestOrchestrator_MixedOutcomes(t *testing.T) {
	ext := newScripted(func(ctx context.Context, req ports.ExtractionRequest, call int) (domain.ExtractionResult, error) {
		switch req.URL {
		case "https://shop.example/0":
			if call <= 2 {
				return domain.ExtractionResult{}, errors.New("net::ERR_CONNECTION_RESET")
			}
			return domain.ExtractionResult{ExtractedData: map[string]any{"title": "Product 0"}}, nil
		case "https://shop.example/1":
			return domain.ExtractionResult{Logs: "navigated; please verify you are human"}, nil
		default:
			return domain.ExtractionResult{
				ExtractedData: map[string]any{"title": "Product 2"},
				DurationMs:    310_000,
			}, nil
		}
	})
	h := newHarness(t, ext, 10)
	batch := h.seedBatch(t, 3)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID, ConcurrencyLimit: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, exec.Status)
	assert.Equal(t, 3, exec.Stats.Total)

	final := h.wait(t, exec.ID)

	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, domain.ExecutionStats{Total: 3, Completed: 3, Error: 2}, final.Stats)
	assert.Equal(t, 1, final.Stats.Succeeded())
	assert.Equal(t, 3, ext.Calls("https://shop.example/0"))
	assert.Equal(t, 1, ext.Calls("https://shop.example/1"))

	j0 := h.jobByURL(t, batch.ID, "https://shop.example/0")
	assert.Equal(t, domain.DetailedStatusCompleted, j0.DetailedStatus)
	assert.Equal(t, domain.JobStatusCompleted, j0.Status)
	assert.Equal(t, domain.EvaluationPass, j0.Evaluation)
	assert.Equal(t, "Find the product title on https://shop.example/0", j0.Instructions)

	j1 := h.jobByURL(t, batch.ID, "https://shop.example/1")
	assert.Equal(t, domain.DetailedStatusBlocked, j1.DetailedStatus)
	assert.Equal(t, domain.BlockedReasonCaptcha, j1.BlockedReason)
	assert.Equal(t, domain.JobStatusError, j1.Status)

	j2 := h.jobByURL(t, batch.ID, "https://shop.example/2")
	assert.Equal(t, domain.DetailedStatusTimeout, j2.DetailedStatus)

	sessions, err := h.repo.ListSessions(context.Background(), j0.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].Attempts)
	assert.Equal(t, domain.SessionStatusCompleted, sessions[0].Status)

	require.Eventually(t, func() bool { return h.events.count(domain.EventExecutionCompleted) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	completed := h.events.ofType(domain.EventExecutionCompleted)
	require.Len(t, completed, 1)
	p := payload(t, completed[0])
	assert.EqualValues(t, 3, p["total_jobs"])
	assert.EqualValues(t, 3, p["completed_jobs"])
	assert.EqualValues(t, 2, p["error_jobs"])

	// two retries reported as progress on job 0
	assert.Len(t, h.events.ofType(domain.EventJobProgress), 2)

	snaps := h.repo.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, 1, snaps[0].SucceededJobs)
	assert.Equal(t, 1, snaps[0].BlockedBreakdown[domain.BlockedReasonCaptcha])
	assert.Equal(t, 1, snaps[0].StatusBreakdown[domain.DetailedStatusTimeout])
}

// steppingClock only moves when advanced.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestOrchestrator_TimeoutIsJudgedPerAttempt(t *testing.T) {
	clock := &steppingClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ext := newScripted(func(ctx context.Context, req ports.ExtractionRequest, call int) (domain.ExtractionResult, error) {
		if call < 3 {
			clock.Advance(30 * time.Second)
			return domain.ExtractionResult{}, errors.New("net::ERR_CONNECTION_RESET")
		}
		return domain.ExtractionResult{ExtractedData: map[string]any{"title": "Product 0"}, DurationMs: 1200}, nil
	})
	h := newHarness(t, ext, 10)
	h.orch.now = clock.Now
	h.orch.cfg.Retry.Backoff = func(int) time.Duration {
		clock.Advance(3 * time.Minute)
		return time.Millisecond
	}
	batch := h.seedBatch(t, 1)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID})
	require.NoError(t, err)
	final := h.wait(t, exec.ID)

	// 2 failed attempts of 30s plus 2 backoffs of 3m: 420s in total
	assert.Equal(t, domain.ExecutionStats{Total: 1, Completed: 1}, final.Stats)
	job := h.jobByURL(t, batch.ID, "https://shop.example/0")
	assert.Equal(t, domain.DetailedStatusCompleted, job.DetailedStatus)
	assert.Empty(t, job.FailureCategory)

	require.Eventually(t, func() bool { return h.events.count(domain.EventJobCompleted) == 1 }, time.Second, 5*time.Millisecond)
	p := payload(t, h.events.ofType(domain.EventJobCompleted)[0])
	assert.EqualValues(t, 3, p["attempts"])
	assert.EqualValues(t, 420_000, p["duration_ms"])
}

func TestOrchestrator_SlowAttemptStillTimesOut(t *testing.T) {
	clock := &steppingClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ext := newScripted(func(ctx context.Context, req ports.ExtractionRequest, call int) (domain.ExtractionResult, error) {
		clock.Advance(301 * time.Second)
		return domain.ExtractionResult{ExtractedData: map[string]any{"title": "Product 0"}}, nil
	})
	h := newHarness(t, ext, 10)
	h.orch.now = clock.Now
	batch := h.seedBatch(t, 1)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID})
	require.NoError(t, err)
	final := h.wait(t, exec.ID)

	assert.Equal(t, domain.ExecutionStats{Total: 1, Completed: 1, Error: 1}, final.Stats)
	job := h.jobByURL(t, batch.ID, "https://shop.example/0")
	assert.Equal(t, domain.DetailedStatusTimeout, job.DetailedStatus)
}

// gatedExtractor blocks every call until release is closed.
type gatedExtractor struct {
	entered chan string
	release chan struct{}
	gauge   peakGauge
}

func newGated() *gatedExtractor {
	return &gatedExtractor{entered: make(chan string, 1000), release: make(chan struct{})}
}

func (g *gatedExtractor) Extract(ctx context.Context, req ports.ExtractionRequest) (domain.ExtractionResult, error) {
	g.gauge.enter()
	defer g.gauge.leave()
	g.entered <- req.URL
	select {
	case <-g.release:
	case <-ctx.Done():
		return domain.ExtractionResult{}, ctx.Err()
	}
	return domain.ExtractionResult{ExtractedData: map[string]any{"title": "x"}}, nil
}

func (g *gatedExtractor) waitEntered(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-g.entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d extractions started", i, n)
		}
	}
}

func TestOrchestrator_PauseHoldsAdmission(t *testing.T) {
	ext := newGated()
	h := newHarness(t, ext, 10)
	batch := h.seedBatch(t, 5)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID, ConcurrencyLimit: 2})
	require.NoError(t, err)
	ext.waitEntered(t, 2)

	paused, err := h.orch.Pause(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusPaused, paused.Status)

	close(ext.release)

	// in-flight jobs still settle
	require.Eventually(t, func() bool { return h.events.count(domain.EventJobCompleted) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, h.events.count(domain.EventJobStarted), "no job may start while paused")

	require.Eventually(t, func() bool {
		snap, err := h.orch.Snapshot(context.Background(), exec.ID)
		return err == nil && snap.Stats == domain.ExecutionStats{Total: 5, Completed: 2, Queued: 3}
	}, time.Second, 5*time.Millisecond)

	_, err = h.orch.Pause(context.Background(), exec.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.orch.Resume(context.Background(), exec.ID)
	require.NoError(t, err)

	final := h.wait(t, exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, 5, final.Stats.Completed)
	assert.Equal(t, 1, h.events.count(domain.EventExecutionPaused))
	assert.Equal(t, 1, h.events.count(domain.EventExecutionResumed))
	require.Eventually(t, func() bool { return h.events.count(domain.EventJobStarted) == 5 }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_RaiseConcurrencyMidRun(t *testing.T) {
	ext := newGated()
	h := newHarness(t, ext, 20)
	batch := h.seedBatch(t, 25)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID, ConcurrencyLimit: 5})
	require.NoError(t, err)
	ext.waitEntered(t, 5)

	updated, err := h.orch.AdjustConcurrency(context.Background(), exec.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, updated.ConcurrencyLimit)

	ext.waitEntered(t, 5)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(10), ext.gauge.Peak())
	assert.Equal(t, 0, h.events.count(domain.EventJobCompleted), "running jobs are not preempted")

	close(ext.release)
	final := h.wait(t, exec.ID)

	assert.Equal(t, domain.ExecutionStats{Total: 25, Completed: 25}, final.Stats)
	assert.LessOrEqual(t, ext.gauge.Peak(), int32(10))
	require.Eventually(t, func() bool { return h.events.count(domain.EventConcurrencyChanged) == 1 }, time.Second, 5*time.Millisecond)

	// every broadcast snapshot balances
	for _, ev := range h.events.ofType(domain.EventExecutionStatsUpdated) {
		p := payload(t, ev)
		sum := p["completed_jobs"].(float64) + p["running_jobs"].(float64) + p["queued_jobs"].(float64)
		assert.Equal(t, p["total_jobs"].(float64), sum)
	}

	_, err = h.orch.AdjustConcurrency(context.Background(), exec.ID, 3)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestOrchestrator_AdjustConcurrencyValidation(t *testing.T) {
	ext := newGated()
	h := newHarness(t, ext, 4)
	batch := h.seedBatch(t, 2)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID, ConcurrencyLimit: 1})
	require.NoError(t, err)

	var verr *domain.ValidationError
	_, err = h.orch.AdjustConcurrency(context.Background(), exec.ID, 0)
	assert.ErrorAs(t, err, &verr)
	_, err = h.orch.AdjustConcurrency(context.Background(), exec.ID, 5)
	assert.ErrorAs(t, err, &verr)

	close(ext.release)
	h.wait(t, exec.ID)
}

func TestOrchestrator_StopAwaitsInFlight(t *testing.T) {
	ext := newGated()
	h := newHarness(t, ext, 10)
	batch := h.seedBatch(t, 3)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID, ConcurrencyLimit: 1})
	require.NoError(t, err)
	ext.waitEntered(t, 1)

	stopped, err := h.orch.Stop(context.Background(), exec.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusStopped, stopped.Status)
	assert.Equal(t, "operator request", stopped.StopReason)

	close(ext.release)
	final := h.wait(t, exec.ID)

	assert.Equal(t, domain.ExecutionStatusStopped, final.Status)
	assert.Equal(t, domain.ExecutionStats{Total: 3, Completed: 1, Queued: 2}, final.Stats)

	require.Eventually(t, func() bool { return h.events.count(domain.EventJobCompleted) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.events.count(domain.EventExecutionStopped))
	require.Eventually(t, func() bool { return h.events.count(domain.EventExecutionCompleted) == 1 }, time.Second, 5*time.Millisecond)
	drained := payload(t, h.events.ofType(domain.EventExecutionCompleted)[0])
	assert.Equal(t, "stopped", drained["status"])
	assert.Equal(t, "operator request", drained["stop_reason"])
	assert.EqualValues(t, 1, drained["completed_jobs"])
	assert.Empty(t, h.repo.Snapshots())
	assert.Equal(t, 1, h.events.count(domain.EventJobStarted))

	stored, err := h.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusStopped, stored.Status)

	_, err = h.orch.Resume(context.Background(), exec.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestOrchestrator_VanishedExecutionFails(t *testing.T) {
	ext := newGated()
	h := newHarness(t, ext, 10)
	batch := h.seedBatch(t, 3)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID, ConcurrencyLimit: 1})
	require.NoError(t, err)
	ext.waitEntered(t, 1)

	require.NoError(t, h.repo.DeleteExecution(context.Background(), exec.ID))
	close(ext.release)

	final := h.wait(t, exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.Error, "execution not found")

	stored, err := h.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, stored.Status)

	require.Eventually(t, func() bool { return h.events.count(domain.EventExecutionCompleted) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "failed", payload(t, h.events.ofType(domain.EventExecutionCompleted)[0])["status"])
}

func TestOrchestrator_StartValidation(t *testing.T) {
	ext := newScripted(func(ctx context.Context, req ports.ExtractionRequest, call int) (domain.ExtractionResult, error) {
		return domain.ExtractionResult{}, nil
	})
	h := newHarness(t, ext, 10)

	_, err := h.orch.Start(context.Background(), StartRequest{BatchID: "missing"})
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)

	batch := h.seedBatch(t, 1)
	var verr *domain.ValidationError
	_, err = h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID, ConcurrencyLimit: 11})
	assert.ErrorAs(t, err, &verr)
	_, err = h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID, ExecutionType: "partial"})
	assert.ErrorAs(t, err, &verr)

	bad := domain.Batch{ID: "bad", Name: "bad", Columns: []domain.Column{{Name: "url", IsURL: true}}, Rows: []map[string]string{{"url": " "}}}
	require.NoError(t, h.repo.SaveBatch(context.Background(), bad))
	_, err = h.orch.Start(context.Background(), StartRequest{BatchID: "bad"})
	assert.ErrorAs(t, err, &verr)
}

func TestOrchestrator_OneActiveExecutionPerBatch(t *testing.T) {
	ext := newGated()
	h := newHarness(t, ext, 10)
	batch := h.seedBatch(t, 2)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID})
	require.NoError(t, err)

	_, err = h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID})
	assert.ErrorIs(t, err, domain.ErrExecutionActive)

	close(ext.release)
	h.wait(t, exec.ID)

	again, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID})
	require.NoError(t, err)
	h.wait(t, again.ID)
}

func TestOrchestrator_RerunResetsJobsAndAddsSessions(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	ext := newScripted(func(ctx context.Context, req ports.ExtractionRequest, call int) (domain.ExtractionResult, error) {
		if fail.Load() {
			return domain.ExtractionResult{Error: "page not found"}, nil
		}
		return domain.ExtractionResult{ExtractedData: map[string]any{"title": "Product 0"}}, nil
	})
	h := newHarness(t, ext, 10)
	batch := h.seedBatch(t, 1)

	first, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID})
	require.NoError(t, err)
	h.wait(t, first.ID)

	job := h.jobByURL(t, batch.ID, "https://shop.example/0")
	assert.Equal(t, domain.DetailedStatusNotFound, job.DetailedStatus)

	fail.Store(false)
	second, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID, Instructions: "Read {title} from {url}"})
	require.NoError(t, err)
	final := h.wait(t, second.ID)
	assert.Equal(t, 0, final.Stats.Error)

	job = h.jobByURL(t, batch.ID, "https://shop.example/0")
	assert.Equal(t, domain.DetailedStatusCompleted, job.DetailedStatus)
	assert.Equal(t, second.ID, job.ExecutionID)
	assert.Equal(t, "Read Product 0 from https://shop.example/0", job.Instructions)

	sessions, err := h.repo.ListSessions(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, 1, sessions[0].Sequence)
	assert.Equal(t, 2, sessions[1].Sequence)
	assert.Equal(t, domain.SessionStatusFailed, sessions[0].Status)
	assert.Equal(t, domain.SessionStatusCompleted, sessions[1].Status)
}

func TestOrchestrator_TestExecutionRunsSample(t *testing.T) {
	ext := newScripted(func(ctx context.Context, req ports.ExtractionRequest, call int) (domain.ExtractionResult, error) {
		return domain.ExtractionResult{ExtractedData: map[string]any{"title": "t"}}, nil
	})
	h := newHarness(t, ext, 10)
	batch := h.seedBatch(t, 5)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID, ExecutionType: domain.ExecutionTypeTest})
	require.NoError(t, err)
	final := h.wait(t, exec.ID)

	assert.Equal(t, domain.ExecutionTypeTest, final.ExecutionType)
	assert.Equal(t, 2, final.Stats.Total)
	assert.Equal(t, 1, ext.Calls("https://shop.example/0"))
	assert.Equal(t, 1, ext.Calls("https://shop.example/1"))
	assert.Equal(t, 0, ext.Calls("https://shop.example/2"))
}

func TestOrchestrator_StreamURLReported(t *testing.T) {
	ext := newScripted(func(ctx context.Context, req ports.ExtractionRequest, call int) (domain.ExtractionResult, error) {
		req.ReportStreamURL("https://live.example/session/1")
		return domain.ExtractionResult{ExtractedData: map[string]any{"title": "t"}}, nil
	})
	h := newHarness(t, ext, 10)
	batch := h.seedBatch(t, 1)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID})
	require.NoError(t, err)
	h.wait(t, exec.ID)

	job := h.jobByURL(t, batch.ID, "https://shop.example/0")
	sessions, err := h.repo.ListSessions(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "https://live.example/session/1", sessions[0].StreamURL)

	require.Eventually(t, func() bool { return h.events.count(domain.EventJobProgress) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "https://live.example/session/1", payload(t, h.events.ofType(domain.EventJobProgress)[0])["stream_url"])
}

func TestOrchestrator_ExtractorPanicIsContained(t *testing.T) {
	ext := newScripted(func(ctx context.Context, req ports.ExtractionRequest, call int) (domain.ExtractionResult, error) {
		if req.URL == "https://shop.example/0" {
			panic("driver crashed")
		}
		return domain.ExtractionResult{ExtractedData: map[string]any{"title": "t"}}, nil
	})
	h := newHarness(t, ext, 10)
	batch := h.seedBatch(t, 2)

	exec, err := h.orch.Start(context.Background(), StartRequest{BatchID: batch.ID})
	require.NoError(t, err)
	final := h.wait(t, exec.ID)

	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, domain.ExecutionStats{Total: 2, Completed: 2, Error: 1}, final.Stats)

	job := h.jobByURL(t, batch.ID, "https://shop.example/0")
	assert.Equal(t, domain.JobStatusError, job.Status)
	assert.Contains(t, job.Message, "driver crashed")
}

func TestOrchestrator_Reconcile(t *testing.T) {
	h := newHarness(t, nil, 10)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := domain.Execution{
		ID:        "exec-stale",
		BatchID:   "batch-1",
		Status:    domain.ExecutionStatusRunning,
		Stats:     domain.ExecutionStats{Total: 3, Completed: 1, Running: 1, Queued: 1},
		StartedAt: now,
	}
	done := domain.Execution{ID: "exec-done", BatchID: "batch-2", Status: domain.ExecutionStatusCompleted, StartedAt: now}
	require.NoError(t, h.repo.SaveExecution(ctx, stale))
	require.NoError(t, h.repo.SaveExecution(ctx, done))
	require.NoError(t, h.repo.SaveJob(ctx, domain.Job{
		ID: "job-1", BatchID: "batch-1", ExecutionID: "exec-stale",
		Status: domain.JobStatusRunning, DetailedStatus: domain.DetailedStatusRunning,
	}))

	n, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.repo.GetExecution(ctx, "exec-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, got.Status)
	assert.Equal(t, "interrupted", got.Error)
	assert.Equal(t, domain.ExecutionStats{Total: 3, Completed: 1, Queued: 2}, got.Stats)

	job, err := h.repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	untouched, err := h.repo.GetExecution(ctx, "exec-done")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, untouched.Status)
}
