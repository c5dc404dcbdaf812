package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task is a unit of work admitted by the Controller.
type Task func(ctx context.Context)

var (
	ErrInvalidLimit      = errors.New("invalid concurrency limit")
	ErrControllerStopped = errors.New("controller stopped")
	ErrControllerStarted = errors.New("controller already started")
)

// ControllerConfig defines concurrency limits
type ControllerConfig struct {
	Limit    int // initial admission limit
	MaxLimit int // ceiling SetLimit may raise to
}

// Controller admits queued tasks in FIFO order while keeping at most Limit of
// them running. The limit can change at any time; running tasks are never
// preempted, so after a decrease the active count drains down to the new limit
// before anything else is admitted.
//
// The semaphore is sized to MaxLimit. The dispatcher holds MaxLimit-Limit units
// in reserve, so only Limit units are ever available to tasks.
type Controller struct {
	logger   *slog.Logger
	sem      *semaphore.Weighted
	maxLimit int

	mu       sync.Mutex
	limit    int
	reserved int
	active   int
	queue    []Task
	paused   bool
	closed   bool
	started  bool
	signal   chan struct{}
	wake     context.CancelFunc
	tasks    sync.WaitGroup
	finished chan struct{}
}

func NewController(logger *slog.Logger, cfg ControllerConfig) (*Controller, error) {
	limit := cfg.Limit
	if limit == 0 {
		limit = 10
	}
	maxLimit := cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = max(limit, 100)
	}
	if limit < 1 || limit > maxLimit {
		return nil, fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidLimit, limit, maxLimit)
	}

	c := &Controller{
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(maxLimit)),
		maxLimit: maxLimit,
		limit:    limit,
		signal:   make(chan struct{}),
		finished: make(chan struct{}),
	}
	if reserve := maxLimit - limit; reserve > 0 {
		// fresh semaphore, cannot fail
		c.sem.TryAcquire(int64(reserve))
		c.reserved = reserve
	}
	return c, nil
}

// Start launches the dispatcher. Tasks receive ctx; cancelling it stops admission.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrControllerStarted
	}
	c.started = true
	go c.dispatch(ctx)
	return nil
}

// Submit appends a task to the admission queue.
func (c *Controller) Submit(task Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrControllerStopped
	}
	c.queue = append(c.queue, task)
	c.notifyLocked()
	return nil
}

// SetLimit changes the admission limit. Only future admissions are affected.
func (c *Controller) SetLimit(n int) error {
	if n < 1 || n > c.maxLimit {
		return fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidLimit, n, c.maxLimit)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.limit = n
	if surplus := c.reserved - c.targetReserveLocked(); surplus > 0 {
		c.reserved -= surplus
		c.sem.Release(int64(surplus))
	}
	c.notifyLocked()
	return nil
}

// Pause stops admission. Running tasks continue.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.wakeLocked()
}

// Resume re-enables admission.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.notifyLocked()
}

// Stop closes the controller and returns the tasks that were never admitted.
func (c *Controller) Stop() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.queue
	c.queue = nil
	c.closed = true
	if !c.started {
		c.started = true
		close(c.finished)
	}
	c.wakeLocked()
	return pending
}

// Wait blocks until the controller is stopped and every admitted task has returned.
func (c *Controller) Wait() {
	<-c.finished
	c.tasks.Wait()
}

func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

func (c *Controller) MaxLimit() int {
	return c.maxLimit
}

func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Controller) targetReserveLocked() int {
	return c.maxLimit - c.limit
}

// notifyLocked wakes the dispatcher whether it is idle or blocked on the semaphore.
func (c *Controller) notifyLocked() {
	close(c.signal)
	c.signal = make(chan struct{})
}

func (c *Controller) wakeLocked() {
	if c.wake != nil {
		c.wake()
	}
	c.notifyLocked()
}

// dispatch is the only goroutine that acquires from the semaphore.
func (c *Controller) dispatch(ctx context.Context) {
	defer close(c.finished)

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.paused || len(c.queue) == 0 {
			sig := c.signal
			c.mu.Unlock()
			select {
			case <-sig:
			case <-ctx.Done():
				c.closeOnCancel()
				return
			}
			continue
		}
		acquireCtx, cancel := context.WithCancel(ctx)
		c.wake = cancel
		c.mu.Unlock()

		err := c.sem.Acquire(acquireCtx, 1)
		cancel()

		c.mu.Lock()
		c.wake = nil
		if err != nil {
			c.mu.Unlock()
			if ctx.Err() != nil {
				c.closeOnCancel()
				return
			}
			continue
		}

		// A unit freed after a limit decrease goes back into reserve first.
		if c.reserved < c.targetReserveLocked() {
			c.reserved++
			c.mu.Unlock()
			continue
		}
		if c.closed || c.paused || len(c.queue) == 0 {
			c.mu.Unlock()
			c.sem.Release(1)
			continue
		}

		task := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.active++
		c.tasks.Add(1)
		c.mu.Unlock()

		go c.run(ctx, task)
	}
}

func (c *Controller) closeOnCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.logger.Info("controller stopping", "reason", "context cancelled", "pending", len(c.queue))
	}
}

func (c *Controller) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("task panicked", "panic", r)
		}
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
		c.sem.Release(1)
		c.tasks.Done()
	}()
	task(ctx)
}
