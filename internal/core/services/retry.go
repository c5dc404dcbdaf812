package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/manthysbr/scoutOS/internal/core/domain"
)

// RetryPolicy configures RunWithRetry.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff maps the attempt that just failed (1-based) to the delay before the next one.
	Backoff func(attempt int) time.Duration
	// Retryable decides whether another attempt is allowed. Nil means IsRetryable.
	Retryable func(err error) bool
	// OnRetry runs synchronously before each backoff delay. Telemetry only.
	OnRetry func(err error, attempt int)
}

// RetryResult is the outcome of RunWithRetry. Err is the last error seen.
type RetryResult[T any] struct {
	Success  bool
	Data     T
	Err      error
	Attempts int
}

// ExponentialBackoff doubles base on every attempt, capped at limit.
func ExponentialBackoff(base, limit time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= limit {
				return limit
			}
		}
		return min(d, limit)
	}
}

// DefaultRetryPolicy suits quick calls: 3 attempts, 1s doubling up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     ExponentialBackoff(time.Second, 10*time.Second),
		Retryable:   IsRetryable,
	}
}

// PatientRetryPolicy suits flaky long-latency browser work: 5 attempts, 2s doubling up to 60s.
func PatientRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff:     ExponentialBackoff(2*time.Second, time.Minute),
		Retryable:   IsRetryable,
	}
}

// IsRetryable refuses validation failures, blocked outcomes and cancellations.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var berr *domain.BlockedError
	if errors.As(err, &berr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return DetectBlockedReason(err.Error()) == ""
}

// attemptBackOff feeds the policy's attempt-indexed delays to backoff.RetryNotify.
type attemptBackOff struct {
	delay   func(int) time.Duration
	attempt int
}

func (b *attemptBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.delay == nil {
		return 0
	}
	return max(b.delay(b.attempt), 0)
}

func (b *attemptBackOff) Reset() { b.attempt = 0 }

// RunWithRetry runs op until it succeeds, returns a non-retryable error, runs out
// of attempts or ctx is done. It never returns an error itself; the caller decides
// what an exhausted result means.
func RunWithRetry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) (T, error)) RetryResult[T] {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var (
		res     RetryResult[T]
		lastErr error
	)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			lastErr = err
			return backoff.Permanent(err)
		}
		res.Attempts++
		data, err := op(ctx, res.Attempts)
		if err == nil {
			res.Data = data
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, _ time.Duration) {
		if policy.OnRetry != nil {
			policy.OnRetry(err, res.Attempts)
		}
	}

	var schedule backoff.BackOff = &backoff.StopBackOff{}
	if maxAttempts > 1 {
		schedule = backoff.WithMaxRetries(&attemptBackOff{delay: policy.Backoff}, uint64(maxAttempts-1))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(schedule, ctx), notify); err != nil {
		res.Err = lastErr
		if res.Err == nil {
			res.Err = err
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(res.Err, ctxErr) {
			res.Err = ctxErr
		}
		return res
	}

	res.Success = true
	return res
}
