package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	}
}

// failingTwice fails on the first two calls and succeeds afterwards.
func failingTwice() func(context.Context, int) (string, error) {
	calls := 0
	return func(ctx context.Context, attempt int) (string, error) {
		calls++
		if calls <= 2 {
			return "", &domain.TransientExtractionError{Err: errors.New("connection reset")}
		}
		return "ok", nil
	}
}

func TestRunWithRetry_SucceedsWithinBudget(t *testing.T) {
	res := RunWithRetry(context.Background(), fastPolicy(3), failingTwice())

	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Data)
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.Err)
}

func TestRunWithRetry_ExhaustsBudget(t *testing.T) {
	res := RunWithRetry(context.Background(), fastPolicy(2), failingTwice())

	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "connection reset")
}

func TestRunWithRetry_SingleAttempt(t *testing.T) {
	res := RunWithRetry(context.Background(), fastPolicy(1), failingTwice())

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
}

func TestRunWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", &domain.ValidationError{Field: "url", Reason: "empty"}},
		{"blocked", &domain.BlockedError{Reason: domain.BlockedReasonCaptcha}},
		{"blocked text", errors.New("agent gave up: too many requests")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			res := RunWithRetry(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) (int, error) {
				calls++
				return 0, tt.err
			})
			assert.False(t, res.Success)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, 1, calls)
			assert.ErrorIs(t, res.Err, tt.err)
		})
	}
}

func TestRunWithRetry_OnRetryBeforeEachDelay(t *testing.T) {
	var seen []int
	policy := fastPolicy(4)
	policy.OnRetry = func(err error, attempt int) {
		seen = append(seen, attempt)
	}

	res := RunWithRetry(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		return 0, errors.New("flaky")
	})

	assert.False(t, res.Success)
	assert.Equal(t, 4, res.Attempts)
	// no hook after the final attempt
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRunWithRetry_BackoffReceivesAttemptNumber(t *testing.T) {
	var asked []int
	policy := RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			asked = append(asked, attempt)
			return 0
		},
	}

	RunWithRetry(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		return 0, errors.New("flaky")
	})

	assert.Equal(t, []int{1, 2}, asked)
}

func TestRunWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Hour },
		OnRetry:     func(error, int) { cancel() },
	}

	start := time.Now()
	res := RunWithRetry(ctx, policy, func(ctx context.Context, attempt int) (int, error) {
		return 0, errors.New("flaky")
	})

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(2*time.Second, time.Minute)

	assert.Equal(t, 2*time.Second, b(1))
	assert.Equal(t, 4*time.Second, b(2))
	assert.Equal(t, 8*time.Second, b(3))
	assert.Equal(t, 32*time.Second, b(5))
	assert.Equal(t, time.Minute, b(6))
	assert.Equal(t, time.Minute, b(40))
}

func TestPresets(t *testing.T) {
	assert.Equal(t, 3, DefaultRetryPolicy().MaxAttempts)
	patient := PatientRetryPolicy()
	assert.Equal(t, 5, patient.MaxAttempts)
	assert.Greater(t, patient.Backoff(1), DefaultRetryPolicy().Backoff(1))
}
