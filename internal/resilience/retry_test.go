package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

var errBusy = NewTransientError(errors.New("busy"), 0)

// doErr retries a function with no result.
func doErr(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func TestDoVal_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := doErr(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoVal_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := doErr(context.Background(), fastRetry(2), func(_ context.Context) error {
		calls++
		return errBusy
	})
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 2, calls)
}

func TestDoVal_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	perm := errors.New("entity not found")
	err := doErr(context.Background(), fastRetry(5), func(_ context.Context) error {
		calls++
		return perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ContextCancelledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := doErr(ctx, RetryConfig{MaxAttempts: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, func(_ context.Context) error {
		calls++
		cancel()
		return errBusy
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ShouldRetryAndOnRetry(t *testing.T) {
	conflict := errors.New("write conflict")
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, conflict) }
	var attempts []int
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	err := doErr(context.Background(), cfg, func(_ context.Context) error { return conflict })
	assert.ErrorIs(t, err, conflict)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoVal(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errBusy
		}
		return "approved", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "approved", v)

	v, err = DoVal(context.Background(), fastRetry(1), func(_ context.Context) (string, error) {
		return "partial", errBusy
	})
	assert.Error(t, err)
	assert.Empty(t, v)
}

func TestComputeBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, computeBackoff(0, cfg))
	assert.Equal(t, 20*time.Millisecond, computeBackoff(1, cfg))
	assert.Equal(t, 40*time.Millisecond, computeBackoff(2, cfg))
	assert.Equal(t, 50*time.Millisecond, computeBackoff(5, cfg))

	cfg.JitterFraction = 0.5
	for i := 0; i < 50; i++ {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 15*time.Millisecond)
	}
}

func TestConflictRetryConfig(t *testing.T) {
	conflict := errors.New("conflict")
	cfg := ConflictRetryConfig(6, func(err error) bool { return errors.Is(err, conflict) })
	assert.Equal(t, 6, cfg.MaxAttempts)
	assert.True(t, cfg.ShouldRetry(conflict))
	assert.True(t, cfg.ShouldRetry(errBusy))
	assert.False(t, cfg.ShouldRetry(errors.New("nope")))
	assert.NotNil(t, cfg.OnRetry)

	assert.Equal(t, DefaultRetryConfig().MaxAttempts, ConflictRetryConfig(0, nil).MaxAttempts)
}
