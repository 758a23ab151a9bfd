package resiliencekit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullJitterDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 5; attempt++ {
		base := 0.5
		ceiling := base * pow2(attempt)
		d := FullJitterDelay(base, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(ceiling*float64(time.Second)))
		assert.LessOrEqual(t, d, time.Duration(2*ceiling*float64(time.Second)))
	}
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), BackoffConfig{MaxAttempts: 3, BaseSeconds: 0.001}, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	sentinel := errors.New("terminal")
	calls := 0
	err := Retry(context.Background(), BackoffConfig{
		MaxAttempts: 5,
		BaseSeconds: 0.001,
		Retryable:   func(error) bool { return false },
	}, func(attempt int) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), BackoffConfig{MaxAttempts: 3, BaseSeconds: 0.001}, func(attempt int) error {
		calls++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryAbortsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, BackoffConfig{MaxAttempts: 5, BaseSeconds: 0.001}, func(attempt int) error {
		calls++
		return errors.New("fails")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
