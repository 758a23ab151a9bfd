// Package resiliencekit provides the retry/backoff and concurrency-limiting
// primitives shared by the upstream model client and the tool runtime,
// grounded on resilience.Retry helper but narrowed to the single
// full-jitter formula this package needs, driven by cenkalti/backoff/v5's
// retry loop rather than a hand-rolled one.
package resiliencekit

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig controls the full-jitter exponential backoff between
// retry attempts.
type BackoffConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseSeconds is the "base" in base × 2^attempt.
	BaseSeconds float64
	// Retryable decides whether an error returned by fn should trigger a
	// retry; nil means "retry every non-nil error".
	Retryable func(error) bool
}

// FullJitterDelay computes a sleep duration for the given zero-based
// attempt: sleep ∈ [0, base×2^attempt) + base×2^attempt.
// The distribution's lower half is true "full jitter" (AWS style); the
// engine additionally adds the deterministic floor this module requires so the
// worst case backoff still grows geometrically even under unlucky draws.
func FullJitterDelay(base float64, attempt int) time.Duration {
	ceiling := base * math.Pow(2, float64(attempt))
	jitter := rand.Float64() * ceiling
	seconds := jitter + ceiling
	return time.Duration(seconds * float64(time.Second))
}

// fullJitterBackOff adapts FullJitterDelay to backoff.BackOff so the
// same exact formula can drive cenkalti/backoff/v5's retry loop instead
// of a hand-rolled one.
type fullJitterBackOff struct {
	base    float64
	attempt int
}

func (b *fullJitterBackOff) NextBackOff() time.Duration {
	d := FullJitterDelay(b.base, b.attempt)
	b.attempt++
	return d
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping with full-jitter
// backoff between attempts, and aborts immediately if ctx is done or fn
// returns a non-retryable error.
func Retry(ctx context.Context, cfg BackoffConfig, fn func(attempt int) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	callAttempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt := callAttempt
		callAttempt++
		err := fn(attempt)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&fullJitterBackOff{base: cfg.BaseSeconds}),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
	)
	return err
}
