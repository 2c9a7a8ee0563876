// Package retry provides exponential-backoff retry logic for transient
// provider and lock-backend errors.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, ShouldRetry: provider.IsTransient}, func() error {
//	    return p.Start(ctx, id)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero means unbounded, in which case MaxElapsed must be set.
	MaxAttempts int
	// MaxElapsed stops retrying once this much time has passed since the
	// first attempt. Zero means no elapsed-time bound.
	MaxElapsed time.Duration
	// InitialDelay is the wait before the second attempt. Subsequent
	// delays double up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry classifies errors. When nil, all non-nil errors are retried.
	ShouldRetry func(err error) bool
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Clock drives the backoff sleeps. Defaults to clock.Real().
	Clock clock.Clock
}

// DefaultConfig suits short provider calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt or elapsed budget is exhausted. It stops early when ctx is
// cancelled. The error from the last attempt is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 && cfg.MaxElapsed <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	start := cfg.Clock.Now()
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return lastErr
		}
		if cfg.MaxElapsed > 0 && cfg.Clock.Now().Add(delay).Sub(start) > cfg.MaxElapsed {
			return lastErr
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}
		slog.Debug("retry: attempt failed, retrying",
			"attempt", attempt, "max", cfg.MaxAttempts,
			"err", lastErr, "delay", delay)

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-cfg.Clock.After(delay):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
