// Package backoff provides capped exponential backoff and a retry loop
// built on it.
package backoff

import (
	"context"
	"fmt"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

func (c *Config) bounds() (time.Duration, time.Duration) {
	initial, maxWait := 100*time.Millisecond, 5*time.Second
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxWait = c.Max
		}
	}
	return initial, maxWait
}

// Exponential returns the wait before retry number attempt (1-based).
// Attempt 1 waits Initial, each later attempt doubles it, capped at Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxWait := cfg.bounds()
	wait := initial
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= maxWait || wait <= 0 {
			return maxWait
		}
	}
	return min(wait, maxWait)
}

// Retry calls fn up to attempts times, sleeping Exponential(n) between
// calls. onRetry, if set, is told about each failure that will be retried.
// It stops early when ctx is done and returns the last error from fn.
func Retry(ctx context.Context, attempts int, cfg *Config, fn func(context.Context) error, onRetry func(attempt int, wait time.Duration, err error)) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= attempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
		}

		wait := Exponential(attempt, cfg)
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
