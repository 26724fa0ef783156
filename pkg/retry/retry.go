package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration. MaxAttempts counts retries after the
// first attempt; Jitter adds +/-25% random variation to each delay.
type Config struct {
	Enabled      bool
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// Permanent errors are returned immediately. Matched with errors.Is.
	Permanent []error
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn(ctx)
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isPermanent(err, cfg.Permanent) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(Backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Backoff returns the delay before retry number attempt+1.
func Backoff(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	d := time.Duration(delay)
	if cfg.Jitter && d > 0 {
		spread := int64(d / 2)
		if spread > 0 {
			d = d - d/4 + time.Duration(rand.Int63n(spread+1))
		}
	}
	return d
}

func isPermanent(err error, permanent []error) bool {
	for _, p := range permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}
