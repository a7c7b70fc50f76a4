package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"reportsched/internal/shared"
)

// Config defines retry behaviour.
type Config struct {
	// MaxAttempts counts the first call.
	MaxAttempts  int
	InitialDelay time.Duration
	// MaxDelay caps a single wait; 30s when zero.
	MaxDelay time.Duration
	// MaxElapsedTime bounds the whole retry loop; zero means no bound.
	MaxElapsedTime time.Duration
	// Multiplier grows the delay per attempt; 2 when zero.
	Multiplier float64
	// NoJitter disables the random extension of each wait by up to half.
	NoJitter bool

	// Retryable decides whether an error is worth another attempt; DefaultRetryable
	// when nil.
	Retryable func(error) bool
	// OnRetry observes each retry before the wait.
	OnRetry func(attempt int, err error, delay time.Duration)

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func (c *Config) normalize() error {
	switch {
	case c.MaxAttempts <= 0:
		return errors.New("retry: MaxAttempts must be positive")
	case c.InitialDelay <= 0:
		return errors.New("retry: InitialDelay must be positive")
	case c.MaxElapsedTime < 0:
		return errors.New("retry: MaxElapsedTime cannot be negative")
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.InitialDelay > c.MaxDelay {
		return errors.New("retry: InitialDelay cannot exceed MaxDelay")
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.Multiplier < 1 {
		return errors.New("retry: Multiplier must be >= 1")
	}
	if c.Retryable == nil {
		c.Retryable = DefaultRetryable
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.after == nil {
		c.after = time.After
	}
	return nil
}

// ExhaustedError is returned when the attempt or time budget runs out.
type ExhaustedError struct {
	LastError error
	Attempts  int
	Elapsed   time.Duration
	Reason    string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %s after %d attempts in %s: %v", e.Reason, e.Attempts, e.Elapsed, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// DefaultRetryable retries timeouts, dependency failures and unclassified errors.
// Cancellation, validation and conflicts are final.
func DefaultRetryable(err error) bool {
	switch shared.KindOf(err) {
	case shared.KindCanceled, shared.KindValidation, shared.KindConflict, shared.KindNotFound:
		return false
	default:
		return err != nil
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the budget runs out.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if err := cfg.normalize(); err != nil {
		return err
	}

	start := cfg.now()
	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt >= cfg.MaxAttempts {
			return &ExhaustedError{LastError: lastErr, Attempts: attempt, Elapsed: cfg.now().Sub(start), Reason: "max attempts exceeded"}
		}

		wait := delay
		if !cfg.NoJitter {
			wait = jitter(delay, cfg.MaxDelay)
		}
		if cfg.MaxElapsedTime > 0 {
			elapsed := cfg.now().Sub(start)
			if elapsed+wait > cfg.MaxElapsedTime {
				return &ExhaustedError{LastError: lastErr, Attempts: attempt, Elapsed: elapsed, Reason: "max elapsed time exceeded"}
			}
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cfg.after(wait):
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}
}

// jitter picks a wait in [d, 3d/2), capped at limit.
func jitter(d, limit time.Duration) time.Duration {
	if half := int64(d / 2); half > 0 {
		d += time.Duration(rand.Int64N(half))
	}
	return min(d, limit)
}
