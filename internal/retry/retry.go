// Package retry provides fixed-interval and exponential backoff retry logic
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // total attempts, at least 1
	InitialDelay time.Duration // delay before the second attempt; 0 retries immediately
	MaxDelay     time.Duration // upper bound for a single delay; 0 means unbounded
	Multiplier   float64       // growth per attempt; values below 1 keep the delay fixed
	AddJitter    bool          // add up to 25% random delay
}

// Fixed retries up to retries times after the first attempt, sleeping interval between attempts
func Fixed(retries int, interval time.Duration) Config {
	return Config{
		MaxAttempts:  retries + 1,
		InitialDelay: interval,
		Multiplier:   1,
	}
}

// Backoff retries up to retries times with delays factor, 2*factor, 4*factor ... capped at maxDelay
func Backoff(retries int, factor, maxDelay time.Duration) Config {
	return Config{
		MaxAttempts:  retries + 1,
		InitialDelay: factor,
		MaxDelay:     maxDelay,
		Multiplier:   2,
	}
}

// Do executes fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is cancelled
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.InitialDelay < 0 {
		return errors.New("retry: InitialDelay cannot be negative")
	}
	if cfg.MaxDelay < 0 {
		return errors.New("retry: MaxDelay cannot be negative")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if delay > 0 {
			sleepDuration := delay
			if cfg.AddJitter && delay >= 4 {
				randMu.Lock()
				jitter := time.Duration(randSource.Int63n(int64(delay / 4)))
				randMu.Unlock()
				sleepDuration = delay + jitter
			}

			timer := time.NewTimer(sleepDuration)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
			case <-timer.C:
			}

			if cfg.Multiplier > 1 {
				next := float64(delay) * cfg.Multiplier
				if next > float64(time.Duration(1<<63-1)) {
					next = float64(time.Duration(1<<63 - 1))
				}
				delay = time.Duration(next)
				if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			}
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
