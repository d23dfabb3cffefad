// Package retry reruns an operation with exponential backoff. The change
// feeds use it to reopen streams after transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the maximum number of retries after the first attempt
	// (default: 3). Zero runs the function once.
	MaxRetries int

	// InitialBackoff is the delay before the first retry (default: 100ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration (default: 30s).
	MaxBackoff time.Duration

	// Multiplier increases backoff after each retry (default: 2.0).
	Multiplier float64

	// Jitter is the +/- fraction applied to each backoff, between 0 and 1
	// (default: 0.1).
	Jitter float64

	// IsRetryable decides whether an error is worth another attempt.
	// Defaults to DefaultIsRetryable.
	IsRetryable func(error) bool

	// OnRetry, if set, is called before sleeping ahead of each retry.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		IsRetryable:    DefaultIsRetryable,
	}
}

// Sentinel errors.
var (
	// ErrNotRetryable marks errors that stopped retrying early.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrMaxRetries is returned when all attempts are exhausted.
	ErrMaxRetries = errors.New("retry: max retries exceeded")

	// ErrContextCanceled is returned when the context ended between attempts.
	ErrContextCanceled = errors.New("retry: context canceled")
)

// Func is an operation that can be retried.
type Func func(ctx context.Context) error

// Do runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx ends. Failures are returned as *RetryError.
func Do(ctx context.Context, cfg Config, fn Func) error {
	cfg = applyDefaults(cfg)

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return &RetryError{Cause: lastErr, Attempts: attempt, Err: ErrContextCanceled}
			}
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.IsRetryable(err) {
			return &RetryError{Cause: err, Attempts: attempt + 1, Err: ErrNotRetryable}
		}
		if attempt == cfg.MaxRetries {
			break
		}

		backoff := Backoff(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RetryError{Cause: lastErr, Attempts: attempt + 1, Err: ErrContextCanceled}
		case <-timer.C:
		}
	}

	return &RetryError{Cause: lastErr, Attempts: cfg.MaxRetries + 1, Err: ErrMaxRetries}
}

// RetryError reports a failed retry loop.
type RetryError struct {
	// Cause is the last error returned by the function.
	Cause error

	// Attempts is the number of attempts made.
	Attempts int

	// Err is ErrMaxRetries, ErrNotRetryable or ErrContextCanceled.
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts (%s): %s", e.Attempts, e.Err, e.Cause)
}

func (e *RetryError) Unwrap() error {
	return e.Cause
}

func (e *RetryError) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// Backoff returns the delay before retry number attempt+1.
func Backoff(cfg Config, attempt int) time.Duration {
	cfg = applyDefaults(cfg)

	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		spread := backoff * cfg.Jitter
		backoff = backoff - spread + rand.Float64()*2*spread
	}
	return time.Duration(backoff)
}

// applyDefaults fills in zero values with defaults.
func applyDefaults(cfg Config) Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	return cfg
}

// DefaultIsRetryable retries everything except context errors and errors
// wrapped with Permanent.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var p *permanentError
	return !errors.As(err, &p)
}

// Permanent wraps err so Do stops retrying on it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

type permanentError struct {
	cause error
}

func (e *permanentError) Error() string {
	return e.cause.Error()
}

func (e *permanentError) Unwrap() error {
	return e.cause
}
