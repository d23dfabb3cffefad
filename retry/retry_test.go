package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_MaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("expected cause in chain, got %v", err)
	}
	var re *RetryError
	if !errors.As(err, &re) || re.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %+v", re)
	}
}

func TestDo_Permanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return Permanent(errTransient)
	})
	if !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	calls := 0
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, ErrContextCanceled) {
		t.Fatalf("expected ErrContextCanceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_OnRetry(t *testing.T) {
	var attempts []int
	cfg := fastConfig(2)
	cfg.OnRetry = func(attempt int, err error, _ time.Duration) {
		if !errors.Is(err, errTransient) {
			t.Errorf("unexpected error in OnRetry: %v", err)
		}
		attempts = append(attempts, attempt)
	}

	_ = Do(context.Background(), cfg, func(context.Context) error { return errTransient })

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected OnRetry for attempts [1 2], got %v", attempts)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(cfg, tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDefaultIsRetryable(t *testing.T) {
	if DefaultIsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !DefaultIsRetryable(errTransient) {
		t.Error("plain errors should be retryable")
	}
	if DefaultIsRetryable(context.Canceled) {
		t.Error("context.Canceled should not be retryable")
	}
	if DefaultIsRetryable(Permanent(errTransient)) {
		t.Error("permanent errors should not be retryable")
	}
}
