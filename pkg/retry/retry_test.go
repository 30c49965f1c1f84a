package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

func fastConfig(maxAttempts int) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(2), func() error {
		attempts++
		return errTestError
	})

	if !errors.Is(err, errTestError) {
		t.Errorf("Expected wrapped test error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts (1 + 2 retries), got: %d", attempts)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(5), func() error {
		attempts++
		return Permanent(errTestError)
	})

	if err != errTestError {
		t.Errorf("Expected the unwrapped permanent error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(10)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, cfg, func() error {
		attempts++
		return errTestError
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got: %d", attempts)
	}
}

func TestRetry_Disabled(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Config{Enabled: false}, func() error {
		attempts++
		return errTestError
	})
	if err != errTestError || attempts != 1 {
		t.Errorf("disabled retry should call once and return the error, got %v after %d", err, attempts)
	}
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", errTestError
		}
		return "state", nil
	})
	if err != nil || got != "state" {
		t.Errorf("RetryWithResult() = %q, %v", got, err)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	if d := Backoff(cfg, 0); d != 100*time.Millisecond {
		t.Errorf("attempt 0 = %v", d)
	}
	if d := Backoff(cfg, 2); d != 400*time.Millisecond {
		t.Errorf("attempt 2 = %v", d)
	}
	if d := Backoff(cfg, 10); d != time.Second {
		t.Errorf("attempt 10 should be capped, got %v", d)
	}

	cfg.Jitter = true
	for i := 0; i < 50; i++ {
		d := Backoff(cfg, 0)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}
