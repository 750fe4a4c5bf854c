package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	// A zero config picks up the built-in defaults.
	result, err := WithRetry(context.Background(), RetryConfig{}, func() (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("WithRetry() unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("WithRetry() result = %q, want %q", result, "ok")
	}
	if calls != 1 {
		t.Errorf("WithRetry() calls = %d, want 1", calls)
	}
}

func TestWithRetrySucceedsAfterRetries(t *testing.T) {
	calls := 0
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	}
	result, err := WithRetry(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("WithRetry() unexpected error: %v", err)
	}
	if result != 7 {
		t.Errorf("WithRetry() result = %d, want 7", result)
	}
	if calls != 3 {
		t.Errorf("WithRetry() calls = %d, want 3", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}
	_, err := WithRetry(context.Background(), cfg, func() (struct{}, error) {
		calls++
		return struct{}{}, errors.New("always fails")
	})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("WithRetry() error = %v, want ErrMaxRetriesExceeded", err)
	}
	if calls != 3 {
		t.Errorf("WithRetry() calls = %d, want 3", calls)
	}
}

func TestWithRetryNonRetryableError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		RetryableFunc: func(err error) bool {
			return !errors.Is(err, permanent)
		},
	}
	_, err := WithRetry(context.Background(), cfg, func() (struct{}, error) {
		calls++
		return struct{}{}, permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("WithRetry() error = %v, want the permanent error", err)
	}
	if errors.Is(err, ErrMaxRetriesExceeded) {
		t.Error("WithRetry() should not wrap non-retryable errors in ErrMaxRetriesExceeded")
	}
	if calls != 1 {
		t.Errorf("WithRetry() calls = %d, want 1", calls)
	}
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(ctx, RetryConfig{}, func() (struct{}, error) {
		t.Error("function should not run with a cancelled context")
		return struct{}{}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WithRetry() error = %v, want context.Canceled", err)
	}
}

func TestWithRetryNoResult(t *testing.T) {
	calls := 0
	cfg := RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	}
	err := WithRetryNoResult(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return errors.New("first try fails")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetryNoResult() unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("WithRetryNoResult() calls = %d, want 2", calls)
	}
}
