package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestExponential(t *testing.T) {
	t.Parallel()

	f := Exponential(2)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := f(tt.attempt); got != tt.want {
			t.Errorf("Exponential(2)(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	var attempts []int
	got, err := Do(context.Background(), Policy{MaxAttempts: 3}, func(_ context.Context, attempt int) (string, error) {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return "", errBoom
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want ok", got)
	}
	if len(attempts) != 3 || attempts[0] != 0 || attempts[2] != 2 {
		t.Errorf("attempts = %v, want [0 1 2]", attempts)
	}
}

func TestDo_Exhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	var notified []int
	p := Policy{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		OnRetry:     func(attempt int, _ error, _ time.Duration) { notified = append(notified, attempt) },
	}
	_, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want errBoom", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(notified) != 2 || notified[0] != 0 || notified[1] != 1 {
		t.Errorf("notified = %v, want [0 1]", notified)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Do(context.Background(), Policy{}, func(context.Context, int) (int, error) {
		calls++
		return 0, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want errBoom", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_PermanentStops(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 5}, func(context.Context, int) (int, error) {
		calls++
		return 0, Permanent(errBoom)
	})
	if err != errBoom {
		t.Fatalf("err = %v, want errBoom unwrapped", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_NonRetryableStops(t *testing.T) {
	t.Parallel()

	errAuth := errors.New("unauthorized")
	p := Policy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, errAuth) },
	}
	calls := 0
	_, err := Do(context.Background(), p, func(_ context.Context, attempt int) (int, error) {
		calls++
		if attempt == 0 {
			return 0, errBoom
		}
		return 0, fmt.Errorf("call %d: %w", attempt, errAuth)
	})
	if !errors.Is(err, errAuth) {
		t.Fatalf("err = %v, want errAuth", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDo_NonRetryableKeepsPermanent(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3, Retryable: func(error) bool { return false }}
	_, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		return 0, Permanent(errBoom)
	})
	if err != errBoom {
		t.Fatalf("err = %v, want errBoom unwrapped", err)
	}
}

func TestDo_AfterOverridesDelay(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxAttempts: 2,
		Backoff:     func(int) time.Duration { return time.Hour },
	}
	start := time.Now()
	got, err := Do(context.Background(), p, func(_ context.Context, attempt int) (int, error) {
		if attempt == 0 {
			return 0, After(time.Millisecond, errBoom)
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 7 {
		t.Errorf("got %d, want 7", got)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("elapsed %v, server wait was not honored", elapsed)
	}
}

func TestAfter_KeepsCause(t *testing.T) {
	t.Parallel()

	err := After(time.Second, errBoom)
	if !errors.Is(err, errBoom) {
		t.Errorf("errors.Is(After(..., errBoom), errBoom) = false")
	}
	if After(time.Second, nil) != nil {
		t.Error("After(nil) should be nil")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Hour },
	}
	calls := 0
	_, err := Do(ctx, p, func(context.Context, int) (int, error) {
		calls++
		cancel()
		return 0, errBoom
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
