package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}, FixedConfig(3, time.Millisecond))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("always fails")
	calls := 0

	err := Do(context.Background(), func() error {
		calls++
		return sentinel
	}, FixedConfig(3, time.Millisecond))

	if !errors.Is(err, sentinel) {
		t.Errorf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(errors.New("invalid key"))
	}, FixedConfig(5, time.Millisecond))

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent error must not be retried, got %d calls", calls)
	}

	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("expected PermanentError, got %T", err)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	value, err := DoWithResult(context.Background(), func() (float64, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("flaky")
		}
		return 42.5, nil
	}, FixedConfig(3, time.Millisecond))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 42.5 {
		t.Errorf("expected 42.5, got %v", value)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		return errors.New("failure")
	}, FixedConfig(10, 50*time.Millisecond))

	if err == nil {
		t.Fatal("expected error")
	}
	if calls > 1 {
		t.Errorf("cancelled context should stop retries, got %d calls", calls)
	}
}

func TestRetryIfFilter(t *testing.T) {
	sentinel := errors.New("do not retry me")
	calls := 0

	err := Do(context.Background(), func() error {
		calls++
		return sentinel
	}, Config{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		RetryIf:      func(err error) bool { return !errors.Is(err, sentinel) },
	})

	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Errorf("filtered error must not be retried, got %d calls", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil must not be retryable")
	}
	if IsRetryable(Permanent(errors.New("x"))) {
		t.Error("permanent error must not be retryable")
	}
	if !IsRetryable(errors.New("plain")) {
		t.Error("plain error must be retryable by default")
	}
}
