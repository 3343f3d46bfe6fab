package retry

import (
	"context"
	"testing"
	"time"

	"github.com/filegate/filegate/pkg/fgerr"
)

func TestRetryer_Success(t *testing.T) {
	retryer := New(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Jitter: false})

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Jitter: false})

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return fgerr.New(fgerr.KindUpstream, "transient").WithRetryable(true)
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Jitter: false})

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return fgerr.New(fgerr.KindNotFound, "gone")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if !fgerr.IsKind(err, fgerr.KindNotFound) {
		t.Errorf("error kind changed: %v", err)
	}
}

func TestRetryer_Exhausted(t *testing.T) {
	retryer := New(Config{MaxAttempts: 2, InitialDelay: time.Millisecond, Jitter: false})

	attempts := 0
	err := retryer.Do(context.Background(), func(context.Context) error {
		attempts++
		return fgerr.New(fgerr.KindUpstream, "still down").WithRetryable(true)
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryer_ContextCancelled(t *testing.T) {
	retryer := New(Config{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, Jitter: false})

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retryer.Do(ctx, func(context.Context) error {
		attempts++
		return fgerr.New(fgerr.KindUpstream, "down").WithRetryable(true)
	})
	if !fgerr.IsKind(err, fgerr.KindCancelled) {
		t.Errorf("expected CANCELLED, got %v", err)
	}
	if attempts == 0 || attempts >= 5 {
		t.Errorf("cancellation should stop mid-way, got %d attempts", attempts)
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	calls := 0
	retryer := New(Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Jitter:       false,
		OnRetry:      func(int, error, time.Duration) { calls++ },
	})

	_ = retryer.Do(context.Background(), func(context.Context) error {
		return fgerr.New(fgerr.KindUpstream, "down").WithRetryable(true)
	})
	if calls != 2 {
		t.Errorf("expected 2 retry callbacks, got %d", calls)
	}
}
