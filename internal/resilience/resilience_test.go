package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/nextrade-api/internal/apperr"
)

var fast = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2, Jitter: true}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "model.Generate", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503 from upstream")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustedReportsMaxRetries(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0
	err := Do(context.Background(), fast, "model.Generate", func(context.Context) error {
		calls++
		return cause
	})
	if !errors.Is(err, apperr.ErrMaxRetries) {
		t.Fatalf("err = %v, want max retries", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("last error not wrapped: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	bad := errors.New("invalid api key")
	err := Do(context.Background(), fast, "model.Generate", func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	if !errors.Is(err, bad) || errors.Is(err, apperr.ErrMaxRetries) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour}
	err := Do(ctx, cfg, "model.Generate", func(context.Context) error {
		cancel()
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker("model", 2, time.Minute)
	b.now = func() time.Time { return now }
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("boom") }
	ok := func(context.Context) error { return nil }

	b.Execute(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state after 1 failure = %s", b.State())
	}
	b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state after 2 failures = %s", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, apperr.ErrCircuitOpen) || called {
		t.Fatalf("open breaker let call through: err=%v called=%v", err, called)
	}

	now = now.Add(time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after recovery timeout = %s", b.State())
	}
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after successful trial call = %s", b.State())
	}
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker("model", 1, time.Second)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Execute(ctx, func(context.Context) error { return errors.New("boom") })
	now = now.Add(2 * time.Second)
	b.Execute(ctx, func(context.Context) error { return errors.New("still down") })

	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
}
