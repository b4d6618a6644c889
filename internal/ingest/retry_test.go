package ingest

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrierSucceedsAfterTransientFailures(t *testing.T) {
	var slept []time.Duration
	r := NewRetrier(6, 30*time.Second)
	r.randFloat = func() float64 { return 0.5 }
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(slept) != 2 || slept[0] != 500*time.Millisecond || slept[1] != time.Second {
		t.Fatalf("unexpected delays %v", slept)
	}
}

func TestRetrierExhaustsBudget(t *testing.T) {
	r := NewRetrier(3, time.Second)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	wantErr := errors.New("still down")
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetrierDelayCapped(t *testing.T) {
	r := NewRetrier(6, 30*time.Second)
	r.randFloat = func() float64 { return 1 }
	if d := r.delay(10); d != 30*time.Second {
		t.Fatalf("expected cap, got %s", d)
	}
	r.randFloat = func() float64 { return 0 }
	if d := r.delay(0); d != time.Millisecond {
		t.Fatalf("expected floor, got %s", d)
	}
}

func TestRetrierStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetrier(6, time.Second)
	calls := 0
	err := r.Do(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no attempts on dead context, got %d", calls)
	}
}
