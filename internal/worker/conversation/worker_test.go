package conversationworker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeCloser struct {
	closed  int
	err     error
	calls   int
	idleFor time.Duration
}

func (f *fakeCloser) CloseInactive(_ context.Context, idleFor time.Duration) (int, error) {
	f.calls++
	f.idleFor = idleFor
	return f.closed, f.err
}

func TestInactivityCloserSweep(t *testing.T) {
	store := &fakeCloser{closed: 2}
	closer := NewInactivityCloser(store, nil).WithIdleFor(48 * time.Hour)

	closer.sweep(context.Background())

	if store.calls != 1 {
		t.Fatalf("expected one sweep, got %d", store.calls)
	}
	if store.idleFor != 48*time.Hour {
		t.Fatalf("expected configured idle window, got %s", store.idleFor)
	}
}

func TestInactivityCloserDefaultIdleWindow(t *testing.T) {
	store := &fakeCloser{}
	closer := NewInactivityCloser(store, nil)

	closer.sweep(context.Background())

	if store.idleFor != 72*time.Hour {
		t.Fatalf("expected 72h default, got %s", store.idleFor)
	}
}

func TestInactivityCloserSweepError(t *testing.T) {
	store := &fakeCloser{err: errors.New("db down")}
	closer := NewInactivityCloser(store, nil)
	closer.sweep(context.Background())
}

func TestInactivityCloserRunLoop(t *testing.T) {
	store := &fakeCloser{}
	closer := NewInactivityCloser(store, nil).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		closer.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if store.calls < 2 {
		t.Fatalf("expected repeated sweeps, got %d", store.calls)
	}
}

func TestInactivityCloserNilStore(t *testing.T) {
	closer := NewInactivityCloser(nil, nil)
	closer.sweep(context.Background())
}
