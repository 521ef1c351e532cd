package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRestartRestartsAfterPanic(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			panic("boom")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil {
		t.Fatalf("Wait() err = nil, want published panic")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}

	snap := sup.Snapshot()
	var flaky *GoroutineStats
	for i := range snap.Goroutines {
		if snap.Goroutines[i].Name == "flaky" {
			flaky = &snap.Goroutines[i]
		}
	}
	if flaky == nil {
		t.Fatalf("no stats for flaky: %+v", snap.Goroutines)
	}
	if flaky.Panics != 2 || flaky.Restarts != 2 {
		t.Fatalf("panics=%d restarts=%d, want 2/2", flaky.Panics, flaky.Restarts)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	sup.GoRestart("always-fails", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatalf("Wait() err = nil, want error")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if sup.Context().Err() == nil {
		t.Fatalf("context not canceled after final error")
	}
}

func TestStopCancelsLoops(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	sup.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
	if c := sup.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoRecordsPanic(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go("bad", func(context.Context) error { panic("kaboom") })
	sup.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "kaboom" || pe.Stack == "" {
		t.Fatalf("Wait() = %v, want *PanicError with stack", err)
	}
	snap := sup.Snapshot()
	if snap.FirstError == "" || snap.Counters.Started != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, g := range snap.Goroutines {
		if g.Name == "bad" && (g.Panics != 1 || g.LastPanic != "kaboom") {
			t.Fatalf("bad stats = %+v", g)
		}
	}
}

func TestGoIgnoresCanceled(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	sup.Go("quits", func(ctx context.Context) error { return context.Canceled })
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
}
