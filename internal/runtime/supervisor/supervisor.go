// Package supervisor runs named goroutines under one context with panic
// recovery, per-name stats and optional restart with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "wsched/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	// cancelOnErr cancels ctx on the first failure.
	cancelOnErr bool

	wg       sync.WaitGroup
	started  atomic.Uint64
	active   atomic.Int64
	firstErr atomic.Pointer[error]
	stats    statTable

	waitOnce sync.Once
	done     chan struct{}
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first failure of any goroutine cancel the
// shared context.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{done: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{Active: s.active.Load(), Started: s.started.Load()}
}

func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	snap := SupervisorSnapshot{Counters: s.Counters(), Goroutines: s.stats.list()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	return snap
}

// PanicError carries a recovered panic value and its stack.
type PanicError struct {
	Name  string
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in %s: %v", e.Name, e.Value) }

// call runs fn once, converting a panic into a *PanicError.
func call(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Name: name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}

// spawn is the bookkeeping shared by Go and the GoRestart loop.
func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// Go runs fn once. A non-nil error other than context.Canceled, or a panic,
// is recorded as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		_, end := s.stats.begin(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))

		err := call(s.ctx, name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		var pe *PanicError
		if errors.As(err, &pe) {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", pe.Value), logx.Stack(pe.Stack))
			end(err, pe.Value)
		} else {
			end(err, nil)
		}
		if err != nil {
			if pe == nil {
				err = fmt.Errorf("%s: %w", name, err)
			}
			s.fail(err)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	})
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels the context and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends. It returns
// the first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) record(err error) {
	if err != nil {
		s.firstErr.CompareAndSwap(nil, &err)
	}
}
