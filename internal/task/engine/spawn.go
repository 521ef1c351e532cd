package engine

import (
	"context"
	"errors"
	"sync"
)

type spawnKey struct{}

// spawner is installed in a task's context for the duration of its body.
// While active, pushes go to the executing worker's local queue; the worker
// does not touch its queue until the body returns, so the mutex is enough to
// keep the single-owner rule.
type spawner struct {
	mu     sync.Mutex
	active bool
	local  *TaskQueue
	global func(Task) error
	// onPush runs before the child is visible to any worker; onReject undoes
	// it when the local queue is full.
	onPush   func(Task)
	onReject func(Task)
}

func (s *spawner) push(t Task) error {
	if s.onPush != nil {
		s.onPush(t)
	}
	s.mu.Lock()
	if s.active {
		err := s.local.Push(t)
		s.mu.Unlock()
		if err != nil && s.onReject != nil {
			s.onReject(t)
		}
		return err
	}
	s.mu.Unlock()
	if err := s.global(t); err != nil {
		if s.onReject != nil {
			s.onReject(t)
		}
		return err
	}
	return nil
}

func (s *spawner) close() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Spawn submits t from inside a running task. The child lands on the current
// worker's local queue so it is likely to run next on the same worker, while
// idle peers can still steal it. Outside a task body (or after the body's
// time is up) it falls back to the global injector.
//
// Spawn returns ErrQueueOverflow when the local queue is full; callers may
// then run the child inline or retry later. Once the pool has stopped it
// returns ErrSchedulerShutdown.
func Spawn(ctx context.Context, t Task) error {
	if t == nil {
		return errors.New("spawn: nil task")
	}
	s, _ := ctx.Value(spawnKey{}).(*spawner)
	if s == nil {
		return errors.New("spawn: not called from a scheduled task")
	}
	return s.push(t)
}
