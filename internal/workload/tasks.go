package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"wsched/internal/task/engine"
)

// ErrInjected is returned by fail tasks.
var ErrInjected = errors.New("workload: injected failure")

// NewTaskID names a generated task after its job.
func NewTaskID(job string) string {
	return job + "-" + uuid.NewString()
}

// BuildTask returns the task a single unit of job performs.
func BuildTask(job Job, id string) engine.Task {
	switch job.Kind {
	case KindSpin:
		return engine.NewTask(id, func(ctx context.Context) (any, error) {
			return spin(ctx, job.Duration)
		})
	case KindFail:
		ratio := job.FailRatio
		if ratio <= 0 {
			ratio = 1
		}
		return engine.NewTask(id, func(ctx context.Context) (any, error) {
			if err := sleep(ctx, job.Duration); err != nil {
				return nil, err
			}
			if rand.Float64() < ratio {
				return nil, ErrInjected
			}
			return "ok", nil
		})
	case KindFanout:
		return engine.NewTask(id, func(ctx context.Context) (any, error) {
			return fanout(ctx, job, id)
		})
	default:
		return engine.NewTask(id, func(ctx context.Context) (any, error) {
			if err := sleep(ctx, job.Duration); err != nil {
				return nil, err
			}
			return job.Duration.String(), nil
		})
	}
}

// fanout pushes job.Fanout sleep children onto the running worker's queue,
// leaving them for idle peers to steal.
func fanout(ctx context.Context, job Job, parent string) (any, error) {
	child := job
	child.Kind = KindSleep
	spawned := 0
	for i := 0; i < job.Fanout; i++ {
		t := BuildTask(child, fmt.Sprintf("%s.%d", parent, i))
		if err := engine.Spawn(ctx, t); err != nil {
			return spawned, fmt.Errorf("spawn child %d: %w", i, err)
		}
		spawned++
	}
	return spawned, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spin burns CPU until d has passed or ctx ends.
func spin(ctx context.Context, d time.Duration) (any, error) {
	deadline := time.Now().Add(d)
	var n uint64
	for time.Now().Before(deadline) {
		for i := 0; i < 1000; i++ {
			n = n*6364136223846793005 + 1442695040888963407
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return n, nil
}
