package storage

import (
	"context"
	"sync/atomic"
	"time"

	"wsched/internal/eventbus"
	"wsched/internal/task/engine"
	logx "wsched/pkg/logx"
)

const appendTimeout = 2 * time.Second

// Recorder persists task results published on the event bus.
type Recorder struct {
	store Store
	log   logx.Logger
	ch    <-chan eventbus.Event
	unsub func()

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder subscribes immediately so no result published after it
// returns is missed.
func NewRecorder(store Store, bus eventbus.Bus, buffer int, log logx.Logger) *Recorder {
	ch, unsub := bus.Subscribe(buffer, eventbus.TypeTaskCompleted, eventbus.TypeTaskFailed)
	return &Recorder{store: store, log: log, ch: ch, unsub: unsub}
}

// Run writes results until ctx is done, then flushes whatever is still
// buffered.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.unsub()
			for ev := range r.ch {
				r.write(ev)
			}
			return nil
		case ev, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.write(ev)
		}
	}
}

func (r *Recorder) write(ev eventbus.Event) {
	res, ok := ev.Data.(engine.TaskResult)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := r.store.AppendResult(ctx, RecordFromResult(res)); err != nil {
		if r.failed.Add(1) == 1 {
			r.log.Warn("result append failed", logx.Err(err))
		}
		return
	}
	r.written.Add(1)
}

// Counts returns (written, failed) appends.
func (r *Recorder) Counts() (uint64, uint64) { return r.written.Load(), r.failed.Load() }
