package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	rtsup "wsched/internal/runtime/supervisor"
	logx "wsched/pkg/logx"
)

// WorkerPool owns the workers, the injector and the shared result channel.
type WorkerPool struct {
	cfg      Config
	log      logx.Logger
	injector *Injector
	workers  []*Worker
	results  chan TaskResult
	hooks    *hooks

	mu        sync.RWMutex
	sup       *rtsup.Supervisor
	started   bool
	stopped   bool
	done      chan struct{}
	discarded []string
}

// NewWorkerPool builds cfg.NumWorkers workers wired as a full mesh: every
// worker can steal from every other worker's queue. cfg must already be
// validated.
func NewWorkerPool(cfg Config, log logx.Logger, h *hooks) *WorkerPool {
	if h == nil {
		h = &hooks{}
	}
	cfg = cfg.withDefaults()
	p := &WorkerPool{
		cfg:      cfg,
		log:      log,
		injector: NewInjector(),
		results:  make(chan TaskResult, cfg.ResultBuffer),
		hooks:    h,
		done:     make(chan struct{}),
	}
	h.spawnGlobal = p.pushSpawned
	p.workers = make([]*Worker, cfg.NumWorkers)
	for i := range p.workers {
		p.workers[i] = newWorker(i, cfg, p.injector, p.results, h, log)
	}
	for _, w := range p.workers {
		peers := make([]*TaskQueue, 0, len(p.workers)-1)
		for _, other := range p.workers {
			if other != w {
				peers = append(peers, other.queue)
			}
		}
		w.peers = peers
	}
	return p
}

// Start launches every worker loop under a supervisor and returns immediately.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrSchedulerShutdown
	}
	if p.started {
		return nil
	}
	p.started = true

	p.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "workerpool"))),
		rtsup.WithCancelOnError(false),
	)
	for _, w := range p.workers {
		w := w
		w.markStarted()
		// A loop only returns on its own after Stop; anything else is a crash
		// worth restarting.
		p.sup.GoRestart(fmt.Sprintf("worker.%d", w.id), func(c context.Context) error {
			w.run(c)
			if !w.IsRunning() || c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	return nil
}

// Stop signals all workers and returns immediately. Workers finish their
// current task first. Done is closed once every loop has exited, queued work
// has been discarded and the result channel is closed.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	sup := p.sup
	p.mu.Unlock()

	for _, w := range p.workers {
		w.Stop()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		p.drain()
		close(p.results)
		close(p.done)
	}()
}

// Done is closed after Stop has fully completed.
func (p *WorkerPool) Done() <-chan struct{} { return p.done }

// Wait blocks until the worker loops have exited after Stop, or ctx ends.
func (p *WorkerPool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels the context handed to running task bodies.
func (p *WorkerPool) Cancel() {
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	if sup != nil {
		sup.Cancel()
	}
}

// drain discards everything still queued. Runs after every loop has exited,
// so popping local queues from here keeps the single-owner rule.
func (p *WorkerPool) drain() {
	var ids []string
	for _, w := range p.workers {
		for {
			t, ok := w.queue.Pop()
			if !ok {
				break
			}
			ids = append(ids, t.ID())
		}
	}
	for {
		t, ok := p.injector.Pop()
		if !ok {
			break
		}
		ids = append(ids, t.ID())
	}
	p.mu.Lock()
	p.discarded = ids
	p.mu.Unlock()
}

// pushSpawned queues a late-spawned child on the injector. Stop takes the
// write lock before drain runs, so a child either lands before drain or is
// refused.
func (p *WorkerPool) pushSpawned(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrSchedulerShutdown
	}
	p.injector.Push(t)
	return nil
}

// Discarded lists ids of tasks dropped at Stop without running.
func (p *WorkerPool) Discarded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.discarded...)
}

// Submit places t on the global injector. It never overflows.
func (p *WorkerPool) Submit(t Task) error {
	// The read lock orders every accepted push before Stop, and therefore
	// before drain.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrSchedulerShutdown
	}
	p.injector.Push(t)
	return nil
}

// PushLocal seeds worker id's local queue. Only allowed before Start, while
// the pool goroutine is the queue's sole owner.
func (p *WorkerPool) PushLocal(id int, t Task) error {
	if id < 0 || id >= len(p.workers) {
		return fmt.Errorf("push local: no worker %d", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("push local: pool already started")
	}
	return p.workers[id].queue.Push(t)
}

// ReceiveResult returns the next result. It fails with ErrSchedulerShutdown
// once the pool has stopped and every result was consumed.
func (p *WorkerPool) ReceiveResult(ctx context.Context) (TaskResult, error) {
	select {
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	case r, ok := <-p.results:
		if !ok {
			return TaskResult{}, ErrSchedulerShutdown
		}
		return r, nil
	}
}

// Status snapshots each worker in turn; the set is not atomic across workers.
func (p *WorkerPool) Status() []WorkerStats {
	out := make([]WorkerStats, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Stats()
	}
	return out
}

// Busy counts workers currently inside a task body.
func (p *WorkerPool) Busy() int {
	n := 0
	for _, w := range p.workers {
		if w.busy.Load() {
			n++
		}
	}
	return n
}

func (p *WorkerPool) Size() int { return len(p.workers) }

func (p *WorkerPool) Injector() *Injector { return p.injector }

// Supervisor exposes goroutine stats for diagnostics (nil before Start).
func (p *WorkerPool) Supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

// backlog is the approximate amount of queued work across all queues.
func (p *WorkerPool) backlog() int {
	n := p.injector.Len()
	for _, w := range p.workers {
		n += w.queue.Depth()
	}
	return n
}
