package engine

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "wsched/pkg/logx"
)

// hooks are the pool-wide collaborators a worker calls around each task.
type hooks struct {
	limiter   *limiter
	resources *ResourcePool
	onStart   func(taskID string, workerID int)
	onSpawn   func(Task)
	onReject  func(Task)
	// spawnGlobal takes children spawned after their parent's body window
	// closed. It refuses them once the pool has stopped.
	spawnGlobal func(Task) error
	failures    *logx.Throttled
}

type workerStats struct {
	tasksExecuted   uint64
	stealsPerformed uint64
	globalTaken     uint64
	cpuTime         time.Duration
	startedAt       time.Time
}

// Worker owns one local queue and runs tasks from it, from the injector, or
// stolen from peers, in that order.
type Worker struct {
	id      int
	cfg     Config
	queue   *TaskQueue
	global  *Injector
	peers   []*TaskQueue
	results chan<- TaskResult
	hooks   *hooks
	log     logx.Logger

	running atomic.Bool
	busy    atomic.Bool

	mu    sync.RWMutex
	stats workerStats

	rng *rand.Rand
}

func newWorker(id int, cfg Config, global *Injector, results chan<- TaskResult, h *hooks, log logx.Logger) *Worker {
	// Per-worker RNG: no shared lock when randomising steal order.
	seed := time.Now().UnixNano() ^ (int64(id) << 32)
	return &Worker{
		id:      id,
		cfg:     cfg,
		queue:   NewTaskQueue(id, cfg.MaxQueueSize, global),
		global:  global,
		results: results,
		hooks:   h,
		log:     log.With(logx.Int("worker", id)),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (w *Worker) ID() int { return w.id }

func (w *Worker) Queue() *TaskQueue { return w.queue }

// Stop asks the loop to exit after the current task. Non-blocking.
func (w *Worker) Stop() { w.running.Store(false) }

func (w *Worker) IsRunning() bool { return w.running.Load() }

func (w *Worker) markStarted() {
	w.mu.Lock()
	w.stats.startedAt = time.Now()
	w.mu.Unlock()
	w.running.Store(true)
}

// Stats returns a consistent snapshot of this worker's counters.
func (w *Worker) Stats() WorkerStats {
	w.mu.RLock()
	st := w.stats
	w.mu.RUnlock()
	uptime := time.Duration(0)
	if !st.startedAt.IsZero() {
		uptime = time.Since(st.startedAt)
	}
	return WorkerStats{
		WorkerID:        w.id,
		TasksExecuted:   st.tasksExecuted,
		QueueDepth:      w.queue.Depth(),
		StealsPerformed: st.stealsPerformed,
		StealsReceived:  w.queue.Stolen(),
		GlobalTaken:     st.globalTaken,
		Uptime:          uptime,
		CPUTime:         st.cpuTime,
		Busy:            w.busy.Load(),
	}
}

// run is the worker loop. It returns once Stop was called or ctx ends; the
// task in hand when that happens always finishes first.
func (w *Worker) run(ctx context.Context) {
	var idle *time.Timer
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for w.running.Load() {
		if ctx.Err() != nil {
			return
		}
		t, stolen, global := w.next()
		if t == nil {
			// The previous tick was always received, so Reset is safe.
			if idle == nil {
				idle = time.NewTimer(w.cfg.IdleBackoff)
			} else {
				idle.Reset(w.cfg.IdleBackoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}
		w.execute(ctx, t, stolen, global)
	}
}

// next finds work: local pop, then the injector, then peers.
func (w *Worker) next() (t Task, stolen, global bool) {
	if t, ok := w.queue.Pop(); ok {
		return t, false, false
	}
	if t, ok := w.queue.StealGlobal(); ok {
		return t, false, true
	}
	if t := w.stealFromPeers(); t != nil {
		return t, true, false
	}
	return nil, false, false
}

func (w *Worker) stealFromPeers() Task {
	n := len(w.peers)
	if n == 0 {
		return nil
	}
	start := 0
	if w.cfg.StealOrder == StealRandom {
		start = w.rng.Intn(n)
	}
	for i := 0; i < n; i++ {
		victim := w.peers[(start+i)%n]
		for attempt := 0; attempt < w.cfg.MaxStealAttempts; attempt++ {
			t, res := victim.Steal()
			if res == StealSuccess {
				return t
			}
			if res == StealEmpty {
				break
			}
		}
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, t Task, stolen, global bool) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	if w.hooks.onStart != nil {
		w.hooks.onStart(t.ID(), w.id)
	}

	start := time.Now()
	val, err := w.runGuarded(ctx, t)
	elapsed := time.Since(start)

	w.mu.Lock()
	w.stats.tasksExecuted++
	w.stats.cpuTime += elapsed
	if stolen {
		w.stats.stealsPerformed++
	}
	if global {
		w.stats.globalTaken++
	}
	w.mu.Unlock()

	if err != nil {
		w.hooks.failures.Warn("task.failed", logx.String("task", t.ID()), logx.Int("worker", w.id), logx.Duration("elapsed", elapsed), logx.Err(err))
	} else {
		w.log.Trace("task.completed", logx.String("task", t.ID()), logx.Duration("elapsed", elapsed))
	}

	w.results <- TaskResult{
		TaskID:        t.ID(),
		Value:         val,
		Err:           err,
		ExecutionTime: elapsed,
		WorkerID:      w.id,
		CompletedAt:   time.Now(),
	}
}

// runGuarded takes the active-limit permit and resource claims, then runs the
// body. Claims are held until the body returns, even past a timeout.
func (w *Worker) runGuarded(ctx context.Context, t Task) (any, error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	if lim := w.hooks.limiter; lim != nil {
		if !lim.acquire(ctx) {
			return nil, &TaskExecutionError{TaskID: t.ID(), Cause: ErrSchedulerShutdown}
		}
		releases = append(releases, lim.release)
	}
	if rb, ok := t.(ResourceBound); ok && w.hooks.resources != nil {
		release, err := w.hooks.resources.Acquire(ctx, rb.Resources())
		if err != nil {
			releaseAll()
			return nil, &TaskExecutionError{TaskID: t.ID(), Cause: err}
		}
		releases = append(releases, release)
	}

	sp := &spawner{active: true, local: w.queue, global: w.hooks.spawnGlobal, onPush: w.hooks.onSpawn, onReject: w.hooks.onReject}
	defer sp.close()
	runCtx := context.WithValue(ctx, spawnKey{}, sp)

	if w.cfg.TaskTimeout <= 0 {
		defer releaseAll()
		return w.invoke(runCtx, t)
	}

	// Race the body against a timer. A body that ignores ctx keeps running
	// detached with its claims; its result is dropped.
	runCtx, cancel := context.WithTimeout(runCtx, w.cfg.TaskTimeout)

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		defer releaseAll()
		v, err := w.invoke(runCtx, t)
		done <- outcome{v, err}
	}()

	timer := time.NewTimer(w.cfg.TaskTimeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.val, o.err
	case <-timer.C:
		return nil, &TaskTimeoutError{TaskID: t.ID(), Timeout: w.cfg.TaskTimeout}
	}
}

// invoke calls Execute, converting a panic into a task failure so one bad
// task can't kill the worker.
func (w *Worker) invoke(ctx context.Context, t Task) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			w.log.Error("task.panic", logx.String("task", t.ID()), logx.Any("panic", r), logx.String("stack", stack))
			val = nil
			err = &TaskExecutionError{TaskID: t.ID(), Cause: &PanicError{Value: r, Stack: stack}}
		}
	}()
	val, err = t.Execute(ctx)
	if err != nil {
		err = &TaskExecutionError{TaskID: t.ID(), Cause: err}
	}
	return val, err
}
