package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"wsched/internal/eventbus"
	rtsup "wsched/internal/runtime/supervisor"
	logx "wsched/pkg/logx"
)

const failureLogEvery = 200 * time.Millisecond

// ResultObserver is called by the result processor for every finished task.
// It must not block.
type ResultObserver interface {
	ObserveResult(TaskResult)
}

// MetricsObserver receives each periodic metrics sample.
type MetricsObserver interface {
	ObserveMetrics(SchedulerMetrics)
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithEventBus publishes task.completed / task.failed / task.discarded events.
func WithEventBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

func WithResultObserver(o ResultObserver) Option {
	return func(s *Scheduler) { s.resultObs = append(s.resultObs, o) }
}

func WithMetricsObserver(o MetricsObserver) Option {
	return func(s *Scheduler) { s.metricsObs = append(s.metricsObs, o) }
}

// WithResourcePool shares an existing pool instead of building one from Config.Resources.
func WithResourcePool(p *ResourcePool) Option { return func(s *Scheduler) { s.resources = p } }

// WithPreload seeds worker's local queue before the pool starts. Used to
// build deliberately unbalanced loads.
func WithPreload(worker int, tasks ...Task) Option {
	return func(s *Scheduler) {
		s.preload = append(s.preload, preload{worker: worker, tasks: tasks})
	}
}

type preload struct {
	worker int
	tasks  []Task
}

// WithContext sets the parent of the context handed to task bodies.
func WithContext(ctx context.Context) Option { return func(s *Scheduler) { s.parent = ctx } }

// Scheduler is the public face of the engine: submit tasks, wait for results,
// read metrics, shut down.
type Scheduler struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parent context.Context

	pool        *WorkerPool
	metrics     *MetricsCollector
	completions *completions
	limiter     *limiter
	resources   *ResourcePool
	resultObs   []ResultObserver
	metricsObs  []MetricsObserver
	preload     []preload

	sup       *rtsup.Supervisor
	procDone  chan struct{}
	running   atomic.Bool
	startedAt time.Time
}

// New validates cfg, resolves the worker count, starts the pool, the metrics
// sampler (when enabled) and the result processor.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s := &Scheduler{
		cfg:         cfg,
		metrics:     NewMetricsCollector(),
		completions: newCompletions(cfg.ResultRetention),
		procDone:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.parent == nil {
		s.parent = context.Background()
	}
	if s.resources == nil && cfg.Resources.enabled() {
		s.resources = NewResourcePool(cfg.Resources)
	}
	if cfg.Adaptive.Enabled {
		s.limiter = newLimiter(cfg.Adaptive, cfg.NumWorkers)
	}

	h := &hooks{
		limiter:   s.limiter,
		resources: s.resources,
		failures:  logx.NewThrottled(s.log.With(logx.String("comp", "worker")), failureLogEvery, 5),
		onStart: func(id string, _ int) {
			s.completions.setState(id, TaskRunning)
		},
		onSpawn: func(t Task) {
			s.completions.setState(t.ID(), TaskPending)
		},
		onReject: func(t Task) {
			s.completions.forget(t.ID())
		},
	}
	s.pool = NewWorkerPool(cfg, s.log, h)
	for _, pl := range s.preload {
		for _, t := range pl.tasks {
			if err := s.pool.PushLocal(pl.worker, t); err != nil {
				return nil, fmt.Errorf("preload worker %d: %w", pl.worker, err)
			}
			s.completions.setState(t.ID(), TaskPending)
		}
	}

	s.sup = rtsup.NewSupervisor(s.parent,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	if err := s.pool.Start(s.parent); err != nil {
		return nil, fmt.Errorf("start pool: %w", err)
	}
	s.startedAt = time.Now()
	s.running.Store(true)

	if cfg.EnableCPUMonitoring {
		s.sup.GoRestart("metrics", func(ctx context.Context) error {
			s.metrics.sample(ctx, cfg.MetricsInterval, s.pool, s.limiter, s.log, s.observeMetrics)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	if s.limiter != nil {
		s.sup.GoRestart("autoscale", func(ctx context.Context) error {
			s.limiter.autoscale(ctx, cfg.Adaptive.Interval, s.pool.backlog, s.log)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	// The processor exits when the pool closes its result channel, not on
	// supervisor cancel, so no result is lost during shutdown.
	go s.processResults()

	s.log.Info("scheduler started",
		logx.Int("workers", cfg.NumWorkers),
		logx.Int("max_queue_size", cfg.MaxQueueSize),
		logx.Int("max_steal_attempts", cfg.MaxStealAttempts),
		logx.String("steal_order", string(cfg.StealOrder)),
		logx.Duration("task_timeout", cfg.TaskTimeout),
		logx.Bool("adaptive", cfg.Adaptive.Enabled),
	)
	return s, nil
}

// Config returns the effective (defaulted) configuration.
func (s *Scheduler) Config() Config { return s.cfg }

func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// Submit queues t on the global injector and returns its id.
func (s *Scheduler) Submit(t Task) (string, error) {
	if t == nil {
		return "", errors.New("submit: nil task")
	}
	if !s.running.Load() {
		return "", ErrSchedulerShutdown
	}
	id := t.ID()
	s.completions.setState(id, TaskPending)
	if err := s.pool.Submit(t); err != nil {
		s.completions.forget(id)
		return "", err
	}
	return id, nil
}

// SubmitBatch submits tasks in order. It is not atomic: on error the ids
// accepted so far are returned with it.
func (s *Scheduler) SubmitBatch(tasks []Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		id, err := s.Submit(t)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// WaitForTask blocks until the task with id finishes, ctx ends or the
// scheduler shuts down.
func (s *Scheduler) WaitForTask(ctx context.Context, id string) (TaskResult, error) {
	rs, err := s.completions.wait(ctx, []string{id})
	if len(rs) == 1 {
		return rs[0], nil
	}
	if err == nil {
		err = ErrSchedulerShutdown
	}
	return TaskResult{}, err
}

// WaitForBatch collects results for ids in completion order. On shutdown or
// ctx expiry it returns the results gathered so far together with the error.
func (s *Scheduler) WaitForBatch(ctx context.Context, ids []string) ([]TaskResult, error) {
	return s.completions.wait(ctx, ids)
}

// RunAll submits tasks and returns their results in input order.
func (s *Scheduler) RunAll(ctx context.Context, tasks []Task) ([]TaskResult, error) {
	ids, err := s.SubmitBatch(tasks)
	if err != nil {
		return nil, err
	}
	rs, err := s.WaitForBatch(ctx, ids)
	byID := make(map[string]TaskResult, len(rs))
	for _, r := range rs {
		byID[r.TaskID] = r
	}
	out := make([]TaskResult, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, err
}

// TaskState reports where a task is in its lifecycle. Unknown or evicted ids
// return false.
func (s *Scheduler) TaskState(id string) (TaskState, bool) {
	return s.completions.state(id)
}

// Result returns a retained result without waiting.
func (s *Scheduler) Result(id string) (TaskResult, bool) {
	return s.completions.result(id)
}

// Metrics builds a fresh snapshot.
func (s *Scheduler) Metrics() SchedulerMetrics {
	return s.metrics.Snapshot(s.pool, s.limiter)
}

func (s *Scheduler) Status() SchedulerStatus {
	workers := s.pool.Status()
	var total uint64
	for _, w := range workers {
		total += w.TasksExecuted
	}
	return SchedulerStatus{
		IsRunning:          s.running.Load(),
		NumWorkers:         s.pool.Size(),
		Uptime:             time.Since(s.startedAt),
		TotalTasksExecuted: total,
		ActiveTasks:        s.pool.Busy(),
		QueuedGlobal:       s.pool.injector.Len(),
		Workers:            workers,
	}
}

// Supervisors exposes goroutine diagnostics for the pool and the background loops.
func (s *Scheduler) Supervisors() map[string]rtsup.SupervisorSnapshot {
	return map[string]rtsup.SupervisorSnapshot{
		"scheduler":  s.sup.Snapshot(),
		"workerpool": s.pool.Supervisor().Snapshot(),
	}
}

// Shutdown stops accepting work, lets in-flight tasks finish, discards
// anything still queued and stops the background loops. If ctx expires
// first, task contexts are canceled and ctx.Err() is returned; the
// remaining teardown continues in the background.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.running.CompareAndSwap(true, false) {
		return ErrSchedulerShutdown
	}
	return s.shutdown(ctx)
}

func (s *Scheduler) shutdown(ctx context.Context) error {
	start := time.Now()
	s.pool.Stop()

	if err := s.pool.Wait(ctx); err != nil {
		s.log.Warn("scheduler stop timed out; canceling running tasks", logx.Err(err))
		s.pool.Cancel()
		s.sup.Cancel()
		return err
	}

	if ids := s.pool.Discarded(); len(ids) > 0 {
		s.completions.markDiscarded(ids)
		s.log.Warn("scheduler discarded queued tasks", logx.Int("count", len(ids)))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDiscarded, Data: ids})
		}
	}

	select {
	case <-s.procDone:
	case <-ctx.Done():
		s.sup.Cancel()
		return ctx.Err()
	}
	s.pool.Cancel()
	if err := s.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler background loops", logx.Err(err))
	}

	s.log.Info("scheduler stopped",
		logx.Duration("took", time.Since(start)),
		logx.Uint64("executed", s.metrics.Totals().TotalExecuted),
	)
	return nil
}

// processResults is the single reader of the pool's result channel.
func (s *Scheduler) processResults() {
	defer close(s.procDone)
	defer s.completions.close()
	for {
		r, err := s.pool.ReceiveResult(context.Background())
		if err != nil {
			return
		}
		s.metrics.Record(r)
		s.completions.resolve(r)
		for _, o := range s.resultObs {
			s.observeSafely(func() { o.ObserveResult(r) })
		}
		if s.bus != nil {
			typ := eventbus.TypeTaskCompleted
			if !r.OK() {
				typ = eventbus.TypeTaskFailed
			}
			s.bus.Publish(eventbus.Event{Type: typ, Time: r.CompletedAt, Data: r})
		}
	}
}

func (s *Scheduler) observeMetrics(m SchedulerMetrics) {
	for _, o := range s.metricsObs {
		s.observeSafely(func() { o.ObserveMetrics(m) })
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeMetrics, Time: m.SampledAt, Data: m})
	}
}

func (s *Scheduler) observeSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("observer panicked", logx.Any("panic", r))
		}
	}()
	fn()
}
