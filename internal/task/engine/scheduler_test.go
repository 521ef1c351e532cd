package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.NumWorkers = workers
	cfg.EnableCPUMonitoring = false
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSchedulerRunsEveryTaskOnce(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testConfig(4))

	const n = 1000
	var mu sync.Mutex
	runs := make(map[string]int, n)
	tasks := make([]Task, n)
	for i := range tasks {
		id := fmt.Sprintf("t-%d", i)
		tasks[i] = NewTask(id, func(context.Context) (any, error) {
			mu.Lock()
			runs[id]++
			mu.Unlock()
			return id, nil
		})
	}
	ids, err := s.SubmitBatch(tasks)
	if err != nil {
		t.Fatalf("SubmitBatch() = %v", err)
	}
	results, err := s.WaitForBatch(waitCtx(t), ids)
	if err != nil {
		t.Fatalf("WaitForBatch() = %v", err)
	}
	if len(results) != n {
		t.Fatalf("got %d results, want %d", len(results), n)
	}
	for _, r := range results {
		if !r.OK() || r.Value != r.TaskID {
			t.Fatalf("result %+v", r)
		}
	}
	for id, c := range runs {
		if c != 1 {
			t.Fatalf("task %s ran %d times", id, c)
		}
	}
	if got := s.Metrics().Tasks.TotalExecuted; got != n {
		t.Fatalf("TotalExecuted = %d, want %d", got, n)
	}
}

func TestSchedulerProcessesSmallBatch(t *testing.T) {
	t.Parallel()

	cfg := testConfig(2)
	cfg.MaxQueueSize = 10
	s := newTestScheduler(t, cfg)

	tasks := make([]Task, 5)
	for i := range tasks {
		i := i
		tasks[i] = NewTask(fmt.Sprintf("item-%d", i), func(context.Context) (any, error) {
			return map[string]any{"result": i, "processed": true}, nil
		})
	}
	rs, err := s.RunAll(waitCtx(t), tasks)
	if err != nil {
		t.Fatalf("RunAll() = %v", err)
	}
	for i, r := range rs {
		v, _ := r.Value.(map[string]any)
		if !r.OK() || v["result"] != i || v["processed"] != true {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
	if got := s.Metrics().Tasks.TotalExecuted; got != 5 {
		t.Fatalf("TotalExecuted = %d, want 5", got)
	}
	if got := s.Status().TotalTasksExecuted; got != 5 {
		t.Fatalf("Status().TotalTasksExecuted = %d, want 5", got)
	}
}

func TestSchedulerShutdownGating(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(2))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	ctx := waitCtx(t)
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if _, err := s.Submit(noop("late")); !errors.Is(err, ErrSchedulerShutdown) {
		t.Fatalf("Submit after shutdown = %v, want ErrSchedulerShutdown", err)
	}
	if err := s.Shutdown(ctx); !errors.Is(err, ErrSchedulerShutdown) {
		t.Fatalf("second Shutdown() = %v, want ErrSchedulerShutdown", err)
	}
	if s.Status().IsRunning {
		t.Fatalf("Status().IsRunning = true after shutdown")
	}
	if _, err := s.WaitForTask(ctx, "never"); !errors.Is(err, ErrSchedulerShutdown) {
		t.Fatalf("WaitForTask after shutdown = %v, want ErrSchedulerShutdown", err)
	}
}

func TestSchedulerIdleExecutesNothing(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testConfig(4))
	time.Sleep(50 * time.Millisecond)

	st := s.Status()
	if st.TotalTasksExecuted != 0 || st.ActiveTasks != 0 {
		t.Fatalf("idle status = %+v", st)
	}
	for _, w := range st.Workers {
		if w.TasksExecuted != 0 || w.StealsPerformed != 0 {
			t.Fatalf("idle worker %+v", w)
		}
	}
}

// One worker starts with all the work; idle peers must steal some of it.
func TestSchedulerUnbalancedLoadIsStolen(t *testing.T) {
	t.Parallel()

	tasks := make([]Task, 100)
	ids := make([]string, len(tasks))
	for i := range tasks {
		ids[i] = fmt.Sprintf("p-%d", i)
		tasks[i] = NewTask(ids[i], func(context.Context) (any, error) {
			time.Sleep(2 * time.Millisecond)
			return nil, nil
		})
	}
	s := newTestScheduler(t, testConfig(4), WithPreload(0, tasks...))

	if _, err := s.WaitForBatch(waitCtx(t), ids); err != nil {
		t.Fatalf("WaitForBatch() = %v", err)
	}

	st := s.Status()
	if st.TotalTasksExecuted != 100 {
		t.Fatalf("TotalTasksExecuted = %d, want 100", st.TotalTasksExecuted)
	}
	helped := 0
	var stolen uint64
	for _, w := range st.Workers {
		if w.WorkerID != 0 && w.TasksExecuted > 0 {
			helped++
		}
		stolen += w.StealsPerformed
	}
	if helped == 0 {
		t.Fatalf("no peer executed any of worker 0's tasks: %+v", st.Workers)
	}
	if st.Workers[0].StealsReceived != stolen {
		t.Fatalf("worker 0 StealsReceived = %d, peers performed %d", st.Workers[0].StealsReceived, stolen)
	}
}

func TestSchedulerFailureKinds(t *testing.T) {
	t.Parallel()

	cfg := testConfig(2)
	cfg.TaskTimeout = 30 * time.Millisecond
	s := newTestScheduler(t, cfg)

	boom := errors.New("boom")
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	cases := []struct {
		name  string
		task  Task
		check func(error) bool
	}{
		{
			name: "error",
			task: NewTask("err", func(context.Context) (any, error) { return nil, boom }),
			check: func(err error) bool {
				var te *TaskExecutionError
				return errors.Is(err, ErrTaskExecutionFailed) && errors.Is(err, boom) && errors.As(err, &te) && te.TaskID == "err"
			},
		},
		{
			name: "panic",
			task: NewTask("panic", func(context.Context) (any, error) { panic("kaboom") }),
			check: func(err error) bool {
				var pe *PanicError
				return errors.Is(err, ErrTaskExecutionFailed) && errors.As(err, &pe) && pe.Value == "kaboom"
			},
		},
		{
			name: "timeout",
			task: NewTask("slow", func(context.Context) (any, error) {
				<-release
				return nil, nil
			}),
			check: func(err error) bool {
				var te *TaskTimeoutError
				return IsTimeout(err) && errors.As(err, &te) && te.Timeout == 30*time.Millisecond
			},
		},
	}
	for _, tc := range cases {
		id, err := s.Submit(tc.task)
		if err != nil {
			t.Fatalf("%s: Submit() = %v", tc.name, err)
		}
		r, err := s.WaitForTask(waitCtx(t), id)
		if err != nil {
			t.Fatalf("%s: WaitForTask() = %v", tc.name, err)
		}
		if r.OK() || !tc.check(r.Err) {
			t.Fatalf("%s: result err = %v", tc.name, r.Err)
		}
		if st, _ := s.TaskState(id); st != TaskFailed {
			t.Fatalf("%s: TaskState = %s, want failed", tc.name, st)
		}
	}

	m := s.Metrics().Tasks
	if m.Failed != 3 || m.TimedOut != 1 {
		t.Fatalf("metrics = %+v, want 3 failed / 1 timed out", m)
	}
	if got := s.Status().TotalTasksExecuted; got != 3 {
		t.Fatalf("Status().TotalTasksExecuted = %d, want 3 (failures count as executed)", got)
	}

	// The scheduler keeps working after failures.
	id, _ := s.Submit(noop("after"))
	if r, err := s.WaitForTask(waitCtx(t), id); err != nil || !r.OK() {
		t.Fatalf("task after failures = %+v, %v", r, err)
	}
}

func TestSpawnRunsChildren(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testConfig(2))

	var children atomic.Int32
	childIDs := make([]string, 10)
	for i := range childIDs {
		childIDs[i] = fmt.Sprintf("child-%d", i)
	}
	parent := NewTask("parent", func(ctx context.Context) (any, error) {
		for _, id := range childIDs {
			err := Spawn(ctx, NewTask(id, func(context.Context) (any, error) {
				children.Add(1)
				return nil, nil
			}))
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if _, err := s.Submit(parent); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	rs, err := s.WaitForBatch(waitCtx(t), append([]string{"parent"}, childIDs...))
	if err != nil {
		t.Fatalf("WaitForBatch() = %v", err)
	}
	for _, r := range rs {
		if !r.OK() {
			t.Fatalf("result %s: %v", r.TaskID, r.Err)
		}
	}
	if children.Load() != 10 {
		t.Fatalf("children ran %d times, want 10", children.Load())
	}

	if err := Spawn(context.Background(), noop("orphan")); err == nil {
		t.Fatalf("Spawn outside a task succeeded")
	}
}

func TestWaitForTaskConcurrentWaitersAndLateWaiter(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testConfig(2))
	gate := make(chan struct{})
	id, err := s.Submit(NewTask("shared", func(context.Context) (any, error) {
		<-gate
		return 42, nil
	}))
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	const waiters = 3
	got := make(chan TaskResult, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.WaitForTask(waitCtx(t), id)
			if err != nil {
				t.Errorf("WaitForTask() = %v", err)
				return
			}
			got <- r
		}()
	}
	eventually(t, 5*time.Second, func() bool {
		st, _ := s.TaskState(id)
		return st == TaskRunning
	}, "task never reached running")
	close(gate)
	wg.Wait()
	close(got)
	for r := range got {
		if r.Value != 42 {
			t.Fatalf("waiter got %+v", r)
		}
	}

	// Result is retained for a waiter arriving after completion.
	r, err := s.WaitForTask(waitCtx(t), id)
	if err != nil || r.Value != 42 {
		t.Fatalf("late WaitForTask() = %+v, %v", r, err)
	}
	if st, ok := s.TaskState(id); !ok || st != TaskCompleted {
		t.Fatalf("TaskState = %s,%v, want completed", st, ok)
	}
}

func TestWaitForTaskHonoursContext(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testConfig(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.WaitForTask(ctx, "missing"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForTask() = %v, want deadline exceeded", err)
	}
}

func TestRunAllKeepsInputOrder(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testConfig(4))
	tasks := make([]Task, 20)
	for i := range tasks {
		i := i
		tasks[i] = NewTask(fmt.Sprintf("r-%d", i), func(context.Context) (any, error) {
			time.Sleep(time.Duration(20-i) * time.Millisecond / 4)
			return i, nil
		})
	}
	rs, err := s.RunAll(waitCtx(t), tasks)
	if err != nil {
		t.Fatalf("RunAll() = %v", err)
	}
	for i, r := range rs {
		if r.Value != i {
			t.Fatalf("RunAll()[%d] = %v, want %d", i, r.Value, i)
		}
	}
}

func TestShutdownDiscardsQueuedWork(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(1))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	started := make(chan struct{})
	gate := make(chan struct{})
	_, _ = s.Submit(NewTask("blocker", func(context.Context) (any, error) {
		close(started)
		<-gate
		return nil, nil
	}))
	<-started
	for i := 0; i < 5; i++ {
		_, _ = s.Submit(noop(fmt.Sprintf("queued-%d", i)))
	}

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(waitCtx(t)) }()

	eventually(t, 5*time.Second, func() bool { return !s.pool.workers[0].IsRunning() }, "worker not signalled to stop")
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}

	if r, err := s.WaitForTask(waitCtx(t), "blocker"); err != nil || !r.OK() {
		t.Fatalf("in-flight task = %+v, %v; want completed", r, err)
	}
	if st, _ := s.TaskState("queued-0"); st != TaskFailed {
		t.Fatalf("discarded TaskState = %s, want failed", st)
	}
	if got := s.Metrics().Tasks.TotalExecuted; got != 1 {
		t.Fatalf("TotalExecuted = %d, want 1", got)
	}
}

func TestAdaptiveLimiterCapsConcurrency(t *testing.T) {
	t.Parallel()

	cfg := testConfig(4)
	cfg.Adaptive = AdaptiveConfig{Enabled: true, Initial: 1, Interval: time.Hour}
	s := newTestScheduler(t, cfg)

	var cur, peak atomic.Int32
	tasks := make([]Task, 12)
	for i := range tasks {
		tasks[i] = NewTask(fmt.Sprintf("a-%d", i), func(context.Context) (any, error) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			cur.Add(-1)
			return nil, nil
		})
	}
	if _, err := s.RunAll(waitCtx(t), tasks); err != nil {
		t.Fatalf("RunAll() = %v", err)
	}
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
	if got := s.Metrics().ActiveLimit; got != 1 {
		t.Fatalf("ActiveLimit = %d, want 1", got)
	}
}

func TestResourceBoundTaskOverCapacityFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig(2)
	cfg.Resources = ResourceConfig{CPUCores: 2, MemoryMB: 512}
	s := newTestScheduler(t, cfg)

	ok := WithResources(NewTask("fits", func(context.Context) (any, error) { return nil, nil }), ResourceRequirements{CPUCores: 1, MemoryMB: 128})
	big := WithResources(NewTask("huge", func(context.Context) (any, error) { return nil, nil }), ResourceRequirements{MemoryMB: 4096})

	rs, err := s.RunAll(waitCtx(t), []Task{ok, big})
	if err != nil {
		t.Fatalf("RunAll() = %v", err)
	}
	if !rs[0].OK() {
		t.Fatalf("fits: %v", rs[0].Err)
	}
	if !errors.Is(rs[1].Err, ErrInsufficientResources) {
		t.Fatalf("huge: err = %v, want ErrInsufficientResources", rs[1].Err)
	}
}

type countingObserver struct{ n atomic.Int32 }

func (o *countingObserver) ObserveResult(TaskResult) { o.n.Add(1) }

func TestResultObserverSeesEveryResult(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	s := newTestScheduler(t, testConfig(2), WithResultObserver(obs))
	tasks := []Task{noop("o1"), noop("o2"), noop("o3")}
	if _, err := s.RunAll(waitCtx(t), tasks); err != nil {
		t.Fatalf("RunAll() = %v", err)
	}
	eventually(t, time.Second, func() bool { return obs.n.Load() == 3 }, "observer count")
}

func TestResultLookupDoesNotBlock(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testConfig(2))
	if _, ok := s.Result("missing"); ok {
		t.Fatalf("Result(missing) ok = true")
	}
	id, err := s.Submit(NewTask("lookup", func(context.Context) (any, error) { return 7, nil }))
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if _, err := s.WaitForTask(waitCtx(t), id); err != nil {
		t.Fatalf("WaitForTask() = %v", err)
	}
	r, ok := s.Result(id)
	if !ok || r.Value.(int) != 7 {
		t.Fatalf("Result(%s) = %+v, %v", id, r, ok)
	}
}

// peakTracker records the highest number of bodies running at once.
type peakTracker struct{ cur, peak atomic.Int32 }

func (p *peakTracker) enter() {
	n := p.cur.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			return
		}
	}
}

func (p *peakTracker) leave() { p.cur.Add(-1) }

func TestTimedOutBodyKeepsItsClaims(t *testing.T) {
	t.Parallel()

	sleepy := func(id string, d time.Duration, pt *peakTracker) *TaskFunc {
		return NewTask(id, func(context.Context) (any, error) {
			pt.enter()
			time.Sleep(d)
			pt.leave()
			return nil, nil
		})
	}

	t.Run("active limit", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(4)
		cfg.TaskTimeout = 20 * time.Millisecond
		cfg.Adaptive = AdaptiveConfig{Enabled: true, Initial: 1, Interval: time.Hour}
		s := newTestScheduler(t, cfg)

		pt := &peakTracker{}
		tasks := []Task{sleepy("long", 200*time.Millisecond, pt)}
		for i := 0; i < 4; i++ {
			tasks = append(tasks, sleepy(fmt.Sprintf("short-%d", i), 15*time.Millisecond, pt))
		}
		if _, err := s.RunAll(waitCtx(t), tasks); err != nil {
			t.Fatalf("RunAll() = %v", err)
		}
		eventually(t, 2*time.Second, func() bool { return pt.cur.Load() == 0 }, "detached body finishes")
		if got := pt.peak.Load(); got != 1 {
			t.Fatalf("peak running bodies = %d, want 1", got)
		}
	})

	t.Run("resources", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(2)
		cfg.TaskTimeout = 20 * time.Millisecond
		cfg.Resources = ResourceConfig{MemoryMB: 100}
		s := newTestScheduler(t, cfg)

		pt := &peakTracker{}
		req := ResourceRequirements{MemoryMB: 100}
		tasks := []Task{
			WithResources(sleepy("mem-1", 100*time.Millisecond, pt), req),
			WithResources(sleepy("mem-2", 100*time.Millisecond, pt), req),
		}
		if _, err := s.RunAll(waitCtx(t), tasks); err != nil {
			t.Fatalf("RunAll() = %v", err)
		}
		eventually(t, 2*time.Second, func() bool { return pt.cur.Load() == 0 }, "detached bodies finish")
		if got := pt.peak.Load(); got != 1 {
			t.Fatalf("peak bodies holding memory = %d, want 1", got)
		}
	})
}

func TestResubmittedIDKeepsRetention(t *testing.T) {
	t.Parallel()

	cfg := testConfig(2)
	cfg.ResultRetention = 2
	s := newTestScheduler(t, cfg)

	for _, id := range []string{"a", "a", "b"} {
		if _, err := s.RunAll(waitCtx(t), []Task{noop(id)}); err != nil {
			t.Fatalf("RunAll(%s) = %v", id, err)
		}
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := s.Result(id); !ok {
			t.Fatalf("Result(%s) evicted with only two distinct ids retained", id)
		}
		if st, ok := s.TaskState(id); !ok || st != TaskCompleted {
			t.Fatalf("TaskState(%s) = %q, %v; want completed", id, st, ok)
		}
	}
}

func TestSpawnAfterStopIsRefused(t *testing.T) {
	t.Parallel()

	cfg := testConfig(1)
	cfg.TaskTimeout = 10 * time.Millisecond
	s := newTestScheduler(t, cfg)

	proceed := make(chan struct{})
	spawnErr := make(chan error, 1)
	id, err := s.Submit(NewTask("parent", func(ctx context.Context) (any, error) {
		<-proceed
		spawnErr <- Spawn(ctx, noop("late-child"))
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	r, err := s.WaitForTask(waitCtx(t), id)
	if err != nil || !IsTimeout(r.Err) {
		t.Fatalf("WaitForTask() = %+v, %v; want timeout", r, err)
	}
	if err := s.Shutdown(waitCtx(t)); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	close(proceed)

	select {
	case err := <-spawnErr:
		if !errors.Is(err, ErrSchedulerShutdown) {
			t.Fatalf("Spawn() after stop = %v, want ErrSchedulerShutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("parent body never spawned")
	}
	if st, ok := s.TaskState("late-child"); ok {
		t.Fatalf("TaskState(late-child) = %s, want unknown", st)
	}
}
