package prom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"wsched/internal/task/engine"
)

func TestExporterObserveResult(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	e, err := NewExporter("wsched", reg, Options{})
	if err != nil {
		t.Fatalf("NewExporter() = %v", err)
	}

	e.ObserveResult(engine.TaskResult{TaskID: "a", WorkerID: 1, ExecutionTime: 3 * time.Millisecond})
	e.ObserveResult(engine.TaskResult{TaskID: "b", WorkerID: 1, Err: errors.New("boom")})
	e.ObserveResult(engine.TaskResult{TaskID: "c", WorkerID: 0, Err: &engine.TaskTimeoutError{TaskID: "c", Timeout: time.Millisecond}})

	for outcome, want := range map[string]float64{"succeeded": 1, "failed": 1, "timed_out": 1} {
		if got := testutil.ToFloat64(e.tasksTotal.WithLabelValues(outcome)); got != want {
			t.Fatalf("tasks_total{%s} = %v, want %v", outcome, got, want)
		}
	}
	if n := testutil.CollectAndCount(e.taskDurationSeconds); n != 2 {
		t.Fatalf("duration series = %d, want 2 (one per worker)", n)
	}
}

func TestExporterObserveMetrics(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	e, err := NewExporter("", reg, Options{})
	if err != nil {
		t.Fatalf("NewExporter() = %v", err)
	}
	e.ObserveMetrics(engine.SchedulerMetrics{
		Workers: []engine.WorkerStats{
			{WorkerID: 0, QueueDepth: 4, TasksExecuted: 10, StealsPerformed: 2, Busy: true},
			{WorkerID: 1, QueueDepth: 0, TasksExecuted: 7, StealsReceived: 2, GlobalTaken: 5},
		},
		ActiveLimit:  2,
		QueuedGlobal: 9,
	})

	if got := testutil.ToFloat64(e.queueDepth.WithLabelValues("0")); got != 4 {
		t.Fatalf("queue depth = %v, want 4", got)
	}
	if got := testutil.ToFloat64(e.steals.WithLabelValues("1", "global")); got != 5 {
		t.Fatalf("steals{global} = %v, want 5", got)
	}
	if got := testutil.ToFloat64(e.activeTasks); got != 1 {
		t.Fatalf("active tasks = %v, want 1", got)
	}

	want := `
# HELP wsched_active_limit Current adaptive concurrency limit.
# TYPE wsched_active_limit gauge
wsched_active_limit 2
# HELP wsched_global_queue_depth Tasks waiting in the global injector.
# TYPE wsched_global_queue_depth gauge
wsched_global_queue_depth 9
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "wsched_active_limit", "wsched_global_queue_depth"); err != nil {
		t.Fatalf("GatherAndCompare() = %v", err)
	}
}

func TestExporterAlreadyRegisteredReuse(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	first, err := NewExporter("wsched", reg, Options{})
	if err != nil {
		t.Fatalf("first NewExporter() = %v", err)
	}
	second, err := NewExporter("wsched", reg, Options{})
	if err != nil {
		t.Fatalf("second NewExporter() = %v", err)
	}

	first.ObserveResult(engine.TaskResult{})
	second.ObserveResult(engine.TaskResult{})
	if got := testutil.ToFloat64(first.tasksTotal.WithLabelValues("succeeded")); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestExporterWiredIntoScheduler(t *testing.T) {
	t.Parallel()

	reg := prom.NewRegistry()
	e, err := NewExporter("wsched", reg, Options{})
	if err != nil {
		t.Fatalf("NewExporter() = %v", err)
	}
	cfg := engine.DefaultConfig()
	cfg.NumWorkers = 2
	cfg.MetricsInterval = 10 * time.Millisecond
	s, err := engine.New(cfg, engine.WithResultObserver(e), engine.WithMetricsObserver(e))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer s.Shutdown(context.Background())

	tasks := make([]engine.Task, 20)
	for i := range tasks {
		tasks[i] = engine.NewTask(fmt.Sprintf("t%d", i), func(context.Context) (any, error) { return nil, nil })
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.RunAll(ctx, tasks); err != nil {
		t.Fatalf("RunAll() = %v", err)
	}

	// Observers run after waiters are released.
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(e.tasksTotal.WithLabelValues("succeeded")) != 20 {
		if time.Now().After(deadline) {
			t.Fatalf("tasks_total{succeeded} = %v, want 20", testutil.ToFloat64(e.tasksTotal.WithLabelValues("succeeded")))
		}
		time.Sleep(5 * time.Millisecond)
	}
	for testutil.CollectAndCount(e.queueDepth) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no metrics sample observed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNilExporter(t *testing.T) {
	t.Parallel()

	var e *Exporter
	e.ObserveResult(engine.TaskResult{})
	e.ObserveMetrics(engine.SchedulerMetrics{})
}
