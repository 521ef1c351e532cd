// Package prom exports scheduler results and metric samples to Prometheus.
package prom

import (
	"errors"
	"fmt"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"

	"wsched/internal/task/engine"
)

// Options controls collector configuration.
type Options struct {
	DurationBuckets []float64
}

// Exporter implements engine.ResultObserver and engine.MetricsObserver.
type Exporter struct {
	taskDurationSeconds *prom.HistogramVec
	tasksTotal          *prom.CounterVec
	queueDepth          *prom.GaugeVec
	tasksExecuted       *prom.GaugeVec
	steals              *prom.GaugeVec
	activeTasks         prom.Gauge
	activeLimit         prom.Gauge
	globalQueued        prom.Gauge
}

var (
	_ engine.ResultObserver  = (*Exporter)(nil)
	_ engine.MetricsObserver = (*Exporter)(nil)
)

// NewExporter creates and registers the collectors. Registering twice on the
// same registry reuses the existing collectors.
func NewExporter(namespace string, reg prom.Registerer, opts Options) (*Exporter, error) {
	if namespace == "" {
		namespace = "wsched"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.ExponentialBuckets(0.0001, 4, 10)
	}

	e := &Exporter{
		taskDurationSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   buckets,
		}, []string{"worker"}),
		tasksTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Completed tasks by outcome.",
		}, []string{"outcome"}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Tasks waiting in a worker's local queue.",
		}, []string{"worker"}),
		tasksExecuted: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_tasks_executed",
			Help:      "Tasks executed by a worker since start.",
		}, []string{"worker"}),
		steals: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_steals",
			Help:      "Steal counters per worker (performed, received, global).",
		}, []string{"worker", "kind"}),
		activeTasks: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Workers currently executing a task.",
		}),
		activeLimit: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_limit",
			Help:      "Current adaptive concurrency limit.",
		}),
		globalQueued: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "global_queue_depth",
			Help:      "Tasks waiting in the global injector.",
		}),
	}

	var err error
	if e.taskDurationSeconds, err = registerCollector(reg, e.taskDurationSeconds); err != nil {
		return nil, err
	}
	if e.tasksTotal, err = registerCollector(reg, e.tasksTotal); err != nil {
		return nil, err
	}
	if e.queueDepth, err = registerCollector(reg, e.queueDepth); err != nil {
		return nil, err
	}
	if e.tasksExecuted, err = registerCollector(reg, e.tasksExecuted); err != nil {
		return nil, err
	}
	if e.steals, err = registerCollector(reg, e.steals); err != nil {
		return nil, err
	}
	if e.activeTasks, err = registerCollector(reg, e.activeTasks); err != nil {
		return nil, err
	}
	if e.activeLimit, err = registerCollector(reg, e.activeLimit); err != nil {
		return nil, err
	}
	if e.globalQueued, err = registerCollector(reg, e.globalQueued); err != nil {
		return nil, err
	}
	return e, nil
}

// ObserveResult records one completed task.
func (e *Exporter) ObserveResult(r engine.TaskResult) {
	if e == nil {
		return
	}
	e.taskDurationSeconds.WithLabelValues(workerLabel(r.WorkerID)).Observe(r.ExecutionTime.Seconds())
	e.tasksTotal.WithLabelValues(outcome(r)).Inc()
}

// ObserveMetrics copies a sample into the gauges.
func (e *Exporter) ObserveMetrics(m engine.SchedulerMetrics) {
	if e == nil {
		return
	}
	busy := 0
	for _, w := range m.Workers {
		id := workerLabel(w.WorkerID)
		e.queueDepth.WithLabelValues(id).Set(float64(w.QueueDepth))
		e.tasksExecuted.WithLabelValues(id).Set(float64(w.TasksExecuted))
		e.steals.WithLabelValues(id, "performed").Set(float64(w.StealsPerformed))
		e.steals.WithLabelValues(id, "received").Set(float64(w.StealsReceived))
		e.steals.WithLabelValues(id, "global").Set(float64(w.GlobalTaken))
		if w.Busy {
			busy++
		}
	}
	e.activeTasks.Set(float64(busy))
	e.activeLimit.Set(float64(m.ActiveLimit))
	e.globalQueued.Set(float64(m.QueuedGlobal))
}

func outcome(r engine.TaskResult) string {
	switch {
	case r.OK():
		return "succeeded"
	case engine.IsTimeout(r.Err):
		return "timed_out"
	default:
		return "failed"
	}
}

func workerLabel(id int) string { return strconv.Itoa(id) }

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prom.AlreadyRegisteredError
	if errors.As(err, &already) {
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
