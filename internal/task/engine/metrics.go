package engine

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	logx "wsched/pkg/logx"
)

// MetricsCollector keeps scheduler-wide task counters. Per-worker numbers
// stay on the workers and are joined in at snapshot time.
type MetricsCollector struct {
	executed  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	execNanos atomic.Int64

	last atomic.Pointer[SchedulerMetrics]
}

func NewMetricsCollector() *MetricsCollector { return &MetricsCollector{} }

// Record folds one result into the totals.
func (m *MetricsCollector) Record(r TaskResult) {
	m.executed.Add(1)
	m.execNanos.Add(int64(r.ExecutionTime))
	switch {
	case r.Err == nil:
		m.succeeded.Add(1)
	case errors.Is(r.Err, ErrTaskTimeout):
		m.timedOut.Add(1)
		m.failed.Add(1)
	default:
		m.failed.Add(1)
	}
}

func (m *MetricsCollector) Totals() TaskMetrics {
	n := m.executed.Load()
	tm := TaskMetrics{
		TotalExecuted: n,
		Succeeded:     m.succeeded.Load(),
		Failed:        m.failed.Load(),
		TimedOut:      m.timedOut.Load(),
	}
	if n > 0 {
		tm.AverageExecution = time.Duration(m.execNanos.Load() / int64(n))
	}
	return tm
}

// Snapshot builds a fresh SchedulerMetrics from the pool and the runtime.
func (m *MetricsCollector) Snapshot(p *WorkerPool, lim *limiter) SchedulerMetrics {
	return SchedulerMetrics{
		Workers:      p.Status(),
		Tasks:        m.Totals(),
		Runtime:      readRuntime(),
		QueuedGlobal: p.injector.Len(),
		ActiveLimit:  activeLimit(lim, p.Size()),
		SampledAt:    time.Now(),
	}
}

// Last returns the most recent periodic sample, if any.
func (m *MetricsCollector) Last() (SchedulerMetrics, bool) {
	s := m.last.Load()
	if s == nil {
		return SchedulerMetrics{}, false
	}
	return *s, true
}

// sample runs on a ticker until ctx ends, caching each snapshot and handing
// it to observe.
func (m *MetricsCollector) sample(ctx context.Context, every time.Duration, p *WorkerPool, lim *limiter, log logx.Logger, observe func(SchedulerMetrics)) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		snap := m.Snapshot(p, lim)
		m.last.Store(&snap)
		log.Debug("scheduler.metrics",
			logx.Uint64("executed", snap.Tasks.TotalExecuted),
			logx.Uint64("failed", snap.Tasks.Failed),
			logx.Int("queued_global", snap.QueuedGlobal),
			logx.Int("goroutines", snap.Runtime.Goroutines),
			logx.Uint64("heap_inuse", snap.Runtime.HeapInuse),
		)
		if observe != nil {
			observe(snap)
		}
	}
}

func readRuntime() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		Goroutines:   runtime.NumGoroutine(),
		HeapInuse:    ms.HeapInuse,
		HeapAlloc:    ms.HeapAlloc,
		NumGC:        ms.NumGC,
		GCPauseTotal: time.Duration(ms.PauseTotalNs),
	}
}

func activeLimit(lim *limiter, workers int) int {
	if lim == nil {
		return workers
	}
	return lim.Limit()
}
