// Package bench drives a synthetic load through a scheduler and reports
// how the work spread across workers.
package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"wsched/internal/task/engine"
	"wsched/internal/workload"
	logx "wsched/pkg/logx"
)

type Options struct {
	Workers    int
	Tasks      int
	Kind       workload.Kind
	Duration   time.Duration
	Fanout     int
	FailRatio  float64
	StealOrder engine.StealOrder
	// Producers submitting concurrently. Ignored with Imbalance.
	Producers int
	// Imbalance preloads every task onto worker 0 so the rest of the pool
	// only gets work by stealing.
	Imbalance bool
}

func (o Options) withDefaults() Options {
	if o.Tasks <= 0 {
		o.Tasks = 1000
	}
	if o.Kind == "" {
		o.Kind = workload.KindSleep
	}
	if o.Producers <= 0 {
		o.Producers = 1
	}
	return o
}

type Report struct {
	Workers   int
	Tasks     int
	Executed  uint64
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	PerWorker []engine.WorkerStats
}

// Throughput is executed tasks per second.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Executed) / r.Elapsed.Seconds()
}

// Steals sums peer steals across workers.
func (r Report) Steals() uint64 {
	var n uint64
	for _, w := range r.PerWorker {
		n += w.StealsPerformed
	}
	return n
}

// Run builds a scheduler for opts, pushes the load through it and shuts it
// down. Fanout children are counted in Executed once they have run.
func Run(ctx context.Context, opts Options, log logx.Logger) (Report, error) {
	opts = opts.withDefaults()
	job := workload.Job{
		Name:      "bench",
		Kind:      opts.Kind,
		Duration:  opts.Duration,
		Fanout:    opts.Fanout,
		FailRatio: opts.FailRatio,
	}
	tasks := make([]engine.Task, opts.Tasks)
	ids := make([]string, opts.Tasks)
	for i := range tasks {
		ids[i] = fmt.Sprintf("bench-%d", i)
		tasks[i] = workload.BuildTask(job, ids[i])
	}

	cfg := engine.DefaultConfig()
	cfg.NumWorkers = opts.Workers
	cfg.EnableCPUMonitoring = false
	cfg.StealOrder = opts.StealOrder
	cfg.MaxQueueSize = max(cfg.MaxQueueSize, opts.Tasks)
	cfg.ResultRetention = max(cfg.ResultRetention, opts.Tasks)

	var engOpts []engine.Option
	engOpts = append(engOpts, engine.WithLogger(log), engine.WithContext(ctx))
	if opts.Imbalance {
		engOpts = append(engOpts, engine.WithPreload(0, tasks...))
	}

	start := time.Now()
	s, err := engine.New(cfg, engOpts...)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(shutCtx)
	}()

	if !opts.Imbalance {
		if err := produce(ctx, s, tasks, opts.Producers); err != nil {
			return Report{}, err
		}
	}

	rs, err := s.WaitForBatch(ctx, ids)
	if err != nil {
		return Report{}, fmt.Errorf("wait: %w", err)
	}
	want := uint64(opts.Tasks)
	if opts.Kind == workload.KindFanout {
		want += uint64(opts.Tasks * opts.Fanout)
	}
	if err := waitExecuted(ctx, s, want); err != nil {
		return Report{}, err
	}

	st := s.Status()
	rep := Report{
		Workers:   st.NumWorkers,
		Tasks:     opts.Tasks,
		Executed:  st.TotalTasksExecuted,
		Elapsed:   time.Since(start),
		PerWorker: st.Workers,
	}
	for _, r := range rs {
		if r.OK() {
			rep.Succeeded++
		} else {
			rep.Failed++
		}
	}
	log.Debug("bench finished",
		logx.Int("tasks", rep.Tasks),
		logx.Uint64("executed", rep.Executed),
		logx.Duration("elapsed", rep.Elapsed),
	)
	return rep, nil
}

// produce splits tasks across n concurrent submitters.
func produce(ctx context.Context, s *engine.Scheduler, tasks []engine.Task, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	per := (len(tasks) + n - 1) / n
	for lo := 0; lo < len(tasks); lo += per {
		part := tasks[lo:min(lo+per, len(tasks))]
		g.Go(func() error {
			for _, t := range part {
				if err := gctx.Err(); err != nil {
					return err
				}
				if _, err := s.Submit(t); err != nil {
					return fmt.Errorf("submit %s: %w", t.ID(), err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

var errIncomplete = errors.New("bench: not every task executed")

func waitExecuted(ctx context.Context, s *engine.Scheduler, want uint64) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for s.Status().TotalTasksExecuted < want {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", errIncomplete, ctx.Err())
		case <-tick.C:
		}
	}
	return nil
}
