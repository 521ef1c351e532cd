package workload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"wsched/internal/config"
	"wsched/internal/task/engine"
	logx "wsched/pkg/logx"
)

const submitWarnEvery = 5 * time.Second

type jobCounters struct {
	triggers  atomic.Uint64
	submitted atomic.Uint64
	rejected  atomic.Uint64
	lastRun   atomic.Int64 // unix nano
	spread    atomic.Int64
}

// Driver registers jobs with cron and submits their batches.
// Apply may be called at any time; it re-registers every job.
type Driver struct {
	sub  Submitter
	log  logx.Logger
	warn *logx.Throttled
	lim  *rate.Limiter

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	stats  map[string]*jobCounters
}

func New(cfg Config, sub Submitter, log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Driver{
		sub:   sub,
		log:   log,
		warn:  logx.NewThrottled(log, submitWarnEvery, 1),
		lim:   rate.NewLimiter(rate.Inf, 1),
		stats: map[string]*jobCounters{},
	}
	d.cfg = cfg
	d.applyRate(cfg)
	return d
}

func (d *Driver) applyRate(cfg Config) {
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	d.lim.SetLimit(limit)
	d.lim.SetBurst(max(cfg.Burst, 1))
}

// Start registers the jobs and starts triggering. It is a no-op when
// already started.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	return d.rebuildLocked()
}

// Apply swaps in a new job set.
func (d *Driver) Apply(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.applyRate(cfg)
	if d.ctx == nil {
		return nil
	}
	return d.rebuildLocked()
}

// rebuildLocked replaces the cron instance. Batches already running finish
// against the job definition they started with.
func (d *Driver) rebuildLocked() error {
	if d.c != nil {
		d.c.Stop()
		d.c = nil
	}
	cfg := d.cfg
	if !cfg.Enabled {
		d.stats = map[string]*jobCounters{}
		d.log.Info("workload disabled")
		return nil
	}

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return fmt.Errorf("workload timezone: %w", err)
		}
		loc = l
	}

	cl := cronLogger{log: d.log.With(logx.String("comp", "cron"))}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	keep := make(map[string]*jobCounters, len(cfg.Jobs))
	for _, job := range cfg.Jobs {
		jc := d.stats[job.Name]
		if jc == nil {
			jc = &jobCounters{}
		}
		keep[job.Name] = jc

		sched, spread, err := schedule(job, time.Now().In(loc))
		if err != nil {
			return fmt.Errorf("workload job %q: %w", job.Name, err)
		}
		jc.spread.Store(int64(spread))
		job := job
		ctx := d.ctx
		c.Schedule(sched, cron.FuncJob(func() {
			if err := d.fire(ctx, job, jc); err != nil {
				if ctx.Err() != nil || errors.Is(err, engine.ErrSchedulerShutdown) {
					d.log.Debug("workload batch cut short", logx.String("job", job.Name), logx.Err(err))
					return
				}
				d.warn.Warn("workload batch cut short", logx.String("job", job.Name), logx.Err(err))
			}
		}))
	}
	d.stats = keep
	d.c = c
	c.Start()
	d.log.Info("workload started", logx.Int("jobs", len(cfg.Jobs)), logx.String("tz", loc.String()), logx.Float64("rate_per_sec", cfg.RatePerSec))
	return nil
}

func schedule(job Job, now time.Time) (cron.Schedule, time.Duration, error) {
	expr := strings.TrimSpace(job.Schedule)
	if rest, ok := strings.CutPrefix(expr, "@every"); ok {
		if every, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && every > 0 {
			s, spread := intervalWithSpread(every, now, job.Name)
			return s, spread, nil
		}
	}
	s, err := config.CronParser.Parse(expr)
	return s, 0, err
}

// Trigger runs one batch of the named job now and waits for it to be
// submitted. A batch that could not be fully submitted returns an error.
func (d *Driver) Trigger(ctx context.Context, name string) error {
	d.mu.Lock()
	var (
		job   Job
		found bool
	)
	for _, j := range d.cfg.Jobs {
		if j.Name == name {
			job, found = j, true
			break
		}
	}
	jc := d.stats[name]
	if jc == nil {
		jc = &jobCounters{}
		d.stats[name] = jc
	}
	d.mu.Unlock()
	if !found {
		return fmt.Errorf("workload: unknown job %q", name)
	}
	return d.fire(ctx, job, jc)
}

// fire submits one batch of job. It returns an error when the batch was cut
// short by ctx, the rate limiter or scheduler shutdown.
func (d *Driver) fire(ctx context.Context, job Job, jc *jobCounters) error {
	jc.triggers.Add(1)
	jc.lastRun.Store(time.Now().UnixNano())
	for i := 0; i < job.Batch; i++ {
		if err := d.lim.Wait(ctx); err != nil {
			// Wait refuses early when the next token lands past the deadline.
			if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
				err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			return fmt.Errorf("workload job %q: submitted %d of %d: %w", job.Name, i, job.Batch, err)
		}
		_, err := d.sub.Submit(BuildTask(job, NewTaskID(job.Name)))
		if err != nil {
			jc.rejected.Add(1)
			if errors.Is(err, engine.ErrSchedulerShutdown) {
				return fmt.Errorf("workload job %q: submitted %d of %d: %w", job.Name, i, job.Batch, err)
			}
			d.warn.Warn("workload submit failed", logx.String("job", job.Name), logx.Err(err))
			continue
		}
		jc.submitted.Add(1)
	}
	return nil
}

// Stats returns per-job counters keyed by job name.
func (d *Driver) Stats() map[string]JobStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]JobStats, len(d.stats))
	for name, jc := range d.stats {
		st := JobStats{
			Triggers:      jc.triggers.Load(),
			Submitted:     jc.submitted.Load(),
			Rejected:      jc.rejected.Load(),
			StartupSpread: time.Duration(jc.spread.Load()),
		}
		if ns := jc.lastRun.Load(); ns > 0 {
			st.LastRun = time.Unix(0, ns)
		}
		out[name] = st
	}
	return out
}

// Stop stops triggering and cancels batches waiting on the rate limiter.
func (d *Driver) Stop(ctx context.Context) {
	d.mu.Lock()
	c, cancel := d.c, d.cancel
	d.c, d.cancel, d.ctx = nil, nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	d.log.Info("workload stopped")
}
