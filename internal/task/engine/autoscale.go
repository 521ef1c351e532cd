package engine

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "wsched/pkg/logx"
)

// limiter is the soft cap on how many workers may execute task bodies at once.
// Tokens live in a channel sized to the worker count; the controller adds or
// drains tokens to move the limit.
type limiter struct {
	permits  chan struct{}
	max      int32
	min      int32
	limit    atomic.Int32
	inFlight atomic.Int32
	waiting  atomic.Int32
}

// initialPermitLimit returns a conservative starting limit that ramps up under backlog.
func initialPermitLimit(maxWorkers int) int32 {
	switch {
	case maxWorkers <= 2:
		return 1
	default:
		return 2
	}
}

func newLimiter(cfg AdaptiveConfig, workers int) *limiter {
	l := &limiter{
		permits: make(chan struct{}, workers),
		max:     int32(workers),
		min:     int32(cfg.Min),
	}
	if l.min < 1 {
		l.min = 1
	}
	initial := int32(cfg.Initial)
	if initial <= 0 {
		initial = initialPermitLimit(workers)
	}
	if initial < l.min {
		initial = l.min
	}
	if initial > l.max {
		initial = l.max
	}
	l.limit.Store(initial)
	for i := int32(0); i < initial; i++ {
		l.permits <- struct{}{}
	}
	return l
}

// acquire blocks for a token. It returns false only when ctx ends.
func (l *limiter) acquire(ctx context.Context) bool {
	if l == nil {
		return true
	}
	l.waiting.Add(1)
	defer l.waiting.Add(-1)
	select {
	case <-ctx.Done():
		return false
	case <-l.permits:
		l.inFlight.Add(1)
		return true
	}
}

func (l *limiter) release() {
	if l == nil {
		return
	}
	in := l.inFlight.Add(-1)
	// Only return a token if it would not exceed the limit.
	if int32(len(l.permits))+in >= l.limit.Load() {
		return
	}
	select {
	case l.permits <- struct{}{}:
	default:
	}
}

func (l *limiter) Limit() int {
	if l == nil {
		return 0
	}
	return int(l.limit.Load())
}

func (l *limiter) setLimit(n int32) {
	if n < l.min {
		n = l.min
	}
	if n > l.max {
		n = l.max
	}
	l.limit.Store(n)
	l.rebalance()
}

func (l *limiter) rebalance() {
	lim := l.limit.Load()
	in := l.inFlight.Load()
	avail := int32(len(l.permits))
	for avail+in > lim {
		select {
		case <-l.permits:
			avail--
		default:
			return
		}
	}
	for avail+in < lim {
		select {
		case l.permits <- struct{}{}:
			avail++
		default:
			return
		}
	}
}

// pressure reads runtime signals and returns how far to scale down (0 = none).
func pressure(ms *runtime.MemStats, pauseDelta uint64, gcDelta uint32, goroutines int) (int32, string) {
	// Memory limit (GOMEMLIMIT or debug.SetMemoryLimit); huge values mean unset.
	memLimit := debug.SetMemoryLimit(-1)
	if memLimit > 0 && memLimit < (1<<60) {
		h := int64(ms.HeapInuse)
		if h > (memLimit*85)/100 {
			return 2, "mem>85%"
		}
		if h > (memLimit*75)/100 {
			return 1, "mem>75%"
		}
	} else {
		if ms.HeapInuse > 1024<<20 {
			return 2, "heap>1GiB"
		}
		if ms.HeapInuse > 768<<20 {
			return 1, "heap>768MiB"
		}
	}
	if gcDelta > 0 && pauseDelta > uint64(250*time.Millisecond) {
		return 1, "gc_pause"
	}
	if goroutines > 3000 {
		return 2, "goroutines>3000"
	}
	if goroutines > 1500 {
		return 1, "goroutines>1500"
	}
	return 0, ""
}

// autoscale adjusts the limit on a ticker: down fast under runtime pressure,
// up slowly while work is backlogged, and down on sustained idleness.
func (l *limiter) autoscale(ctx context.Context, every time.Duration, backlog func() int, log logx.Logger) {
	const (
		upCooldown    = 6 * time.Second
		downCooldown  = 3 * time.Second
		idleCooldown  = 10 * time.Second
		idleDownAfter = 3 // ticks
	)

	t := time.NewTicker(every)
	defer t.Stop()

	var (
		lastChange time.Time
		idleTicks  int
		ms         runtime.MemStats
		lastPause  uint64
		lastGC     uint32
	)

	change := func(from, to int32, reason string, fields ...logx.Field) {
		l.setLimit(to)
		lastChange = time.Now()
		log.Debug("scheduler.active_limit", append([]logx.Field{logx.Int("from", int(from)), logx.Int("to", int(l.limit.Load())), logx.String("reason", reason)}, fields...)...)
	}
	cooled := func(d time.Duration) bool { return lastChange.IsZero() || time.Since(lastChange) >= d }

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		lim := l.limit.Load()
		in := l.inFlight.Load()
		waiting := l.waiting.Load()

		runtime.ReadMemStats(&ms)
		gos := runtime.NumGoroutine()
		pauseDelta := ms.PauseTotalNs - lastPause
		gcDelta := ms.NumGC - lastGC
		lastPause = ms.PauseTotalNs
		lastGC = ms.NumGC

		if downBy, reason := pressure(&ms, pauseDelta, gcDelta, gos); downBy > 0 {
			if lim-downBy >= l.min && cooled(downCooldown) {
				change(lim, lim-downBy, reason, logx.Uint64("heap_inuse", ms.HeapInuse), logx.Int("goroutines", gos))
			}
			continue
		}

		queued := int32(backlog()) + waiting
		if queued == 0 && in == 0 {
			idleTicks++
		} else {
			idleTicks = 0
		}

		if idleTicks >= idleDownAfter && lim > l.min {
			if cooled(idleCooldown) {
				change(lim, lim-1, "idle")
				idleTicks = 0
			}
			continue
		}

		if queued > 0 && lim < l.max && cooled(upCooldown) {
			bump := int32(1)
			if queued > 4*lim {
				bump = 2
			}
			change(lim, lim+bump, "backlog", logx.Int("backlog", int(queued)), logx.Int("inflight", int(in)))
		}
	}
}
