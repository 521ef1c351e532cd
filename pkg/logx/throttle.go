package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttled wraps a Logger with a token bucket so hot paths (per-task failures,
// overflow warnings) cannot flood the sinks. Suppressed lines are counted and
// reported as "suppressed" on the next line that gets through.
type Throttled struct {
	log        Logger
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottled allows one line per interval with the given burst.
// A non-positive interval disables throttling.
func NewThrottled(log Logger, every time.Duration, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, burst)
	if every > 0 {
		lim = rate.NewLimiter(rate.Every(every), burst)
	}
	return &Throttled{log: log, lim: lim}
}

func (t *Throttled) Warn(msg string, fields ...Field)  { t.emit(LevelWarn, msg, fields...) }
func (t *Throttled) Error(msg string, fields ...Field) { t.emit(LevelError, msg, fields...) }

// Suppressed returns the number of lines dropped since the last emitted one.
func (t *Throttled) Suppressed() uint64 { return t.suppressed.Load() }

func (t *Throttled) emit(level Level, msg string, fields ...Field) {
	if t == nil {
		return
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	if level >= LevelError {
		t.log.Error(msg, fields...)
		return
	}
	t.log.Warn(msg, fields...)
}
