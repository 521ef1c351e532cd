package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	logx "wsched/pkg/logx"
)

// A run that lasts at least this long resets the backoff.
const stableRun = 30 * time.Second

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // 0 = unlimited
	stopOnCleanExit bool
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff bounds between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts and records the last error as
// a failure. The first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first error or panic in Err while
// still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (default)
// or counts as a failure to restart from.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

var errExited = errors.New("exited")

// GoRestart runs fn until it returns cleanly or the context ends, restarting
// after errors and panics with jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.minBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         cfg.maxBackoff,
	}
	retry := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		}),
	}
	if cfg.maxRestarts > 0 {
		retry = append(retry, backoff.WithMaxTries(uint(cfg.maxRestarts+1)))
	}

	// The loop itself is tracked as name+".restart" so the stats under name
	// count runs of fn only.
	s.Go0(name+".restart", func(ctx context.Context) {
		attempt := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			started, end := s.stats.begin(name, attempt > 0)
			attempt++

			err := call(ctx, name, fn)
			var pe *PanicError
			if errors.As(err, &pe) {
				s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", pe.Value), logx.Stack(pe.Stack))
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				end(nil, nil)
				return struct{}{}, backoff.Permanent(context.Canceled)
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					end(nil, nil)
					return struct{}{}, nil
				}
				err = errExited
			}

			err = fmt.Errorf("%s: %w", name, err)
			if pe != nil {
				end(err, pe.Value)
			} else {
				end(err, nil)
			}
			if cfg.publishFirstErr {
				s.record(err)
			}
			if time.Since(started) >= stableRun {
				bo.Reset()
			}
			return struct{}{}, err
		}, retry...)

		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", attempt-1), logx.Err(err))
		s.fail(err)
	})
}
