package engine

import (
	"runtime"
	"strings"
	"time"
)

// StealOrder selects how a worker walks its peers when looking for work.
type StealOrder string

const (
	// StealFixed scans peers in construction order every time.
	StealFixed StealOrder = "fixed"
	// StealRandom starts each scan at a random peer.
	StealRandom StealOrder = "random"
)

const (
	DefaultMaxQueueSize     = 1024
	DefaultMaxStealAttempts = 3
	DefaultMetricsInterval  = 5 * time.Second
	DefaultIdleBackoff      = 100 * time.Microsecond
	DefaultResultRetention  = 10000
	fallbackWorkers         = 4
)

// Config controls the scheduler. It is validated once by New and never
// changes afterwards.
type Config struct {
	// NumWorkers is the pool size. 0 resolves to runtime.NumCPU().
	NumWorkers int
	// MaxQueueSize caps each worker's local queue. The global injector is unbounded.
	MaxQueueSize int
	// MaxStealAttempts bounds retries against one victim when a steal loses a race.
	MaxStealAttempts int

	EnableCPUMonitoring bool
	MetricsInterval     time.Duration

	// TaskTimeout races each task body against a timer. 0 disables.
	TaskTimeout time.Duration
	// IdleBackoff is how long a worker sleeps after finding no work anywhere.
	IdleBackoff time.Duration
	StealOrder  StealOrder

	// ResultBuffer sizes the channel between workers and the result processor.
	// 0 uses 4 slots per worker.
	ResultBuffer int
	// ResultRetention bounds completed results kept for late WaitForTask callers.
	ResultRetention int

	Adaptive  AdaptiveConfig
	Resources ResourceConfig
}

// AdaptiveConfig enables the pressure-driven active-worker limit.
type AdaptiveConfig struct {
	Enabled bool
	// Initial is the starting limit. 0 picks a conservative value.
	Initial int
	// Min is the floor the controller never goes below. 0 means 1.
	Min      int
	Interval time.Duration
}

// DefaultConfig returns the values used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        DefaultMaxQueueSize,
		MaxStealAttempts:    DefaultMaxStealAttempts,
		EnableCPUMonitoring: true,
		MetricsInterval:     DefaultMetricsInterval,
		IdleBackoff:         DefaultIdleBackoff,
		StealOrder:          StealFixed,
		ResultRetention:     DefaultResultRetention,
	}
}

// Validate checks cfg without applying defaults. Zero values that New would
// fill in are accepted.
func (cfg Config) Validate() error {
	if cfg.NumWorkers < 0 {
		return &ConfigError{Field: "num_workers", Reason: "must be >= 0"}
	}
	if cfg.MaxQueueSize <= 0 {
		return &ConfigError{Field: "max_queue_size", Reason: "must be > 0"}
	}
	if cfg.MaxStealAttempts <= 0 {
		return &ConfigError{Field: "max_steal_attempts", Reason: "must be > 0"}
	}
	if cfg.EnableCPUMonitoring && cfg.MetricsInterval <= 0 {
		return &ConfigError{Field: "metrics_interval", Reason: "must be > 0 when monitoring is enabled"}
	}
	if cfg.TaskTimeout < 0 {
		return &ConfigError{Field: "task_timeout", Reason: "must be >= 0"}
	}
	if cfg.IdleBackoff < 0 {
		return &ConfigError{Field: "idle_backoff", Reason: "must be >= 0"}
	}
	switch StealOrder(strings.ToLower(string(cfg.StealOrder))) {
	case "", StealFixed, StealRandom:
	default:
		return &ConfigError{Field: "steal_order", Reason: "must be fixed or random"}
	}
	if cfg.ResultBuffer < 0 {
		return &ConfigError{Field: "result_buffer", Reason: "must be >= 0"}
	}
	if cfg.ResultRetention < 0 {
		return &ConfigError{Field: "result_retention", Reason: "must be >= 0"}
	}
	if cfg.Adaptive.Initial < 0 || cfg.Adaptive.Min < 0 || cfg.Adaptive.Interval < 0 {
		return &ConfigError{Field: "adaptive", Reason: "values must be >= 0"}
	}
	if err := cfg.Resources.validate(); err != nil {
		return err
	}
	return nil
}

// withDefaults fills zero-valued optional fields. Required fields are left
// alone so Validate can reject them.
func (cfg Config) withDefaults() Config {
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = resolveWorkers()
	}
	if cfg.IdleBackoff == 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	cfg.StealOrder = StealOrder(strings.ToLower(string(cfg.StealOrder)))
	if cfg.StealOrder == "" {
		cfg.StealOrder = StealFixed
	}
	if cfg.ResultBuffer == 0 {
		cfg.ResultBuffer = 4 * cfg.NumWorkers
	}
	if cfg.ResultRetention == 0 {
		cfg.ResultRetention = DefaultResultRetention
	}
	if cfg.Adaptive.Interval <= 0 {
		cfg.Adaptive.Interval = 2 * time.Second
	}
	if cfg.Adaptive.Min <= 0 {
		cfg.Adaptive.Min = 1
	}
	if cfg.Adaptive.Min > cfg.NumWorkers {
		cfg.Adaptive.Min = cfg.NumWorkers
	}
	return cfg
}

func resolveWorkers() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return fallbackWorkers
}
