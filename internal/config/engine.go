package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"wsched/internal/task/engine"
	logx "wsched/pkg/logx"
)

// EngineConfig converts the scheduler section into an engine.Config.
// It does not validate; call engine.Config.Validate on the result.
func (c SchedulerConfig) EngineConfig() (engine.Config, error) {
	metricsInterval, err := ParseDurationField("scheduler.metrics_interval", c.MetricsInterval)
	if err != nil {
		return engine.Config{}, err
	}
	taskTimeout, err := ParseDurationField("scheduler.task_timeout", c.TaskTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	idle, err := ParseDurationField("scheduler.idle_backoff", c.IdleBackoff)
	if err != nil {
		return engine.Config{}, err
	}
	adaptiveEvery, err := ParseDurationField("scheduler.adaptive.interval", c.Adaptive.Interval)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		NumWorkers:          c.NumWorkers,
		MaxQueueSize:        IntOr(c.MaxQueueSize, engine.DefaultMaxQueueSize),
		MaxStealAttempts:    IntOr(c.MaxStealAttempts, engine.DefaultMaxStealAttempts),
		EnableCPUMonitoring: BoolOr(c.EnableCPUMonitoring, true),
		MetricsInterval:     metricsInterval,
		TaskTimeout:         taskTimeout,
		IdleBackoff:         idle,
		StealOrder:          engine.StealOrder(strings.TrimSpace(c.StealOrder)),
		ResultBuffer:        c.ResultBuffer,
		ResultRetention:     c.ResultRetention,
		Adaptive: engine.AdaptiveConfig{
			Enabled:  c.Adaptive.Enabled,
			Initial:  c.Adaptive.Initial,
			Min:      c.Adaptive.Min,
			Interval: adaptiveEvery,
		},
		Resources: engine.ResourceConfig{
			CPUCores:  c.Resources.CPUCores,
			MemoryMB:  c.Resources.MemoryMB,
			NetworkMB: c.Resources.NetworkMB,
		},
	}, nil
}

// LogxConfig converts the logging section.
func (c LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: BoolOr(c.Console, true),
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// CronParser accepts 5-field, 6-field (with seconds) and descriptor schedules.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var jobKinds = map[string]bool{"sleep": true, "spin": true, "fail": true, "fanout": true}

// Validate checks everything that can be checked without side effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	ec, err := cfg.Scheduler.EngineConfig()
	if err != nil {
		return err
	}
	if err := ec.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := ParseDurationField("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required when http is enabled")
	}

	return validateWorkload(cfg.Workload)
}

func validateWorkload(w WorkloadConfig) error {
	if w.RatePerSec < 0 {
		return fmt.Errorf("workload.rate_per_sec must be >= 0")
	}
	if tz := strings.TrimSpace(w.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("workload.timezone: %w", err)
		}
	}
	names := make(map[string]bool, len(w.Jobs))
	for i, j := range w.Jobs {
		path := fmt.Sprintf("workload.jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", path)
		}
		if names[name] {
			return fmt.Errorf("%s.name %q is duplicated", path, name)
		}
		names[name] = true
		if _, err := CronParser.Parse(j.Schedule); err != nil {
			return fmt.Errorf("%s.schedule: %w", path, err)
		}
		if !jobKinds[strings.ToLower(j.Kind)] {
			return fmt.Errorf("%s.kind: unknown %q", path, j.Kind)
		}
		if j.Batch < 0 || j.Fanout < 0 {
			return fmt.Errorf("%s: batch and fanout must be >= 0", path)
		}
		if j.FailRatio < 0 || j.FailRatio > 1 {
			return fmt.Errorf("%s.fail_ratio must be within [0,1]", path)
		}
		if _, err := ParseDurationField(path+".duration", j.Duration); err != nil {
			return err
		}
	}
	return nil
}
