package config

import (
	"reflect"
	"strings"

	logx "wsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging and (3) the subset of changed sections
// that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", BoolOr(newCfg.Logging.Console, true)),
			logx.Bool("logx.json", newCfg.Logging.JSON),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// The worker set is fixed for the scheduler's lifetime.
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		restart = append(restart, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.num_workers", newCfg.Scheduler.NumWorkers),
			logx.Int("scheduler.max_queue_size", IntOr(newCfg.Scheduler.MaxQueueSize, 0)),
			logx.String("scheduler.steal_order", strings.TrimSpace(newCfg.Scheduler.StealOrder)),
			logx.Bool("scheduler.adaptive", newCfg.Scheduler.Adaptive.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)))
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		restart = append(restart, "metrics")
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Workload, newCfg.Workload) {
		changed = append(changed, "workload")
		attrs = append(attrs,
			logx.Bool("workload.enabled", newCfg.Workload.Enabled),
			logx.Int("workload.jobs", len(newCfg.Workload.Jobs)),
			logx.Float64("workload.rate_per_sec", newCfg.Workload.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		changed = append(changed, "systemd")
	}

	return changed, attrs, restart
}
