package config

// Config is the on-disk configuration (JSON or YAML).
//
// Zero-valued fields are filled from `default` tags after decoding. Pointer
// fields are used where an explicit zero/false must survive defaulting.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Metrics   MetricsConfig   `json:"metrics"`
	HTTP      HTTPConfig      `json:"http"`
	Workload  WorkloadConfig  `json:"workload"`
	Systemd   SystemdConfig   `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level" default:"info"`
	Console *bool       `json:"console,omitempty" default:"true"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty" default:"./wsched.log"`
}

// SchedulerConfig maps onto engine.Config.
//
// All durations are Go duration strings (e.g. "100us", "5s").
//
// Defaults (when fields are omitted):
//   - num_workers: 0 (one per CPU)
//   - max_queue_size: 1024
//   - max_steal_attempts: 3
//   - enable_cpu_monitoring: true
//   - metrics_interval: "5s"
//   - task_timeout: "0s" (disabled)
//   - idle_backoff: "100us"
//   - steal_order: "fixed"
//   - result_retention: 10000
//   - shutdown_timeout: "30s"
//
// max_queue_size and max_steal_attempts are pointers so an explicit 0 is
// rejected instead of silently defaulted.
type SchedulerConfig struct {
	NumWorkers          int    `json:"num_workers"`
	MaxQueueSize        *int   `json:"max_queue_size,omitempty" default:"1024"`
	MaxStealAttempts    *int   `json:"max_steal_attempts,omitempty" default:"3"`
	EnableCPUMonitoring *bool  `json:"enable_cpu_monitoring,omitempty" default:"true"`
	MetricsInterval     string `json:"metrics_interval,omitempty" default:"5s"`
	TaskTimeout         string `json:"task_timeout,omitempty"`
	IdleBackoff         string `json:"idle_backoff,omitempty" default:"100us"`
	StealOrder          string `json:"steal_order,omitempty" default:"fixed"`
	ResultBuffer        int    `json:"result_buffer,omitempty"`
	ResultRetention     int    `json:"result_retention,omitempty" default:"10000"`
	ShutdownTimeout     string `json:"shutdown_timeout,omitempty" default:"30s"`

	Adaptive  AdaptiveConfig  `json:"adaptive"`
	Resources ResourcesConfig `json:"resources"`
}

// AdaptiveConfig enables the pressure-driven active-worker limit.
type AdaptiveConfig struct {
	Enabled  bool   `json:"enabled"`
	Initial  int    `json:"initial,omitempty"`
	Min      int    `json:"min,omitempty"`
	Interval string `json:"interval,omitempty" default:"2s"`
}

// ResourcesConfig sizes the resource pool. 0 leaves a dimension unlimited.
type ResourcesConfig struct {
	CPUCores  int64 `json:"cpu_cores,omitempty"`
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	NetworkMB int64 `json:"network_mb,omitempty"`
}

// StorageConfig controls the completed-result history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wsched.db" }
//
// driver is one of "none" (default), "file" (JSON lines) or "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver" default:"none"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty" default:"5s"` // sqlite
	// Buffer is the event subscription size feeding the store.
	Buffer int `json:"buffer,omitempty" default:"1024"`
}

type MetricsConfig struct {
	Prometheus *bool  `json:"prometheus,omitempty" default:"true"`
	Namespace  string `json:"namespace,omitempty" default:"wsched"`
}

// HTTPConfig controls the status API.
//
// Security note: prefer binding to localhost. pprof exposes heap contents
// and is refused on other addresses unless allow_insecure is set.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" default:"127.0.0.1:8080"`
	Pprof   bool   `json:"pprof,omitempty"`
	// AllowInsecure permits pprof on a non-loopback address.
	AllowInsecure bool `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty" default:"10s"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty" default:"60s"`
}

// WorkloadConfig drives synthetic jobs into the scheduler on a schedule.
type WorkloadConfig struct {
	Enabled bool `json:"enabled"`
	// RatePerSec paces submissions across all jobs. 0 means unlimited.
	RatePerSec float64     `json:"rate_per_sec,omitempty"`
	Burst      int         `json:"burst,omitempty" default:"1"`
	Timezone   string      `json:"timezone,omitempty"`
	Jobs       []JobConfig `json:"jobs,omitempty"`
}

// JobConfig is one scheduled batch.
//
// schedule is a cron expression (5 fields, or 6 with seconds) or a
// descriptor such as "@every 10s". kind is one of sleep, spin, fail, fanout.
type JobConfig struct {
	Name      string  `json:"name"`
	Schedule  string  `json:"schedule"`
	Kind      string  `json:"kind" default:"sleep"`
	Batch     int     `json:"batch,omitempty" default:"1"`
	Duration  string  `json:"duration,omitempty" default:"10ms"`
	Fanout    int     `json:"fanout,omitempty"`
	FailRatio float64 `json:"fail_ratio,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING and watchdog pings when run under systemd.
	Notify *bool `json:"notify,omitempty" default:"true"`
}

// BoolOr dereferences b, returning def when nil.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// IntOr dereferences n, returning def when nil.
func IntOr(n *int, def int) int {
	if n == nil {
		return def
	}
	return *n
}
