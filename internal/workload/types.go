package workload

import (
	"fmt"
	"strings"
	"time"

	"wsched/internal/config"
	"wsched/internal/task/engine"
)

// Kind selects what a generated task does.
type Kind string

const (
	KindSleep  Kind = "sleep"
	KindSpin   Kind = "spin"
	KindFail   Kind = "fail"
	KindFanout Kind = "fanout"
)

// Job is one scheduled batch definition.
type Job struct {
	Name      string
	Schedule  string
	Kind      Kind
	Batch     int
	Duration  time.Duration
	Fanout    int
	FailRatio float64
}

type Config struct {
	Enabled    bool
	RatePerSec float64
	Burst      int
	Timezone   string
	Jobs       []Job
}

// Submitter is the part of the scheduler the driver needs.
type Submitter interface {
	Submit(t engine.Task) (string, error)
}

// JobStats counts what a job has done since it was registered.
type JobStats struct {
	Triggers  uint64    `json:"triggers"`
	Submitted uint64    `json:"submitted"`
	Rejected  uint64    `json:"rejected"`
	LastRun   time.Time `json:"last_run"`
	// StartupSpread is the random delay added before the first run of an
	// @every job.
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
}

// FromConfig converts the config section, filling per-job defaults.
func FromConfig(c config.WorkloadConfig) (Config, error) {
	out := Config{
		Enabled:    c.Enabled,
		RatePerSec: c.RatePerSec,
		Burst:      c.Burst,
		Timezone:   strings.TrimSpace(c.Timezone),
		Jobs:       make([]Job, 0, len(c.Jobs)),
	}
	for i, j := range c.Jobs {
		d, err := config.ParseDurationOrDefault(fmt.Sprintf("workload.jobs[%d].duration", i), j.Duration, 10*time.Millisecond)
		if err != nil {
			return Config{}, err
		}
		job := Job{
			Name:      strings.TrimSpace(j.Name),
			Schedule:  strings.TrimSpace(j.Schedule),
			Kind:      Kind(strings.ToLower(strings.TrimSpace(j.Kind))),
			Batch:     j.Batch,
			Duration:  d,
			Fanout:    j.Fanout,
			FailRatio: j.FailRatio,
		}
		if job.Kind == "" {
			job.Kind = KindSleep
		}
		if job.Batch <= 0 {
			job.Batch = 1
		}
		out.Jobs = append(out.Jobs, job)
	}
	return out, nil
}
