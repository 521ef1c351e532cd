package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SupervisorCounters are totals across every name.
type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates runs of goroutines sharing a name.
type GoroutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

// statTable records per-name runs. A run is opened by begin and closed by
// the returned func.
type statTable struct {
	mu    sync.Mutex
	byKey map[string]*GoroutineStats
}

func (t *statTable) entry(name string) *GoroutineStats {
	if t.byKey == nil {
		t.byKey = map[string]*GoroutineStats{}
	}
	st := t.byKey[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		t.byKey[name] = st
	}
	return st
}

func (t *statTable) begin(name string, restart bool) (started time.Time, end func(err error, panicked any)) {
	started = time.Now()
	t.mu.Lock()
	st := t.entry(name)
	st.Started++
	st.Active++
	st.LastStartAt = started
	if restart {
		st.Restarts++
	}
	t.mu.Unlock()

	return started, func(err error, panicked any) {
		now := time.Now()
		t.mu.Lock()
		defer t.mu.Unlock()
		st := t.entry(name)
		st.Active--
		st.LastStopAt = now
		st.LastRuntime = now.Sub(started)
		if err != nil {
			st.LastErr = err.Error()
		}
		if panicked != nil {
			st.Panics++
			st.LastPanic = fmt.Sprint(panicked)
		}
	}
}

// list returns running names first, then by name.
func (t *statTable) list() []GoroutineStats {
	t.mu.Lock()
	out := make([]GoroutineStats, 0, len(t.byKey))
	for _, st := range t.byKey {
		out = append(out, *st)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if (out[i].Active > 0) != (out[j].Active > 0) {
			return out[i].Active > 0
		}
		return out[i].Name < out[j].Name
	})
	return out
}
