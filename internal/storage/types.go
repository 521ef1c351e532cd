package storage

import (
	"errors"
	"time"

	"wsched/internal/task/engine"
)

var ErrDisabled = errors.New("storage disabled")

const (
	// DefaultRetain bounds how many records a store keeps.
	DefaultRetain      = 10000
	DefaultBusyTimeout = time.Second
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain is the number of most recent records kept. 0 means DefaultRetain.
	Retain int
}

// ResultRecord is the persisted form of a task result.
// Keep it compact and schema-stable.
type ResultRecord struct {
	TaskID      string    `json:"task_id"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	ExecutionMS float64   `json:"execution_ms"`
	WorkerID    int       `json:"worker_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// RecordFromResult converts an engine result. The task's return value is
// not persisted.
func RecordFromResult(r engine.TaskResult) ResultRecord {
	rec := ResultRecord{
		TaskID:      r.TaskID,
		Success:     r.OK(),
		ExecutionMS: float64(r.ExecutionTime) / float64(time.Millisecond),
		WorkerID:    r.WorkerID,
		CompletedAt: r.CompletedAt,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	return rec
}

func (c Config) retain() int {
	if c.Retain <= 0 {
		return DefaultRetain
	}
	return c.Retain
}
