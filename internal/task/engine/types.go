package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work executed by a worker.
//
// Execute receives a context that carries cooperative cancellation (shutdown
// deadline, optional per-task timeout) and the spawn handle used by Spawn.
// The returned value should be JSON-serializable when results are exported.
type Task interface {
	ID() string
	Execute(ctx context.Context) (any, error)
}

// ResourceBound is implemented by tasks that must hold resource permits from
// the scheduler's ResourcePool while they run.
type ResourceBound interface {
	Resources() ResourceRequirements
}

// TaskFunc adapts a plain function into a Task.
type TaskFunc struct {
	TaskID string
	Fn     func(ctx context.Context) (any, error)
}

func (t *TaskFunc) ID() string { return t.TaskID }

func (t *TaskFunc) Execute(ctx context.Context) (any, error) {
	if t.Fn == nil {
		return nil, nil
	}
	return t.Fn(ctx)
}

// NewTask returns a Task with the given id that runs fn.
func NewTask(id string, fn func(ctx context.Context) (any, error)) *TaskFunc {
	return &TaskFunc{TaskID: id, Fn: fn}
}

// boundTask carries resource requirements alongside a TaskFunc.
type boundTask struct {
	*TaskFunc
	req ResourceRequirements
}

func (t boundTask) Resources() ResourceRequirements { return t.req }

// WithResources attaches resource requirements to t.
func WithResources(t *TaskFunc, req ResourceRequirements) Task {
	return boundTask{TaskFunc: t, req: req}
}

// NewTaskID returns a random task id for producers that don't have their own.
func NewTaskID() string { return uuid.NewString() }

// TaskResult is the outcome of one execution.
type TaskResult struct {
	TaskID        string
	Value         any
	Err           error
	ExecutionTime time.Duration
	WorkerID      int
	CompletedAt   time.Time
}

// OK reports whether the task succeeded.
func (r TaskResult) OK() bool { return r.Err == nil }

type taskResultJSON struct {
	TaskID          string    `json:"task_id"`
	Success         bool      `json:"success"`
	ExecutionTimeMS float64   `json:"execution_time_ms"`
	WorkerID        int       `json:"worker_id"`
	CompletedAt     time.Time `json:"completed_at"`
	Error           string    `json:"error,omitempty"`
	Value           any       `json:"value,omitempty"`
}

func (r TaskResult) MarshalJSON() ([]byte, error) {
	out := taskResultJSON{
		TaskID:          r.TaskID,
		Success:         r.Err == nil,
		ExecutionTimeMS: float64(r.ExecutionTime) / float64(time.Millisecond),
		WorkerID:        r.WorkerID,
		CompletedAt:     r.CompletedAt,
		Value:           r.Value,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// TaskState is the lifecycle position of a submitted task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s TaskState) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// WorkerStats is a per-worker snapshot. Counters only move forward.
type WorkerStats struct {
	WorkerID        int           `json:"worker_id"`
	TasksExecuted   uint64        `json:"tasks_executed"`
	QueueDepth      int           `json:"queue_depth"`
	StealsPerformed uint64        `json:"steals_performed"`
	StealsReceived  uint64        `json:"steals_received"`
	GlobalTaken     uint64        `json:"global_taken"`
	Uptime          time.Duration `json:"uptime"`
	// CPUTime is the wall time spent inside task bodies.
	CPUTime time.Duration `json:"cpu_time"`
	Busy    bool          `json:"busy"`
}

// TaskMetrics aggregates outcomes across all workers.
type TaskMetrics struct {
	TotalExecuted    uint64        `json:"total_executed"`
	Succeeded        uint64        `json:"succeeded"`
	Failed           uint64        `json:"failed"`
	TimedOut         uint64        `json:"timed_out"`
	AverageExecution time.Duration `json:"average_execution"`
}

// RuntimeStats is sampled from the Go runtime.
type RuntimeStats struct {
	Goroutines   int           `json:"goroutines"`
	HeapInuse    uint64        `json:"heap_inuse"`
	HeapAlloc    uint64        `json:"heap_alloc"`
	NumGC        uint32        `json:"num_gc"`
	GCPauseTotal time.Duration `json:"gc_pause_total"`
}

// SchedulerMetrics is rebuilt on every request; it is never mutated in place.
type SchedulerMetrics struct {
	Workers      []WorkerStats `json:"workers"`
	Tasks        TaskMetrics   `json:"tasks"`
	Runtime      RuntimeStats  `json:"runtime"`
	QueuedGlobal int           `json:"queued_global"`
	ActiveLimit  int           `json:"active_limit"`
	SampledAt    time.Time     `json:"sampled_at"`
}

// SchedulerStatus is a coarse liveness view.
type SchedulerStatus struct {
	IsRunning          bool          `json:"is_running"`
	NumWorkers         int           `json:"num_workers"`
	Uptime             time.Duration `json:"uptime"`
	TotalTasksExecuted uint64        `json:"total_tasks_executed"`
	ActiveTasks        int           `json:"active_tasks"`
	QueuedGlobal       int           `json:"queued_global"`
	Workers            []WorkerStats `json:"workers"`
}
