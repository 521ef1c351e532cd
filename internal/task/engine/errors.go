package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfiguration  = errors.New("invalid scheduler configuration")
	ErrQueueOverflow         = errors.New("task queue overflow")
	ErrSchedulerShutdown     = errors.New("scheduler is shut down")
	ErrTaskTimeout           = errors.New("task execution timed out")
	ErrTaskExecutionFailed   = errors.New("task execution failed")
	ErrInsufficientResources = errors.New("insufficient resources")
)

// ConfigError names the offending field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidConfiguration, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfiguration }

// QueueOverflowError is returned by local pushes when a worker's queue is at capacity.
type QueueOverflowError struct {
	WorkerID int
	Max      int
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("%s: worker %d at capacity %d", ErrQueueOverflow, e.WorkerID, e.Max)
}

func (e *QueueOverflowError) Unwrap() error { return ErrQueueOverflow }

// TaskExecutionError wraps an error returned (or a panic raised) by a task body.
type TaskExecutionError struct {
	TaskID string
	Cause  error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Cause)
}

// Unwrap exposes both the sentinel and the task's own error to errors.Is/As.
func (e *TaskExecutionError) Unwrap() []error { return []error{ErrTaskExecutionFailed, e.Cause} }

// TaskTimeoutError reports that a task body outlived its deadline. The body
// keeps running in the background; its eventual outcome is discarded.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

func (e *TaskTimeoutError) Unwrap() error { return ErrTaskTimeout }

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsTimeout reports whether err is a task timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTaskTimeout) }
