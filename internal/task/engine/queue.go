package engine

import "sync/atomic"

// StealResult is the outcome of one steal attempt.
type StealResult int

const (
	StealEmpty StealResult = iota
	StealSuccess
	// StealRetry means another thief (or the owner) won the race for the top slot.
	StealRetry
)

type slot struct{ task Task }

// TaskQueue is a worker's bounded local deque.
//
// The owning worker pushes and pops at the bottom (LIFO); any goroutine may
// steal from the top (FIFO). Slots live in a power-of-two ring indexed by two
// monotonically increasing counters, so a steal only has to win a CAS on top.
//
// depth is incremented before a slot is published and decremented after a
// slot is taken, so it never under-reports the real length.
type TaskQueue struct {
	top    atomic.Int64
	bottom atomic.Int64

	slots []atomic.Pointer[slot]
	mask  int64

	owner   int
	maxSize int64
	depth   atomic.Int64
	stolen  atomic.Uint64

	global *Injector
}

// NewTaskQueue creates a local queue for worker owner, backed by global for StealGlobal.
func NewTaskQueue(owner, maxSize int, global *Injector) *TaskQueue {
	if maxSize < 1 {
		maxSize = 1
	}
	n := nextPow2(maxSize)
	return &TaskQueue{
		slots:   make([]atomic.Pointer[slot], n),
		mask:    int64(n - 1),
		owner:   owner,
		maxSize: int64(maxSize),
		global:  global,
	}
}

// Push appends t at the owner end. Owner only.
func (q *TaskQueue) Push(t Task) error {
	if q.depth.Add(1) > q.maxSize {
		q.depth.Add(-1)
		return &QueueOverflowError{WorkerID: q.owner, Max: int(q.maxSize)}
	}
	b := q.bottom.Load()
	q.slots[b&q.mask].Store(&slot{task: t})
	q.bottom.Store(b + 1)
	return nil
}

// Pop removes the most recently pushed task. Owner only.
func (q *TaskQueue) Pop() (Task, bool) {
	b := q.bottom.Load() - 1
	q.bottom.Store(b)
	t := q.top.Load()
	if t > b {
		q.bottom.Store(b + 1)
		return nil, false
	}
	s := q.slots[b&q.mask].Load()
	if t == b {
		// Last element: race thieves for it.
		won := q.top.CompareAndSwap(t, t+1)
		q.bottom.Store(b + 1)
		if !won {
			return nil, false
		}
	}
	q.slots[b&q.mask].Store(nil)
	q.depth.Add(-1)
	if s == nil {
		return nil, false
	}
	return s.task, true
}

// Steal removes the oldest task. Safe from any goroutine.
func (q *TaskQueue) Steal() (Task, StealResult) {
	t := q.top.Load()
	b := q.bottom.Load()
	if t >= b {
		return nil, StealEmpty
	}
	s := q.slots[t&q.mask].Load()
	if !q.top.CompareAndSwap(t, t+1) {
		return nil, StealRetry
	}
	if s == nil {
		// Unreachable while the CAS on top is the only way to claim a slot.
		return nil, StealRetry
	}
	q.depth.Add(-1)
	q.stolen.Add(1)
	return s.task, StealSuccess
}

// StealGlobal takes one task from the shared injector.
func (q *TaskQueue) StealGlobal() (Task, bool) {
	if q.global == nil {
		return nil, false
	}
	return q.global.Pop()
}

// Depth is an approximate length; it may briefly over-report during a push.
func (q *TaskQueue) Depth() int {
	d := q.depth.Load()
	if d < 0 {
		return 0
	}
	return int(d)
}

func (q *TaskQueue) IsEmpty() bool { return q.Depth() == 0 }

// Stolen counts tasks thieves have taken from this queue.
func (q *TaskQueue) Stolen() uint64 { return q.stolen.Load() }

// Cap is the configured maximum size.
func (q *TaskQueue) Cap() int { return int(q.maxSize) }

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
