package engine

import "sync/atomic"

// Injector is the unbounded multi-producer multi-consumer FIFO that receives
// every external submission. It is a Michael-Scott linked queue; head always
// points at a sentinel node.
type Injector struct {
	head atomic.Pointer[injNode]
	tail atomic.Pointer[injNode]
	size atomic.Int64
}

type injNode struct {
	task Task
	next atomic.Pointer[injNode]
}

func NewInjector() *Injector {
	q := &Injector{}
	n := &injNode{}
	q.head.Store(n)
	q.tail.Store(n)
	return q
}

// Push never fails.
func (q *Injector) Push(t Task) {
	n := &injNode{task: t}
	q.size.Add(1)
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			return
		}
	}
}

func (q *Injector) Pop() (Task, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return nil, false
		}
		if head == tail {
			// Tail is lagging behind a completed push.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		t := next.task
		if q.head.CompareAndSwap(head, next) {
			q.size.Add(-1)
			return t, true
		}
	}
}

// Len is approximate.
func (q *Injector) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
