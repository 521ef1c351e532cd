package engine

import (
	"context"
	"sync"
)

// completions tracks task states and finished results by task id.
//
// Every waiter registered for an id receives the next result carrying that
// id. Results are also retained (oldest evicted first, up to retention) so a
// waiter that shows up after completion still gets them.
type completions struct {
	mu        sync.Mutex
	states    map[string]TaskState
	results   map[string]TaskResult
	order     []string
	retention int
	waiters   map[string][]chan TaskResult
	closed    bool
	closedCh  chan struct{}
}

func newCompletions(retention int) *completions {
	return &completions{
		states:    make(map[string]TaskState),
		results:   make(map[string]TaskResult),
		retention: retention,
		waiters:   make(map[string][]chan TaskResult),
		closedCh:  make(chan struct{}),
	}
}

func (c *completions) setState(id string, st TaskState) {
	c.mu.Lock()
	// A resubmitted id starts over; otherwise terminal states stick.
	if cur, ok := c.states[id]; !ok || st == TaskPending || !cur.Terminal() {
		c.states[id] = st
	}
	if _, had := c.results[id]; had && st == TaskPending {
		delete(c.results, id)
		c.dropOrderLocked(id)
	}
	c.mu.Unlock()
}

// dropOrderLocked removes id from the eviction order so a later result for
// the same id is appended once, at the back.
func (c *completions) dropOrderLocked(id string) {
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *completions) state(id string) (TaskState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	return st, ok
}

func (c *completions) result(id string) (TaskResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[id]
	return r, ok
}

// forget drops a pending id that never made it into a queue.
func (c *completions) forget(id string) {
	c.mu.Lock()
	if st, ok := c.states[id]; ok && st == TaskPending {
		delete(c.states, id)
	}
	c.mu.Unlock()
}

func (c *completions) resolve(r TaskResult) {
	c.mu.Lock()
	if r.OK() {
		c.states[r.TaskID] = TaskCompleted
	} else {
		c.states[r.TaskID] = TaskFailed
	}
	if _, seen := c.results[r.TaskID]; !seen {
		c.order = append(c.order, r.TaskID)
	}
	c.results[r.TaskID] = r
	for len(c.order) > c.retention {
		old := c.order[0]
		c.order = c.order[1:]
		delete(c.results, old)
		if st := c.states[old]; st.Terminal() {
			delete(c.states, old)
		}
	}
	ws := c.waiters[r.TaskID]
	delete(c.waiters, r.TaskID)
	c.mu.Unlock()

	for _, ch := range ws {
		// Buffers are sized to the ids a waiter asked for; never block here.
		select {
		case ch <- r:
		default:
		}
	}
}

// markDiscarded fails the ids of tasks dropped at shutdown.
func (c *completions) markDiscarded(ids []string) {
	c.mu.Lock()
	for _, id := range ids {
		if st, ok := c.states[id]; ok && !st.Terminal() {
			c.states[id] = TaskFailed
		}
	}
	c.mu.Unlock()
}

func (c *completions) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.waiters = make(map[string][]chan TaskResult)
	close(c.closedCh)
}

// wait returns results for ids in completion order. Already-retained results
// come first. It stops early when ctx ends or the stream closes, returning
// whatever was collected.
func (c *completions) wait(ctx context.Context, ids []string) ([]TaskResult, error) {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}

	out := make([]TaskResult, 0, len(uniq))
	ch := make(chan TaskResult, len(uniq))

	c.mu.Lock()
	var pending []string
	for _, id := range uniq {
		if r, ok := c.results[id]; ok {
			out = append(out, r)
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		c.mu.Unlock()
		return out, nil
	}
	if c.closed {
		c.mu.Unlock()
		return out, ErrSchedulerShutdown
	}
	for _, id := range pending {
		c.waiters[id] = append(c.waiters[id], ch)
	}
	c.mu.Unlock()

	defer c.unregister(pending, ch)

	for len(out) < len(uniq) {
		select {
		case r := <-ch:
			out = append(out, r)
		case <-ctx.Done():
			return out, ctx.Err()
		case <-c.closedCh:
			// Keep results that raced the close.
			for {
				select {
				case r := <-ch:
					out = append(out, r)
				default:
					if len(out) == len(uniq) {
						return out, nil
					}
					return out, ErrSchedulerShutdown
				}
			}
		}
	}
	return out, nil
}

func (c *completions) unregister(ids []string, ch chan TaskResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		ws := c.waiters[id]
		for i, w := range ws {
			if w == ch {
				ws = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(ws) == 0 {
			delete(c.waiters, id)
		} else {
			c.waiters[id] = ws
		}
	}
}
