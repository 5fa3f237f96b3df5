package shardpipe

import "sync"

// An Operation is an in-flight asynchronous transport call.
type Operation interface {
	// Done reports completion without blocking.
	Done() bool

	// Wait blocks until the operation completes and returns its error, if
	// any. Wait may be called more than once.
	Wait() error
}

// A WorkHandle pairs a pending operation with a cleanup callback. The callback
// runs at most once, after the operation completes.
type WorkHandle struct {
	Op       Operation
	Callback func()
}

// A WorkQueue keeps pending work handles in FIFO order. Pushes and drains may
// come from different goroutines.
type WorkQueue struct {
	mu      sync.Mutex
	handles []WorkHandle
}

// Push appends a handle to the queue.
func (q *WorkQueue) Push(h WorkHandle) {
	q.mu.Lock()
	q.handles = append(q.handles, h)
	q.mu.Unlock()
}

// Len returns the number of pending handles.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handles)
}

// DrainCompleted pops completed handles from the front of the queue, running
// their callbacks, and stops at the first handle still in flight.
func (q *WorkQueue) DrainCompleted() error {
	for {
		h, ok := q.popFront(false)
		if !ok {
			return nil
		}
		if err := q.finish(h); err != nil {
			return err
		}
	}
}

// Drain waits for every queued handle, oldest first, running callbacks in
// completion order.
func (q *WorkQueue) Drain() error {
	for {
		h, ok := q.popFront(true)
		if !ok {
			return nil
		}
		if err := q.finish(h); err != nil {
			return err
		}
	}
}

func (q *WorkQueue) popFront(block bool) (WorkHandle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.handles) == 0 {
		return WorkHandle{}, false
	}
	h := q.handles[0]
	if !block && !h.Op.Done() {
		return WorkHandle{}, false
	}
	q.handles = q.handles[1:]
	return h, true
}

func (q *WorkQueue) finish(h WorkHandle) error {
	if err := h.Op.Wait(); err != nil {
		return err
	}
	if h.Callback != nil {
		h.Callback()
	}
	return nil
}
