// Package queue implements the BoundedEventQueue (C2): a fixed-capacity
// FIFO with a non-blocking producer side and a blocking, cancellation-safe
// consumer side.
//
// A mutex/condition-variable monitor is used instead of a plain buffered
// channel so the queue can report the dropped record's oldest timestamp
// on overflow — a plain Go channel cannot peek at its own head without
// popping it.
package queue

import (
	"sync"

	"github.com/statsd-core/statsd/internal/event"
)

// DefaultCapacity is K when the caller does not override queue_capacity (§6).
const DefaultCapacity = 2000

// Result is the outcome of a non-blocking Push.
type Result struct {
	Accepted bool
	// OldestElapsedNS is populated when Accepted is false: the elapsed_ns of
	// the queue's current head, per §4.1.
	OldestElapsedNS int64
}

// Queue is the BoundedEventQueue (C2). The zero value is not usable; build
// one with New.
type Queue struct {
	mu      sync.Mutex
	notEmpty *sync.Cond
	buf     []event.Record
	cap     int
	closed  bool
}

// New creates a Queue with the given capacity. capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		buf: make([]event.Record, 0, capacity),
		cap: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push never blocks. On a full queue it returns Rejected without consuming
// ev — ownership remains with the caller so diagnostics may inspect it
// (§4.1). At most one waiter is woken on acceptance.
func (q *Queue) Push(ev event.Record) Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Result{Accepted: false}
	}
	if len(q.buf) >= q.cap {
		return Result{Accepted: false, OldestElapsedNS: q.buf[0].ElapsedNS}
	}
	q.buf = append(q.buf, ev)
	q.notEmpty.Signal()
	return Result{Accepted: true}
}

// WaitPop blocks until an element is available, the queue is closed, or it
// is cancelled, transferring ownership of the returned Record to the
// caller. ok is false if the queue was closed (or cancelled) with nothing
// left to drain — the sentinel that terminates the consumer loop per
// §4.1. Exactly one concurrent consumer is supported; calling WaitPop from
// more than one goroutine at a time is unspecified behaviour.
func (q *Queue) WaitPop() (ev event.Record, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.buf) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.buf) == 0 {
		return event.Record{}, false
	}
	ev = q.buf[0]
	q.buf = q.buf[1:]
	return ev, true
}

// Close cancels any blocked WaitPop and causes future WaitPop/Push calls to
// observe the closed state. After Close, WaitPop continues to drain
// whatever remains before returning ok=false, matching the "drain before
// cancellation" shutdown contract in §5.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
}

// Len is an advisory, non-authoritative read of the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Cap returns the configured capacity K.
func (q *Queue) Cap() int {
	return q.cap
}
