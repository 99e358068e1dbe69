// Package framequeue is the hand-off queue between the driver's video
// callback (producer) and the recording consumer.
//
// The queue is a fixed ring sized to the owning pool's slot count, so a push
// never allocates. Since each slot can be in the queue at most once, the ring
// can only fill up if the driver delivers a slot it does not own.
package framequeue

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// ErrQueueFull is returned by Push when the ring has no room.
var ErrQueueFull = errors.New("framequeue: queue full")

// Stats is a snapshot of the queue counters.
type Stats struct {
	Pushed   uint64
	Popped   uint64
	Flushed  uint64
	Rejected uint64
	Pending  int
	Capacity int
}

// Queue is a bounded FIFO of frame descriptors with blocking Pop.
//
// Concurrency: one producer, one consumer. Flush and Cancel may run from any
// goroutine; they take the same mutex as Push and Pop.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring      []hal.FrameDescriptor
	head      int // next element to pop
	count     int
	cancelled bool

	pushed   uint64
	popped   uint64
	flushed  uint64
	rejected uint64
}

// New creates a queue holding at most capacity descriptors.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{ring: make([]hal.FrameDescriptor, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends desc and wakes one blocked Pop. It never blocks.
func (q *Queue) Push(desc hal.FrameDescriptor) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.ring) {
		atomic.AddUint64(&q.rejected, 1)
		return ErrQueueFull
	}

	q.ring[(q.head+q.count)%len(q.ring)] = desc
	q.count++
	atomic.AddUint64(&q.pushed, 1)

	q.cond.Signal()
	return nil
}

// Pop removes and returns the oldest descriptor, blocking until one is
// available. It returns ok=false once the queue is cancelled.
//
// Algorithm:
//  1. Lock
//  2. While empty: return if cancelled, else Wait, then re-check cancelled
//  3. Take ring[head], advance head
//  4. Unlock
func (q *Queue) Pop() (hal.FrameDescriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 {
		if q.cancelled {
			return hal.FrameDescriptor{}, false
		}
		q.cond.Wait()
	}
	if q.cancelled {
		return hal.FrameDescriptor{}, false
	}

	desc := q.ring[q.head]
	q.ring[q.head] = hal.FrameDescriptor{}
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	atomic.AddUint64(&q.popped, 1)
	return desc, true
}

// Flush drains every pending descriptor, calling release for each so the
// slot can go back to Free. Descriptors already popped are not affected.
// release runs with the queue lock held and must not touch the queue.
func (q *Queue) Flush(release func(hal.FrameDescriptor)) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for q.count > 0 {
		desc := q.ring[q.head]
		q.ring[q.head] = hal.FrameDescriptor{}
		q.head = (q.head + 1) % len(q.ring)
		q.count--
		if release != nil {
			release(desc)
		}
	}
	q.head = 0
	atomic.AddUint64(&q.flushed, uint64(n))
	return n
}

// Cancel marks the queue cancelled and wakes every blocked Pop.
func (q *Queue) Cancel() {
	q.mu.Lock()
	q.cancelled = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Reset clears the cancelled flag. Pending descriptors are kept; call Flush
// first to drop them.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.cancelled = false
	q.mu.Unlock()
}

// Cancelled reports whether Cancel was called since the last Reset.
func (q *Queue) Cancelled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled
}

// Len returns the number of pending descriptors.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := q.count
	q.mu.Unlock()

	return Stats{
		Pushed:   atomic.LoadUint64(&q.pushed),
		Popped:   atomic.LoadUint64(&q.popped),
		Flushed:  atomic.LoadUint64(&q.flushed),
		Rejected: atomic.LoadUint64(&q.rejected),
		Pending:  pending,
		Capacity: len(q.ring),
	}
}
