// Package dispatch fans a delivered frame out to the registered consumers.
//
// Delivery is synchronous on the driver's capture goroutine: Publish returns
// only after every consumer returned, which is what lets the caller hand the
// slot back to the driver afterwards. A consumer that panics is counted and
// skipped; it never takes the capture goroutine down.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

var (
	ErrClosed           = errors.New("dispatch: dispatcher is closed")
	ErrConsumerExists   = errors.New("dispatch: consumer already exists")
	ErrConsumerNotFound = errors.New("dispatch: consumer not found")
	ErrNilConsumer      = errors.New("dispatch: nil consumer")
)

// Consumer receives a frame. data aliases slot memory and is only valid for
// the duration of the call.
type Consumer func(desc hal.FrameDescriptor, data []byte)

// ConsumerStats tracks deliveries to one consumer.
type ConsumerStats struct {
	Delivered uint64
	Panics    uint64
}

type consumerHolder struct {
	id    string
	fn    Consumer
	stats ConsumerStats
}

// Dispatcher holds consumers in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	consumers []*consumerHolder
	closed    bool

	published uint64
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers fn under id.
func (d *Dispatcher) Subscribe(id string, fn Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if fn == nil {
		return ErrNilConsumer
	}
	for _, c := range d.consumers {
		if c.id == id {
			return ErrConsumerExists
		}
	}

	d.consumers = append(d.consumers, &consumerHolder{id: id, fn: fn})
	return nil
}

// Unsubscribe removes the consumer registered under id. It may be called
// from inside a consumer.
func (d *Dispatcher) Unsubscribe(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, c := range d.consumers {
		if c.id == id {
			d.consumers = append(d.consumers[:i:i], d.consumers[i+1:]...)
			return nil
		}
	}
	return ErrConsumerNotFound
}

// Publish calls every consumer with the frame, in registration order.
// It returns the number of consumers that completed without panicking.
func (d *Dispatcher) Publish(desc hal.FrameDescriptor, data []byte) int {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return 0
	}
	snapshot := make([]*consumerHolder, len(d.consumers))
	copy(snapshot, d.consumers)
	d.mu.RUnlock()

	atomic.AddUint64(&d.published, 1)

	ok := 0
	for _, c := range snapshot {
		if deliver(c, desc, data) {
			ok++
		}
	}
	return ok
}

func deliver(c *consumerHolder, desc hal.FrameDescriptor, data []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&c.stats.Panics, 1)
			slog.Error("dispatch: consumer panicked",
				"consumer", c.id,
				"slot", desc.Index,
				"panic", r,
			)
			ok = false
		}
	}()

	c.fn(desc, data)
	atomic.AddUint64(&c.stats.Delivered, 1)
	return true
}

// Stats returns the counters of consumer id.
func (d *Dispatcher) Stats(id string) (ConsumerStats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, c := range d.consumers {
		if c.id == id {
			return ConsumerStats{
				Delivered: atomic.LoadUint64(&c.stats.Delivered),
				Panics:    atomic.LoadUint64(&c.stats.Panics),
			}, nil
		}
	}
	return ConsumerStats{}, ErrConsumerNotFound
}

// AllStats returns the counters of every registered consumer.
func (d *Dispatcher) AllStats() map[string]ConsumerStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]ConsumerStats, len(d.consumers))
	for _, c := range d.consumers {
		out[c.id] = ConsumerStats{
			Delivered: atomic.LoadUint64(&c.stats.Delivered),
			Panics:    atomic.LoadUint64(&c.stats.Panics),
		}
	}
	return out
}

// Published returns how many frames were published.
func (d *Dispatcher) Published() uint64 { return atomic.LoadUint64(&d.published) }

// Len returns the number of registered consumers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.consumers)
}

// Close drops every consumer. Publish becomes a no-op.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.consumers = nil
}
