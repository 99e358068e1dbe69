// Package session implements the capture, recording, snapshot and autofocus
// state machines of one camera instance.
//
// Locking:
//   - Each session has its own state mutex, held only for state checks and
//     short bookkeeping. No session mutex is held while calling into a host
//     callback or waiting for a goroutine, so callbacks may call back into any
//     session (including Stop) without deadlocking.
//   - Driver callbacks (OnFrame, OnVideoFrame, OnSnapshotDone) never take the
//     camera-level lock.
//
// This package is INTERNAL - clients MUST use the public API in the parent package.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// Host receives notifications and data for the application layer.
type Host interface {
	Notify(msg hal.Msg, ext1, ext2 int32)
	Data(msg hal.Msg, data []byte, desc *hal.FrameDescriptor)
	DataTimestamp(ts time.Time, msg hal.Msg, desc hal.FrameDescriptor, data []byte)
}

// CallbackHost adapts a fixed hal.Callbacks to Host.
type CallbackHost struct {
	Callbacks *hal.Callbacks
}

func (h CallbackHost) Notify(msg hal.Msg, ext1, ext2 int32) {
	h.Callbacks.EmitNotify(msg, ext1, ext2)
}

func (h CallbackHost) Data(msg hal.Msg, data []byte, desc *hal.FrameDescriptor) {
	h.Callbacks.EmitData(msg, data, desc)
}

func (h CallbackHost) DataTimestamp(ts time.Time, msg hal.Msg, desc hal.FrameDescriptor, data []byte) {
	h.Callbacks.EmitDataTimestamp(ts, msg, desc, data)
}

// doneSignal is a "worker finished" flag with a condition variable that a
// later start waits on. Waits are bounded by a context.
type doneSignal struct {
	mu      sync.Mutex
	cond    *sync.Cond
	running bool
}

func newDoneSignal() *doneSignal {
	d := &doneSignal{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *doneSignal) begin() {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
}

func (d *doneSignal) finish() {
	d.mu.Lock()
	d.running = false
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *doneSignal) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// wait blocks until the worker has finished or ctx is done.
func (d *doneSignal) wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.running {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.cond.Wait()
	}
	return nil
}
