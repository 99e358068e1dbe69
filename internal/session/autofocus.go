package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// FocusStats is a snapshot of autofocus counters.
type FocusStats struct {
	Running   bool
	Requests  uint64
	Succeeded uint64
	Failed    uint64
	Rejected  uint64
	Cancels   uint64
}

// Autofocus runs at most one focus sweep at a time. The sweep holds a
// try-lock for its whole duration; a concurrent request is rejected, never
// queued.
type Autofocus struct {
	drv  hal.Driver
	host Host

	busy sync.Mutex
	done *doneSignal

	requests  uint64
	succeeded uint64
	failed    uint64
	rejected  uint64
	cancels   uint64
}

// NewAutofocus creates an idle autofocus session.
func NewAutofocus(drv hal.Driver, host Host) *Autofocus {
	return &Autofocus{drv: drv, host: host, done: newDoneSignal()}
}

// Start launches a focus sweep. The result is reported exactly once as
// MsgFocus with ext1 = 1 on success and 0 on failure.
func (a *Autofocus) Start(ctx context.Context) error {
	if !a.busy.TryLock() {
		atomic.AddUint64(&a.rejected, 1)
		return fmt.Errorf("session: autofocus already running: %w", hal.ErrInvalidRequest)
	}
	atomic.AddUint64(&a.requests, 1)
	a.done.begin()

	go func() {
		err := a.drv.AutoFocus(ctx)
		a.busy.Unlock()

		var ok int32
		if err == nil {
			ok = 1
			atomic.AddUint64(&a.succeeded, 1)
		} else {
			atomic.AddUint64(&a.failed, 1)
			slog.Info("session: autofocus failed", "error", err)
		}
		a.host.Notify(hal.MsgFocus, ok, 0)
		a.done.finish()
	}()
	return nil
}

// Cancel aborts a running sweep, which then reports failure. With nothing
// running it returns nil without contacting the driver.
func (a *Autofocus) Cancel() error {
	if a.busy.TryLock() {
		a.busy.Unlock()
		return nil
	}
	atomic.AddUint64(&a.cancels, 1)
	if err := a.drv.CancelAutoFocus(); err != nil {
		return fmt.Errorf("session: cancel autofocus: %w", wrapDriver(err))
	}
	return nil
}

// Wait blocks until the running sweep has reported, or ctx is done.
func (a *Autofocus) Wait(ctx context.Context) error {
	return a.done.wait(ctx)
}

// Stats returns a snapshot of the counters.
func (a *Autofocus) Stats() FocusStats {
	return FocusStats{
		Running:   a.done.isRunning(),
		Requests:  atomic.LoadUint64(&a.requests),
		Succeeded: atomic.LoadUint64(&a.succeeded),
		Failed:    atomic.LoadUint64(&a.failed),
		Rejected:  atomic.LoadUint64(&a.rejected),
		Cancels:   atomic.LoadUint64(&a.cancels),
	}
}
