package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/bufferpool"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/dispatch"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// DefaultPreviewBuffers is the preview slot count when none is configured:
// four driver buffers plus one reserved for crop blits.
const DefaultPreviewBuffers = 5

// CaptureState is the preview pipeline state.
type CaptureState int

const (
	CaptureStopped CaptureState = iota
	CaptureStarting
	CaptureRunning
	CaptureStopping
)

func (s CaptureState) String() string {
	switch s {
	case CaptureStopped:
		return "stopped"
	case CaptureStarting:
		return "starting"
	case CaptureRunning:
		return "running"
	case CaptureStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// PreviewConfig describes a preview stream.
type PreviewConfig struct {
	Width, Height int
	Format        hal.Format
	Buffers       int // total slots including reserved ones (default: DefaultPreviewBuffers)
	ReservedSlots int // tail slots withheld from the driver for crop blits
	Crop          hal.Rect
	KeepLastFrame bool // keep a copy of the last delivered frame for postview
}

// RecordHook receives each preview frame while recording runs without a
// dedicated video pipeline. It blocks until the frame is released.
type RecordHook func(desc hal.FrameDescriptor, data []byte)

// PreviewStats is a snapshot of preview counters.
type PreviewStats struct {
	State            string
	FramesDelivered  uint64
	FramesDropped    uint64
	Blits            uint64
	BlitFailures     uint64
	OwnershipErrors  uint64
	BackPressureWait uint64
	Consumers        map[string]dispatch.ConsumerStats
}

// Preview is the capture session: it owns the preview pool and republishes
// frames delivered on the driver's capture goroutine.
type Preview struct {
	drv   hal.Driver
	alloc bufferpool.Allocator
	comp  hal.Compositor
	disp  *dispatch.Dispatcher

	mu     sync.Mutex
	state  CaptureState
	cfg    PreviewConfig
	layout bufferpool.Layout
	pool   *bufferpool.Pool

	worker *doneSignal

	hookMu sync.RWMutex
	hook   RecordHook

	lastMu    sync.Mutex
	lastFrame []byte
	lastValid bool

	delivered    uint64
	dropped      uint64
	blits        uint64
	blitFailures uint64
	ownership    uint64
	backPressure uint64
}

// NewPreview creates a stopped capture session. comp may be nil when crop is
// never requested.
func NewPreview(drv hal.Driver, alloc bufferpool.Allocator, comp hal.Compositor) *Preview {
	return &Preview{
		drv:    drv,
		alloc:  alloc,
		comp:   comp,
		disp:   dispatch.New(),
		worker: newDoneSignal(),
	}
}

// Dispatcher returns the consumer registry frames are published to.
func (p *Preview) Dispatcher() *dispatch.Dispatcher { return p.disp }

// Start allocates the preview pool and starts capture.
//
// Algorithm:
//  1. Return nil if already running
//  2. Wait (bounded by ctx) for the previous capture goroutine to finish
//  3. Validate dimensions, create the pool
//  4. Mark the worker running, issue StartCapture
//  5. On rejection destroy the pool and return ErrDriverRejected
func (p *Preview) Start(ctx context.Context, cfg PreviewConfig) error {
	p.mu.Lock()
	if p.state == CaptureRunning {
		p.mu.Unlock()
		return nil
	}
	if p.state == CaptureStarting {
		p.mu.Unlock()
		return fmt.Errorf("session: preview start already in progress: %w", hal.ErrInvalidRequest)
	}
	p.mu.Unlock()

	if err := p.worker.wait(ctx); err != nil {
		return fmt.Errorf("session: waiting for previous capture to finish: %w", err)
	}

	if cfg.Buffers == 0 {
		cfg.Buffers = DefaultPreviewBuffers
	}
	layout, err := bufferpool.FrameLayout(cfg.Format, cfg.Width, cfg.Height)
	if err != nil {
		return err
	}
	if !cfg.Crop.Empty() && cfg.ReservedSlots == 0 {
		return fmt.Errorf("session: preview crop needs a reserved slot: %w", hal.ErrInvalidRequest)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != CaptureStopped {
		return fmt.Errorf("session: preview is %s: %w", p.state, hal.ErrInvalidRequest)
	}

	pool, err := bufferpool.New(bufferpool.Config{
		Role:          hal.RolePreview,
		FrameSize:     layout.Size,
		Count:         cfg.Buffers,
		LumaOffset:    layout.LumaOffset,
		ChromaOffset:  layout.ChromaOffset,
		ReservedSlots: cfg.ReservedSlots,
	}, p.drv, p.alloc)
	if err != nil {
		return err
	}

	p.state = CaptureStarting
	p.cfg = cfg
	p.layout = layout
	p.pool = pool

	p.lastMu.Lock()
	if cfg.KeepLastFrame {
		p.lastFrame = make([]byte, layout.Size)
	} else {
		p.lastFrame = nil
	}
	p.lastValid = false
	p.lastMu.Unlock()

	p.worker.begin()
	if err := p.drv.StartCapture(); err != nil {
		p.worker.finish()
		p.pool = nil
		p.state = CaptureStopped
		pool.Destroy()
		slog.Error("session: preview start rejected by driver", "error", err)
		return fmt.Errorf("session: start capture: %w", wrapDriver(err))
	}

	p.state = CaptureRunning
	slog.Info("session: preview started",
		"width", cfg.Width,
		"height", cfg.Height,
		"format", cfg.Format.String(),
		"buffers", cfg.Buffers,
		"reserved", cfg.ReservedSlots,
	)
	return nil
}

// Stop signals the driver to terminate capture and returns without waiting.
// The pool is released when the driver reports the capture goroutine exited.
// Safe to call from inside a frame callback. Idempotent. A rejected stop
// leaves the session running so the caller can retry.
func (p *Preview) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == CaptureStopped || p.state == CaptureStopping {
		return nil
	}

	prev := p.state
	p.state = CaptureStopping
	if err := p.drv.StopCapture(); err != nil {
		p.state = prev
		slog.Error("session: stop capture rejected by driver", "error", err)
		return fmt.Errorf("session: stop capture: %w", wrapDriver(err))
	}

	slog.Info("session: preview stopping")
	return nil
}

// WaitStopped blocks until the capture goroutine has exited and the pool is
// released, or ctx is done.
func (p *Preview) WaitStopped(ctx context.Context) error {
	return p.worker.wait(ctx)
}

// OnCaptureStopped is the driver's capture-goroutine exit notification.
func (p *Preview) OnCaptureStopped() {
	p.mu.Lock()
	pool := p.pool
	p.pool = nil
	p.state = CaptureStopped
	p.mu.Unlock()

	if pool != nil {
		if err := pool.Destroy(); err != nil {
			slog.Warn("session: preview pool release failed", "error", err)
		}
	}

	p.worker.finish()
	slog.Info("session: preview stopped")
}

// OnFrame is the per-frame delivery path, called on the driver's capture
// goroutine. It reports whether the frame reached the consumers.
//
// Algorithm:
//  1. Resolve the slot from the descriptor index; take it Producer -> Consumer
//  2. If a crop is configured, blit into the reserved slot and deliver that
//  3. Publish to consumers, then to the record hook (which may block)
//  4. Return the slot Consumer -> Producer and release it to the driver
func (p *Preview) OnFrame(desc hal.FrameDescriptor) bool {
	p.mu.Lock()
	pool, state, cfg := p.pool, p.state, p.cfg
	p.mu.Unlock()

	if pool == nil || !pool.Owns(desc) {
		atomic.AddUint64(&p.dropped, 1)
		slog.Warn("session: frame for unknown preview slot", "slot", desc.Index, "handle", desc.Handle)
		return false
	}

	if err := pool.Transfer(desc.Index, bufferpool.OwnerProducer, bufferpool.OwnerConsumer); err != nil {
		atomic.AddUint64(&p.ownership, 1)
		slog.Error("session: preview ownership violation", "slot", desc.Index, "error", err)
		return false
	}
	pool.Stamp(desc.Index, desc.Timestamp)

	delivered := state == CaptureRunning
	if delivered {
		p.deliver(pool, cfg, desc)
	} else {
		atomic.AddUint64(&p.dropped, 1)
	}

	if err := pool.Transfer(desc.Index, bufferpool.OwnerConsumer, bufferpool.OwnerProducer); err != nil {
		atomic.AddUint64(&p.ownership, 1)
		slog.Error("session: preview ownership violation on return", "slot", desc.Index, "error", err)
		return delivered
	}
	if err := p.drv.ReleaseFrame(desc); err != nil {
		slog.Warn("session: release preview frame failed", "slot", desc.Index, "error", err)
	}
	return delivered
}

func (p *Preview) deliver(pool *bufferpool.Pool, cfg PreviewConfig, desc hal.FrameDescriptor) {
	out, data := desc, pool.Bytes(desc.Index)

	reserved := -1
	if !cfg.Crop.Empty() && p.comp != nil {
		idx := pool.Len() - 1
		if err := pool.Transfer(idx, bufferpool.OwnerFree, bufferpool.OwnerConsumer); err == nil {
			dst := pool.Bytes(idx)
			full := hal.Rect{W: cfg.Width, H: cfg.Height}
			if err := p.comp.Blit(data, dst, cfg.Format, cfg.Width, cfg.Height, cfg.Crop, full); err != nil {
				atomic.AddUint64(&p.blitFailures, 1)
				slog.Warn("session: crop blit failed, delivering uncropped frame", "error", err)
				pool.Transfer(idx, bufferpool.OwnerConsumer, bufferpool.OwnerFree)
			} else {
				atomic.AddUint64(&p.blits, 1)
				reserved = idx
				out, _ = pool.Descriptor(idx, desc.Timestamp)
				out.TraceID = desc.TraceID
				data = dst
			}
		}
	}

	p.remember(data)
	p.disp.Publish(out, data)
	atomic.AddUint64(&p.delivered, 1)

	p.hookMu.RLock()
	hook := p.hook
	p.hookMu.RUnlock()
	if hook != nil {
		atomic.AddUint64(&p.backPressure, 1)
		hook(out, data)
	}

	if reserved >= 0 {
		pool.Transfer(reserved, bufferpool.OwnerConsumer, bufferpool.OwnerFree)
	}
}

func (p *Preview) remember(data []byte) {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	if p.lastFrame == nil {
		return
	}
	copy(p.lastFrame, data)
	p.lastValid = true
}

// LastFrame returns a copy of the last delivered frame and its dimensions,
// or nil if none is kept.
func (p *Preview) LastFrame() ([]byte, int, int) {
	p.mu.Lock()
	w, h := p.cfg.Width, p.cfg.Height
	p.mu.Unlock()

	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	if !p.lastValid {
		return nil, 0, 0
	}
	out := make([]byte, len(p.lastFrame))
	copy(out, p.lastFrame)
	return out, w, h
}

// SetRecordHook installs (or, with nil, removes) the back-pressure hook.
func (p *Preview) SetRecordHook(h RecordHook) {
	p.hookMu.Lock()
	p.hook = h
	p.hookMu.Unlock()
}

// State returns the current state.
func (p *Preview) State() CaptureState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Running reports whether preview frames are being delivered.
func (p *Preview) Running() bool { return p.State() == CaptureRunning }

// Config returns the active configuration.
func (p *Preview) Config() PreviewConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Stats returns a snapshot of the counters.
func (p *Preview) Stats() PreviewStats {
	return PreviewStats{
		State:            p.State().String(),
		FramesDelivered:  atomic.LoadUint64(&p.delivered),
		FramesDropped:    atomic.LoadUint64(&p.dropped),
		Blits:            atomic.LoadUint64(&p.blits),
		BlitFailures:     atomic.LoadUint64(&p.blitFailures),
		OwnershipErrors:  atomic.LoadUint64(&p.ownership),
		BackPressureWait: atomic.LoadUint64(&p.backPressure),
		Consumers:        p.disp.AllStats(),
	}
}

// wrapDriver makes sure a driver error matches ErrDriverRejected.
func wrapDriver(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, hal.ErrDriverRejected) {
		return err
	}
	return fmt.Errorf("%v: %w", err, hal.ErrDriverRejected)
}
