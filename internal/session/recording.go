package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/bufferpool"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/framequeue"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// DefaultRecordBuffers is the video slot count when none is configured.
const DefaultRecordBuffers = 9

// RecordState is the recording pipeline state.
type RecordState int

const (
	RecordStopped RecordState = iota
	RecordRunning
	RecordStopping
)

func (s RecordState) String() string {
	switch s {
	case RecordStopped:
		return "stopped"
	case RecordRunning:
		return "running"
	case RecordStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// EncodeFunc hands a recorded frame to the video encoder. data aliases slot
// memory and stays valid until the frame is released.
type EncodeFunc func(desc hal.FrameDescriptor, data []byte)

// FrameTap observes one recorded frame before it is encoded. data is only
// valid for the duration of the call.
type FrameTap func(desc hal.FrameDescriptor, data []byte)

// RecordConfig describes a recording stream.
type RecordConfig struct {
	Width, Height int
	Format        hal.Format
	Buffers       int // default: DefaultRecordBuffers
	ActiveSlots   int // video slots writable at start (default: bufferpool.DefaultActiveVideoSlots)

	// SharedPipeline records preview frames instead of running a video pool.
	// Width, Height and Format are taken from the preview stream.
	SharedPipeline bool

	Encode EncodeFunc

	// OnRelease, when set, is called after each Release and switches the
	// dedicated consumer to async mode: it moves on to the next frame
	// without waiting for the release.
	OnRelease func(desc hal.FrameDescriptor)
}

// RecordStats is a snapshot of recording counters.
type RecordStats struct {
	State           string
	Shared          bool
	FramesQueued    uint64
	FramesEncoded   uint64
	FramesReleased  uint64
	FramesDropped   uint64
	ReservesGranted uint64
	Reclaimed       uint64
	OwnershipErrors uint64
	Queue           framequeue.Stats
	Loans           LoanStats
}

// Recording is the recording session. In dedicated mode it owns the video
// pool, the frame queue and the consumer goroutine feeding the encoder.
type Recording struct {
	drv     hal.Driver
	alloc   bufferpool.Allocator
	preview *Preview

	mu       sync.Mutex
	state    RecordState
	cfg      RecordConfig
	pool     *bufferpool.Pool
	queue    *framequeue.Queue
	consumer *doneSignal

	// Per-slot tracking flags shared by the consumer, Release and Stop.
	flagsMu   sync.Mutex
	flagsCond *sync.Cond
	onLoan    []bool
	released  []bool
	exit      bool

	loans *LoanTracker

	tapMu sync.Mutex
	tap   FrameTap

	queued    uint64
	encoded   uint64
	releases  uint64
	dropped   uint64
	granted   uint64
	reclaimed uint64
	ownership uint64
}

// NewRecording creates a stopped recording session bound to preview.
func NewRecording(drv hal.Driver, alloc bufferpool.Allocator, preview *Preview) *Recording {
	r := &Recording{
		drv:      drv,
		alloc:    alloc,
		preview:  preview,
		queue:    framequeue.New(DefaultRecordBuffers),
		consumer: newDoneSignal(),
		loans:    NewLoanTracker(),
	}
	r.flagsCond = sync.NewCond(&r.flagsMu)
	return r
}

// Start begins recording.
//
// Algorithm:
//  1. Require a running preview; return nil if already recording
//  2. Join the previous consumer goroutine (bounded by ctx)
//  3. Create the video pool (ActiveSlots writable, the rest Free)
//  4. Reset and flush the queue, clear the tracking flags
//  5. Launch the consumer, then issue StartRecording
//  6. On rejection stop the consumer, which releases the pool
func (r *Recording) Start(ctx context.Context, cfg RecordConfig) error {
	if cfg.Encode == nil {
		return fmt.Errorf("session: recording without an encoder: %w", hal.ErrInvalidRequest)
	}
	if r.preview == nil || !r.preview.Running() {
		return fmt.Errorf("session: recording needs a running preview: %w", hal.ErrInvalidRequest)
	}

	r.mu.Lock()
	if r.state == RecordRunning {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.consumer.wait(ctx); err != nil {
		return fmt.Errorf("session: waiting for previous recording consumer: %w", err)
	}

	if cfg.Buffers == 0 {
		cfg.Buffers = DefaultRecordBuffers
	}
	if cfg.ActiveSlots == 0 {
		cfg.ActiveSlots = min(bufferpool.DefaultActiveVideoSlots, cfg.Buffers)
	}

	if cfg.SharedPipeline {
		return r.startShared(cfg)
	}

	layout, err := bufferpool.FrameLayout(cfg.Format, cfg.Width, cfg.Height)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state != RecordStopped {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("session: recording is %s: %w", state, hal.ErrInvalidRequest)
	}

	pool, err := bufferpool.New(bufferpool.Config{
		Role:         hal.RoleVideo,
		FrameSize:    layout.Size,
		Count:        cfg.Buffers,
		LumaOffset:   layout.LumaOffset,
		ChromaOffset: layout.ChromaOffset,
		ActiveSlots:  cfg.ActiveSlots,
	}, r.drv, r.alloc)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	if r.queue.Stats().Capacity < cfg.Buffers {
		r.queue = framequeue.New(cfg.Buffers)
	}
	q := r.queue
	q.Reset()
	q.Flush(nil)
	r.resetFlags(cfg.Buffers)

	r.cfg = cfg
	r.pool = pool
	r.state = RecordRunning
	r.consumer.begin()
	go r.consumerLoop(pool, q, cfg)
	r.mu.Unlock()

	if err := r.drv.StartRecording(); err != nil {
		slog.Error("session: recording start rejected by driver", "error", err)
		r.mu.Lock()
		r.state = RecordStopping
		r.mu.Unlock()
		r.signalExit()
		q.Cancel()
		r.consumer.wait(ctx)
		return fmt.Errorf("session: start recording: %w", wrapDriver(err))
	}

	slog.Info("session: recording started",
		"width", cfg.Width,
		"height", cfg.Height,
		"format", cfg.Format.String(),
		"buffers", cfg.Buffers,
		"active", cfg.ActiveSlots,
		"async", cfg.OnRelease != nil,
	)
	return nil
}

func (r *Recording) startShared(cfg RecordConfig) error {
	pcfg := r.preview.Config()

	r.mu.Lock()
	if r.state != RecordStopped {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("session: recording is %s: %w", state, hal.ErrInvalidRequest)
	}
	cfg.Width, cfg.Height, cfg.Format = pcfg.Width, pcfg.Height, pcfg.Format
	r.resetFlags(pcfg.Buffers)
	r.cfg = cfg
	r.pool = nil
	r.state = RecordRunning
	r.mu.Unlock()

	r.preview.SetRecordHook(r.deliverShared)

	if err := r.drv.StartRecording(); err != nil {
		r.preview.SetRecordHook(nil)
		r.mu.Lock()
		r.state = RecordStopped
		r.mu.Unlock()
		slog.Error("session: recording start rejected by driver", "error", err)
		return fmt.Errorf("session: start recording: %w", wrapDriver(err))
	}

	slog.Info("session: recording started on the preview stream",
		"width", cfg.Width,
		"height", cfg.Height,
	)
	return nil
}

func (r *Recording) resetFlags(n int) {
	r.flagsMu.Lock()
	r.onLoan = make([]bool, n)
	r.released = make([]bool, n)
	r.exit = false
	r.flagsMu.Unlock()
	r.loans.Clear()
}

func (r *Recording) signalExit() {
	r.flagsMu.Lock()
	r.exit = true
	r.flagsCond.Broadcast()
	r.flagsMu.Unlock()
}

// OnVideoFrame is the driver's video delivery path. It only queues.
func (r *Recording) OnVideoFrame(desc hal.FrameDescriptor) {
	r.mu.Lock()
	pool, q, state := r.pool, r.queue, r.state
	r.mu.Unlock()

	if pool == nil || !pool.Owns(desc) {
		atomic.AddUint64(&r.dropped, 1)
		slog.Warn("session: frame for unknown video slot", "slot", desc.Index, "handle", desc.Handle)
		return
	}
	if err := pool.Transfer(desc.Index, bufferpool.OwnerProducer, bufferpool.OwnerConsumer); err != nil {
		atomic.AddUint64(&r.ownership, 1)
		slog.Error("session: video ownership violation", "slot", desc.Index, "error", err)
		return
	}
	pool.Stamp(desc.Index, desc.Timestamp)

	if state != RecordRunning {
		atomic.AddUint64(&r.dropped, 1)
		r.returnToDriver(pool, desc.Index)
		return
	}
	if err := q.Push(desc); err != nil {
		atomic.AddUint64(&r.dropped, 1)
		slog.Warn("session: video frame dropped", "slot", desc.Index, "error", err)
		r.returnToDriver(pool, desc.Index)
		return
	}
	atomic.AddUint64(&r.queued, 1)
}

// consumerLoop feeds the encoder until the queue is cancelled. On exit it
// releases the video pool.
func (r *Recording) consumerLoop(pool *bufferpool.Pool, q *framequeue.Queue, cfg RecordConfig) {
	defer r.consumerExited(pool)

	for {
		desc, ok := q.Pop()
		if !ok {
			return
		}
		if !r.lend(desc) {
			pool.Transfer(desc.Index, bufferpool.OwnerConsumer, bufferpool.OwnerFree)
			return
		}

		data := pool.Bytes(desc.Index)
		r.runTap(desc, data)
		cfg.Encode(desc, data)
		atomic.AddUint64(&r.encoded, 1)

		if cfg.OnRelease != nil {
			continue
		}
		if !r.awaitRelease(desc.Index) {
			return
		}
	}
}

func (r *Recording) consumerExited(pool *bufferpool.Pool) {
	if err := pool.Destroy(); err != nil {
		slog.Warn("session: video pool release failed", "error", err)
	}

	r.mu.Lock()
	if r.pool == pool {
		r.pool = nil
	}
	r.state = RecordStopped
	r.mu.Unlock()

	r.consumer.finish()
	slog.Info("session: recording stopped")
}

// lend marks the slot on loan. It returns false once Stop has begun.
func (r *Recording) lend(desc hal.FrameDescriptor) bool {
	r.flagsMu.Lock()
	if r.exit || desc.Index < 0 || desc.Index >= len(r.onLoan) {
		r.flagsMu.Unlock()
		return false
	}
	r.onLoan[desc.Index] = true
	r.released[desc.Index] = false
	r.flagsMu.Unlock()

	if err := r.loans.Lend(desc.Role, desc.Index); err != nil {
		slog.Error("session: loan tracking", "error", err)
	}
	return true
}

// awaitRelease blocks until slot i is released. It returns false if Stop
// woke it first.
func (r *Recording) awaitRelease(i int) bool {
	r.flagsMu.Lock()
	defer r.flagsMu.Unlock()

	for !r.released[i] && !r.exit {
		r.flagsCond.Wait()
	}
	if r.released[i] {
		r.released[i] = false
		return true
	}
	return false
}

// deliverShared is the preview record hook. It holds the preview slot until
// the encoder releases it, so the driver cannot overwrite it meanwhile.
func (r *Recording) deliverShared(desc hal.FrameDescriptor, data []byte) {
	r.mu.Lock()
	cfg, running := r.cfg, r.state == RecordRunning
	r.mu.Unlock()

	if !running || !r.lend(desc) {
		return
	}
	r.runTap(desc, data)
	cfg.Encode(desc, data)
	atomic.AddUint64(&r.encoded, 1)
	r.awaitRelease(desc.Index)
}

// Release returns a frame handed to the encoder.
//
// Algorithm:
//  1. Find the slot by index; it must be on loan
//  2. Clear "on loan", set "released", wake the consumer
//  3. Give the slot back to the driver and grant one reserve slot
func (r *Recording) Release(desc hal.FrameDescriptor) error {
	r.mu.Lock()
	pool, cfg := r.pool, r.cfg
	r.mu.Unlock()

	if !cfg.SharedPipeline && (pool == nil || !pool.Owns(desc)) {
		return fmt.Errorf("session: release of unknown video frame %d: %w", desc.Index, hal.ErrInvalidRequest)
	}

	r.flagsMu.Lock()
	i := desc.Index
	if i < 0 || i >= len(r.onLoan) || !r.onLoan[i] {
		r.flagsMu.Unlock()
		return fmt.Errorf("session: release of %s slot %d not on loan: %w", desc.Role, i, hal.ErrInvalidRequest)
	}
	r.onLoan[i] = false
	r.released[i] = true
	exit := r.exit
	r.flagsCond.Broadcast()
	r.flagsMu.Unlock()

	if err := r.loans.Return(desc.Role, i); err != nil {
		slog.Error("session: loan tracking", "error", err)
	}
	atomic.AddUint64(&r.releases, 1)

	if !cfg.SharedPipeline {
		if exit {
			pool.Transfer(i, bufferpool.OwnerConsumer, bufferpool.OwnerFree)
		} else {
			r.returnToDriver(pool, i)
			r.grantReserve(pool)
		}
	}

	if cfg.OnRelease != nil {
		cfg.OnRelease(desc)
	}
	return nil
}

func (r *Recording) returnToDriver(pool *bufferpool.Pool, i int) {
	if err := pool.Transfer(i, bufferpool.OwnerConsumer, bufferpool.OwnerProducer); err != nil {
		slog.Debug("session: video slot not returned", "slot", i, "error", err)
		return
	}
	desc, err := pool.Descriptor(i, pool.SlotTime(i))
	if err != nil {
		return
	}
	if err := r.drv.ReleaseFrame(desc); err != nil {
		slog.Warn("session: release video frame failed", "slot", i, "error", err)
	}
}

// grantReserve hands one Free slot to the driver, if any is left.
func (r *Recording) grantReserve(pool *bufferpool.Pool) {
	free := pool.SlotsOwnedBy(bufferpool.OwnerFree)
	if len(free) == 0 {
		return
	}
	i := free[0]
	if err := pool.Transfer(i, bufferpool.OwnerFree, bufferpool.OwnerProducer); err != nil {
		return
	}
	desc, err := pool.Descriptor(i, pool.SlotTime(i))
	if err != nil {
		return
	}
	if err := r.drv.ReleaseFrame(desc); err != nil {
		slog.Warn("session: grant video slot failed", "slot", i, "error", err)
		return
	}
	atomic.AddUint64(&r.granted, 1)
	slog.Debug("session: video slot granted", "slot", i, "remaining", len(free)-1)
}

// Stop ends recording. It does not join the consumer; the pool is released
// when the consumer exits. Idempotent.
//
// Algorithm:
//  1. Set the exit flag, cancel the queue, wake the consumer
//  2. Issue StopRecording
//  3. Flush queued frames back to Free
//  4. Reclaim slots still on loan
func (r *Recording) Stop() error {
	r.mu.Lock()
	if r.state != RecordRunning {
		r.mu.Unlock()
		return nil
	}
	r.state = RecordStopping
	pool, q, shared := r.pool, r.queue, r.cfg.SharedPipeline
	if shared {
		r.state = RecordStopped
	}
	r.mu.Unlock()

	r.signalExit()
	if shared {
		r.preview.SetRecordHook(nil)
	} else {
		q.Cancel()
	}

	stopErr := r.drv.StopRecording()
	if stopErr != nil {
		slog.Error("session: stop recording rejected by driver", "error", stopErr)
	}

	flushed := 0
	if !shared {
		flushed = q.Flush(func(desc hal.FrameDescriptor) {
			pool.Transfer(desc.Index, bufferpool.OwnerConsumer, bufferpool.OwnerFree)
		})
	}
	reclaimed := r.reclaim(pool)

	slog.Info("session: recording stopping", "flushed", flushed, "reclaimed", reclaimed)
	if stopErr != nil {
		return fmt.Errorf("session: stop recording: %w", wrapDriver(stopErr))
	}
	return nil
}

// reclaim takes back every slot still on loan. pool is nil in shared mode.
func (r *Recording) reclaim(pool *bufferpool.Pool) int {
	r.flagsMu.Lock()
	var idx []int
	for i, on := range r.onLoan {
		if on {
			r.onLoan[i] = false
			idx = append(idx, i)
		}
	}
	r.flagsCond.Broadcast()
	r.flagsMu.Unlock()

	role := hal.RoleVideo
	if pool == nil {
		role = hal.RolePreview
	}
	for _, i := range idx {
		r.loans.Return(role, i)
		if pool != nil {
			pool.Transfer(i, bufferpool.OwnerConsumer, bufferpool.OwnerFree)
		}
	}
	atomic.AddUint64(&r.reclaimed, uint64(len(idx)))
	return len(idx)
}

// WaitStopped blocks until the consumer goroutine has exited, or ctx is done.
func (r *Recording) WaitStopped(ctx context.Context) error {
	return r.consumer.wait(ctx)
}

// TapNext installs a one-shot observer for the next recorded frame.
func (r *Recording) TapNext(fn FrameTap) error {
	if !r.Running() {
		return fmt.Errorf("session: no recording to tap: %w", hal.ErrInvalidRequest)
	}
	r.tapMu.Lock()
	defer r.tapMu.Unlock()
	if r.tap != nil {
		return fmt.Errorf("session: recording tap busy: %w", hal.ErrInvalidRequest)
	}
	r.tap = fn
	return nil
}

// CancelTap removes a tap that has not fired yet.
func (r *Recording) CancelTap() {
	r.tapMu.Lock()
	r.tap = nil
	r.tapMu.Unlock()
}

func (r *Recording) runTap(desc hal.FrameDescriptor, data []byte) {
	r.tapMu.Lock()
	fn := r.tap
	r.tap = nil
	r.tapMu.Unlock()
	if fn != nil {
		fn(desc, data)
	}
}

// State returns the current state.
func (r *Recording) State() RecordState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Running reports whether recording is active.
func (r *Recording) Running() bool { return r.State() == RecordRunning }

// Config returns the active configuration.
func (r *Recording) Config() RecordConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Loans exposes the loan tracker.
func (r *Recording) Loans() *LoanTracker { return r.loans }

// Stats returns a snapshot of the counters.
func (r *Recording) Stats() RecordStats {
	r.mu.Lock()
	state, shared, q := r.state, r.cfg.SharedPipeline, r.queue
	r.mu.Unlock()

	return RecordStats{
		State:           state.String(),
		Shared:          shared,
		FramesQueued:    atomic.LoadUint64(&r.queued),
		FramesEncoded:   atomic.LoadUint64(&r.encoded),
		FramesReleased:  atomic.LoadUint64(&r.releases),
		FramesDropped:   atomic.LoadUint64(&r.dropped),
		ReservesGranted: atomic.LoadUint64(&r.granted),
		Reclaimed:       atomic.LoadUint64(&r.reclaimed),
		OwnershipErrors: atomic.LoadUint64(&r.ownership),
		Queue:           q.Stats(),
		Loans:           r.loans.Stats(),
	}
}
