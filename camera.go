package cameracore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/bufferpool"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/recovery"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/session"
)

// Options configures a camera instance.
type Options struct {
	// Driver is the sensor driver (required). The camera closes it on release.
	Driver Driver

	// Encoder compresses still images. Without one TakePicture fails with
	// ErrInvalidRequest.
	Encoder Encoder

	// Compositor performs preview crop blits. Optional.
	Compositor Compositor

	// Allocator backs every pool (default: HeapAllocator).
	Allocator Allocator

	// Callbacks are the initial host hooks. They can be replaced with
	// SetCallbacks at any time.
	Callbacks *Callbacks

	// Escalation is used when the camera is created without a Manager.
	Escalation EscalationConfig
}

// Stats aggregates the counters of every session.
type Stats struct {
	Preview         PreviewStats
	Recording       RecordStats
	Picture         PictureStats
	Focus           FocusStats
	Escalation      EscalationStats
	CaptureTimeouts uint64
	DriverFaults    uint64
	Released        bool
}

// Camera is one acquired camera instance.
//
// opMu serialises every operation that starts or stops a session, so state
// checks that span two sessions (recording needs a running preview, a still
// capture stops preview only while not recording) cannot interleave. Driver
// callbacks never take it.
type Camera struct {
	drv       Driver
	callbacks atomic.Pointer[hal.Callbacks]
	escalator *recovery.Escalator

	opMu sync.Mutex

	preview   *session.Preview
	recording *session.Recording
	snapshot  *session.Snapshot
	focus     *session.Autofocus

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	released    bool
	lastPreview PreviewConfig
	hasPreview  bool

	previewCallback atomic.Bool
	timeouts        uint64
	faults          uint64
}

// NewCamera builds a standalone camera. Most hosts go through
// Manager.Acquire instead, which enforces a single live instance.
func NewCamera(opts Options) (*Camera, error) {
	return newCamera(opts, recovery.New(opts.Escalation))
}

func newCamera(opts Options, esc *recovery.Escalator) (*Camera, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("camera-core: no driver: %w", ErrInvalidRequest)
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = bufferpool.NewHeapRegion
	}

	c := &Camera{drv: opts.Driver, escalator: esc}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.callbacks.Store(opts.Callbacks)

	host := cameraHost{c}
	c.preview = session.NewPreview(opts.Driver, alloc, opts.Compositor)
	c.recording = session.NewRecording(opts.Driver, alloc, c.preview)
	c.snapshot = session.NewSnapshot(opts.Driver, alloc, opts.Encoder, c.preview, c.recording, host)
	c.focus = session.NewAutofocus(opts.Driver, host)

	c.preview.Dispatcher().Subscribe("host", func(desc hal.FrameDescriptor, data []byte) {
		if c.previewCallback.Load() {
			host.Data(hal.MsgPreviewFrame, data, &desc)
		}
	})

	opts.Driver.SetEventSink(&session.Router{
		Preview:   c.preview,
		Recording: c.recording,
		Snapshot:  c.snapshot,
		Delivered: esc.Succeeded,
		Shutter:   c.onShutter,
		Error:     c.onError,
	})

	slog.Info("camera-core: camera created")
	return c, nil
}

// cameraHost routes session output to the current host callbacks.
type cameraHost struct{ c *Camera }

func (h cameraHost) Notify(msg hal.Msg, ext1, ext2 int32) {
	h.c.callbacks.Load().EmitNotify(msg, ext1, ext2)
}

func (h cameraHost) Data(msg hal.Msg, data []byte, desc *hal.FrameDescriptor) {
	h.c.callbacks.Load().EmitData(msg, data, desc)
}

func (h cameraHost) DataTimestamp(ts time.Time, msg hal.Msg, desc hal.FrameDescriptor, data []byte) {
	h.c.callbacks.Load().EmitDataTimestamp(ts, msg, desc, data)
}

// SetCallbacks replaces the host hooks. nil disables every callback.
func (c *Camera) SetCallbacks(cb *Callbacks) {
	c.callbacks.Store(cb)
}

// SetPreviewCallback enables or disables MsgPreviewFrame data callbacks.
func (c *Camera) SetPreviewCallback(on bool) {
	c.previewCallback.Store(on)
}

func (c *Camera) checkAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return fmt.Errorf("camera-core: camera released: %w", ErrInvalidRequest)
	}
	return nil
}

// StartPreview starts the preview stream. Starting a running preview is a
// no-op.
func (c *Camera) StartPreview(ctx context.Context, cfg PreviewConfig) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := c.preview.Start(ctx, cfg); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastPreview = c.preview.Config()
	c.hasPreview = true
	c.mu.Unlock()
	return nil
}

// StopPreview stops recording (if any) and preview, and waits until the
// preview pool is released.
func (c *Camera) StopPreview(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := c.stopRecording(ctx); err != nil {
		return err
	}
	if err := c.preview.Stop(); err != nil {
		return err
	}
	return c.preview.WaitStopped(ctx)
}

// PreviewConfig returns the configuration of the current or last preview.
func (c *Camera) PreviewConfig() PreviewConfig { return c.preview.Config() }

// PreviewRunning reports whether preview frames are flowing.
func (c *Camera) PreviewRunning() bool { return c.preview.Running() }

// Subscribe registers an in-process preview consumer.
func (c *Camera) Subscribe(id string, fn FrameConsumer) error {
	return c.preview.Dispatcher().Subscribe(id, fn)
}

// Unsubscribe removes a preview consumer.
func (c *Camera) Unsubscribe(id string) error {
	return c.preview.Dispatcher().Unsubscribe(id)
}

// StartRecording starts recording. With no Encode function set, frames are
// delivered to the host as MsgVideoFrame timestamped data and must be
// returned with ReleaseRecordingFrame.
func (c *Camera) StartRecording(ctx context.Context, cfg RecordConfig) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if cfg.Encode == nil {
		host := cameraHost{c}
		cfg.Encode = func(desc hal.FrameDescriptor, data []byte) {
			host.DataTimestamp(desc.Timestamp, hal.MsgVideoFrame, desc, data)
		}
	}
	return c.recording.Start(ctx, cfg)
}

// StopRecording stops recording and waits for the consumer to exit.
func (c *Camera) StopRecording(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopRecording(ctx)
}

func (c *Camera) stopRecording(ctx context.Context) error {
	if err := c.recording.Stop(); err != nil {
		return err
	}
	return c.recording.WaitStopped(ctx)
}

// RecordingRunning reports whether recording is active.
func (c *Camera) RecordingRunning() bool { return c.recording.Running() }

// ReleaseRecordingFrame returns a recorded frame to the pipeline.
func (c *Camera) ReleaseRecordingFrame(desc FrameDescriptor) error {
	return c.recording.Release(desc)
}

// TakePicture captures a still image. While recording, the next recorded
// frame is encoded instead and preview keeps running. Otherwise preview is
// stopped and must be restarted by the host once the image is delivered.
func (c *Camera) TakePicture(ctx context.Context, cfg PictureConfig) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if c.recording.Running() {
		return c.snapshot.TakeLiveshot(ctx, cfg)
	}
	return c.snapshot.TakePicture(ctx, cfg)
}

// CancelPicture aborts a still capture whose data has not been produced.
func (c *Camera) CancelPicture(ctx context.Context) error {
	return c.snapshot.CancelPicture(ctx)
}

// WaitPicture blocks until no still capture is in flight.
func (c *Camera) WaitPicture(ctx context.Context) error {
	return c.snapshot.Wait(ctx)
}

// AutoFocus starts a focus sweep; the result arrives as MsgFocus. The sweep
// lives as long as the camera, not ctx.
func (c *Camera) AutoFocus(ctx context.Context) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	return c.focus.Start(c.ctx)
}

// CancelAutoFocus aborts a running focus sweep.
func (c *Camera) CancelAutoFocus() error {
	return c.focus.Cancel()
}

// SetParameter forwards a control parameter to the driver.
func (c *Camera) SetParameter(id, value string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := c.drv.SetControlParameter(id, value); err != nil {
		slog.Warn("camera-core: parameter rejected", "id", id, "value", value, "error", err)
		if errors.Is(err, ErrDriverRejected) {
			return err
		}
		return fmt.Errorf("camera-core: set %s: %v: %w", id, err, ErrDriverRejected)
	}
	slog.Debug("camera-core: parameter set", "id", id, "value", value)
	return nil
}

func (c *Camera) onShutter(crop hal.CropInfo) {
	cameraHost{c}.Notify(hal.MsgShutter, int32(crop.OutWidth), int32(crop.OutHeight))
}

// onError handles asynchronous driver faults. Capture timeouts go through
// the process-wide escalator; anything else is reported at once.
func (c *Camera) onError(kind hal.ErrorKind) {
	host := cameraHost{c}

	switch kind {
	case hal.ErrorCaptureTimeout:
		atomic.AddUint64(&c.timeouts, 1)
		action := c.escalator.Report(c.recoverCapture, func(failures int) {
			host.Notify(hal.MsgError, hal.ErrorCodeCaptureHang, int32(failures))
		})
		slog.Warn("camera-core: capture timeout", "action", action.String())
	default:
		atomic.AddUint64(&c.faults, 1)
		slog.Error("camera-core: driver fault", "kind", kind.String())
		host.Notify(hal.MsgError, hal.ErrorCodeServerDied, 0)
	}
}

// recoverCapture restarts a hung preview: stop, reset the sensor, start
// again with the last configuration. It gives up as soon as the camera is
// released.
func (c *Camera) recoverCapture(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.ctx, cancel)()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	cfg, ok, released := c.lastPreview, c.hasPreview, c.released
	c.mu.Unlock()
	if released {
		return fmt.Errorf("camera-core: camera released: %w", ErrInvalidRequest)
	}

	if err := c.preview.Stop(); err != nil {
		return err
	}
	if err := c.preview.WaitStopped(ctx); err != nil {
		return err
	}
	if err := c.drv.Reset(); err != nil {
		return fmt.Errorf("camera-core: sensor reset: %w", err)
	}
	if !ok {
		return nil
	}
	return c.preview.Start(ctx, cfg)
}

// Stats returns a snapshot of every session's counters.
func (c *Camera) Stats() Stats {
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()

	return Stats{
		Preview:         c.preview.Stats(),
		Recording:       c.recording.Stats(),
		Picture:         c.snapshot.Stats(),
		Focus:           c.focus.Stats(),
		Escalation:      c.escalator.Stats(),
		CaptureTimeouts: atomic.LoadUint64(&c.timeouts),
		DriverFaults:    atomic.LoadUint64(&c.faults),
		Released:        released,
	}
}

// Close tears down a camera created with NewCamera. Cameras obtained from a
// Manager are released through Manager.Release.
func (c *Camera) Close(ctx context.Context) error {
	err := c.teardown(ctx)
	c.escalator.Reset()
	return err
}

// teardown stops every session in dependency order and closes the driver.
//
// Algorithm:
//  1. Mark released; cancel the instance context, which aborts a recovery
//     in flight, then take the operation lock
//  2. Stop recording and wait for its consumer
//  3. Cancel any picture and wait for its worker
//  4. Cancel autofocus
//  5. Stop preview and wait for the capture goroutine
//  6. Close the driver
func (c *Camera) teardown(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	c.mu.Unlock()
	c.cancel()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	var errs []error
	if err := c.recording.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := c.recording.WaitStopped(ctx); err != nil {
		errs = append(errs, fmt.Errorf("camera-core: recording teardown: %w", err))
	}

	if err := c.snapshot.CancelPicture(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.snapshot.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("camera-core: picture teardown: %w", err))
	}

	if err := c.focus.Cancel(); err != nil {
		errs = append(errs, err)
	}

	if err := c.preview.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := c.preview.WaitStopped(ctx); err != nil {
		errs = append(errs, fmt.Errorf("camera-core: preview teardown: %w", err))
	}
	c.preview.Dispatcher().Close()

	if err := c.drv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("camera-core: close driver: %w", err))
	}

	slog.Info("camera-core: camera released", "errors", len(errs))
	return errors.Join(errs...)
}
