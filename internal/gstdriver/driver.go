// Package gstdriver is a hal.Driver backed by GStreamer.
//
// Preview and video frames come from one live pipeline (v4l2src, or
// videotestsrc when no device is configured) split by a tee into two NV21
// appsink branches. Each sample is copied into the oldest writable slot the
// core registered for that role; when none is free the sample is dropped.
// Still captures run a short one-shot pipeline at picture size.
package gstdriver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/compositor"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/slottable"
)

const (
	defaultFPS             = 30
	defaultFrameTimeout    = 2 * time.Second
	defaultSnapshotTimeout = 5 * time.Second
	defaultSnapshotWarmup  = 2
	defaultFocusSettle     = 300 * time.Millisecond
	busPollInterval        = 50 * time.Millisecond
	closeTimeout           = 3 * time.Second
)

// Config configures the driver.
type Config struct {
	Device string // v4l2 device; empty selects videotestsrc
	FPS    int

	Preview Size
	Video   Size // zero disables the dedicated video branch

	FrameTimeout    time.Duration // no sample for this long reports a capture timeout
	SnapshotTimeout time.Duration
	SnapshotWarmup  int           // frames discarded before the still
	FocusSettle     time.Duration // simulated autofocus sweep
}

// Stats is a snapshot of driver counters.
type Stats struct {
	Frames       uint64
	VideoFrames  uint64
	Dropped      uint64
	Errors       uint64
	Timeouts     uint64
	Snapshots    uint64
	Registered   int
	Capturing    bool
	Recording    bool
	FreePreview  int
	FreeVideo    int
	LastFrameAge time.Duration
}

type captureRun struct {
	elems     *captureElements
	cancel    context.CancelFunc
	done      chan struct{}
	lastFrame atomic.Int64 // unix nanos
}

type snapshotRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Driver implements hal.Driver.
type Driver struct {
	cfg    Config
	slots  *slottable.Table
	thumbs *compositor.Compositor

	mu       sync.Mutex
	sink     hal.EventSink
	capture  *captureRun
	snapshot *snapshotRun
	afCancel chan struct{}
	controls map[string]string
	zoom     float64

	recording atomic.Bool

	frames      uint64 // atomic
	videoFrames uint64 // atomic
	dropped     uint64 // atomic
	errors      uint64 // atomic
	timeouts    uint64 // atomic
	snapshots   uint64 // atomic
}

// New creates an idle driver. No pipeline is built until StartCapture.
func New(cfg Config) *Driver {
	if cfg.FPS <= 0 {
		cfg.FPS = defaultFPS
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = defaultFrameTimeout
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = defaultSnapshotTimeout
	}
	if cfg.SnapshotWarmup <= 0 {
		cfg.SnapshotWarmup = defaultSnapshotWarmup
	}
	if cfg.FocusSettle <= 0 {
		cfg.FocusSettle = defaultFocusSettle
	}
	return &Driver{
		cfg:      cfg,
		slots:    slottable.New(),
		thumbs:   compositor.New(),
		controls: make(map[string]string),
		zoom:     1,
	}
}

// SetStreamSize changes the size of the preview or video branch. It takes
// effect on the next StartCapture.
func (d *Driver) SetStreamSize(role hal.Role, size Size) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch role {
	case hal.RolePreview:
		d.cfg.Preview = size
	case hal.RoleVideo:
		d.cfg.Video = size
	default:
		return fmt.Errorf("gstdriver: no stream for role %s: %w", role, hal.ErrInvalidRequest)
	}
	return nil
}

// SetEventSink implements hal.Driver.
func (d *Driver) SetEventSink(sink hal.EventSink) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

func (d *Driver) eventSink() hal.EventSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

// RegisterBuffer implements hal.Driver.
func (d *Driver) RegisterBuffer(b hal.Buffer, writable bool) error {
	return d.slots.Register(b, writable)
}

// UnregisterBuffer implements hal.Driver.
func (d *Driver) UnregisterBuffer(b hal.Buffer) error {
	return d.slots.Unregister(b)
}

// ReleaseFrame implements hal.Driver.
func (d *Driver) ReleaseFrame(desc hal.FrameDescriptor) error {
	return d.slots.Release(desc)
}

// StartCapture implements hal.Driver.
//
// Algorithm:
//  1. Reject if capture or a still capture is running
//  2. Build the pipeline, install the appsink callbacks
//  3. Set PLAYING
//  4. Launch the bus monitor; it owns teardown and OnCaptureStopped
func (d *Driver) StartCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture != nil {
		return fmt.Errorf("gstdriver: capture already running: %w", hal.ErrDriverRejected)
	}
	if d.snapshot != nil {
		return fmt.Errorf("gstdriver: still capture in progress: %w", hal.ErrDriverRejected)
	}
	if !d.cfg.Preview.valid() {
		return fmt.Errorf("gstdriver: preview size not set: %w", hal.ErrDriverRejected)
	}

	elems, err := createCapturePipeline(d.cfg.Device, d.cfg.Preview, d.cfg.Video, d.cfg.FPS)
	if err != nil {
		return fmt.Errorf("gstdriver: %v: %w", err, hal.ErrDriverRejected)
	}
	d.applyControls(elems.Source)

	ctx, cancel := context.WithCancel(context.Background())
	run := &captureRun{elems: elems, cancel: cancel, done: make(chan struct{})}
	run.lastFrame.Store(time.Now().UnixNano())

	elems.Preview.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return d.onSample(run, hal.RolePreview, sink)
		},
	})
	if elems.Video != nil {
		elems.Video.SetCallbacks(&app.SinkCallbacks{
			NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
				if !d.recording.Load() {
					// Pull to keep the branch flowing.
					sink.PullSample()
					return gst.FlowOK
				}
				return d.onSample(run, hal.RoleVideo, sink)
			},
		})
	}

	if err := elems.Pipeline.SetState(gst.StatePlaying); err != nil {
		cancel()
		_ = destroy(elems.Pipeline)
		return fmt.Errorf("gstdriver: failed to set pipeline to PLAYING: %v: %w", err, hal.ErrDriverRejected)
	}

	d.capture = run
	go d.monitorCapture(ctx, run)

	slog.Info("gstdriver: capture started",
		"device", d.cfg.Device,
		"preview", fmt.Sprintf("%dx%d", d.cfg.Preview.Width, d.cfg.Preview.Height),
		"video_branch", elems.Video != nil,
	)
	return nil
}

// StopCapture implements hal.Driver. It only signals the monitor.
func (d *Driver) StopCapture() error {
	d.mu.Lock()
	run := d.capture
	d.mu.Unlock()

	if run == nil {
		return nil
	}
	run.cancel()
	return nil
}

// onSample copies one appsink sample into a writable slot and delivers it.
// Runs on the GStreamer streaming thread.
func (d *Driver) onSample(run *captureRun, role hal.Role, sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}
	run.lastFrame.Store(time.Now().UnixNano())

	slot, ok := d.slots.Take(role)
	if !ok {
		atomic.AddUint64(&d.dropped, 1)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	n := copy(slot.Data, mapInfo.Bytes())
	buffer.Unmap()

	if n < slot.Size {
		slog.Debug("gstdriver: short sample", "role", role.String(), "bytes", n, "slot_size", slot.Size)
	}

	desc := hal.DescriptorFor(slot, time.Now())
	desc.TraceID = uuid.New().String()

	sinkEv := d.eventSink()
	if sinkEv == nil {
		_ = d.slots.Release(desc)
		return gst.FlowOK
	}
	if role == hal.RoleVideo {
		atomic.AddUint64(&d.videoFrames, 1)
		sinkEv.OnVideoFrame(desc)
	} else {
		atomic.AddUint64(&d.frames, 1)
		sinkEv.OnFrame(desc)
	}
	return gst.FlowOK
}

// monitorCapture watches the bus and the frame watchdog until the run is
// cancelled, then tears the pipeline down and reports OnCaptureStopped.
func (d *Driver) monitorCapture(ctx context.Context, run *captureRun) {
	defer close(run.done)

	bus := run.elems.Pipeline.GetPipelineBus()
	stalled := false

	for ctx.Err() == nil {
		if msg := bus.TimedPop(busPollInterval); msg != nil {
			d.handleBusMessage(run, msg)
		}

		age := time.Since(time.Unix(0, run.lastFrame.Load()))
		switch {
		case age > d.cfg.FrameTimeout && !stalled:
			stalled = true
			atomic.AddUint64(&d.timeouts, 1)
			slog.Warn("gstdriver: no frames from sensor", "since", age)
			d.reportError(hal.ErrorCaptureTimeout)
		case age <= d.cfg.FrameTimeout:
			stalled = false
		}
	}

	if err := destroy(run.elems.Pipeline); err != nil {
		slog.Warn("gstdriver: teardown", "error", err)
	}

	d.mu.Lock()
	if d.capture == run {
		d.capture = nil
	}
	d.mu.Unlock()
	d.recording.Store(false)

	slog.Info("gstdriver: capture stopped")
	if s := d.eventSink(); s != nil {
		s.OnCaptureStopped()
	}
}

func (d *Driver) handleBusMessage(run *captureRun, msg *gst.Message) {
	switch msg.Type() {
	case gst.MessageEOS:
		slog.Warn("gstdriver: end of stream on live capture")
		d.reportError(hal.ErrorCaptureTimeout)

	case gst.MessageError:
		gerr := msg.ParseError()
		kind := classify(gerr.Error(), gerr.DebugString())
		atomic.AddUint64(&d.errors, 1)
		slog.Error("gstdriver: pipeline error",
			"error", gerr.Error(),
			"debug", gerr.DebugString(),
			"kind", kind.String(),
		)
		d.reportError(kind)

	case gst.MessageStateChanged:
		if msg.Source() == run.elems.Pipeline.GetName() {
			oldState, newState := msg.ParseStateChanged()
			slog.Debug("gstdriver: pipeline state changed",
				"from", oldState,
				"to", newState,
			)
		}
	}
}

func (d *Driver) reportError(kind hal.ErrorKind) {
	if s := d.eventSink(); s != nil {
		s.OnError(kind)
	}
}

// StartRecording implements hal.Driver. Video samples are only delivered
// while recording; without a video branch the core records preview frames.
func (d *Driver) StartRecording() error {
	d.mu.Lock()
	running := d.capture != nil
	d.mu.Unlock()

	if !running {
		return fmt.Errorf("gstdriver: recording needs capture: %w", hal.ErrDriverRejected)
	}
	d.recording.Store(true)
	return nil
}

// StopRecording implements hal.Driver.
func (d *Driver) StopRecording() error {
	d.recording.Store(false)
	return nil
}

// StartSnapshot implements hal.Driver.
//
// Algorithm:
//  1. Reject while capture is running (the sensor is busy)
//  2. Build a one-shot pipeline emitting warmup+1 frames at picture size
//  3. Keep the last sample in req.Raw
//  4. Fill the thumbnail unless it already holds the postview
//  5. OnShutter, then OnSnapshotDone
func (d *Driver) StartSnapshot(req hal.SnapshotRequest) error {
	size := Size{Width: req.Width, Height: req.Height}
	if !size.valid() || len(req.Raw.Data) == 0 {
		return fmt.Errorf("gstdriver: snapshot %dx%d without raw buffer: %w", req.Width, req.Height, hal.ErrInvalidRequest)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture != nil {
		return fmt.Errorf("gstdriver: capture running: %w", hal.ErrDriverRejected)
	}
	if d.snapshot != nil {
		return fmt.Errorf("gstdriver: still capture in progress: %w", hal.ErrDriverRejected)
	}

	frames := d.cfg.SnapshotWarmup + 1
	elems, err := createSnapshotPipeline(d.cfg.Device, size, frames)
	if err != nil {
		return fmt.Errorf("gstdriver: %v: %w", err, hal.ErrDriverRejected)
	}

	var got atomic.Int32
	elems.Sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			sample := sink.PullSample()
			if sample == nil {
				return gst.FlowEOS
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowError
			}
			mapInfo := buffer.Map(gst.MapRead)
			copy(req.Raw.Data, mapInfo.Bytes())
			buffer.Unmap()
			got.Add(1)
			return gst.FlowOK
		},
	})

	if err := elems.Pipeline.SetState(gst.StatePlaying); err != nil {
		_ = destroy(elems.Pipeline)
		return fmt.Errorf("gstdriver: failed to start still pipeline: %v: %w", err, hal.ErrDriverRejected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SnapshotTimeout)
	run := &snapshotRun{cancel: cancel, done: make(chan struct{})}
	d.snapshot = run
	zoom := d.zoom

	go d.monitorSnapshot(ctx, run, elems, req, &got, zoom)
	return nil
}

func (d *Driver) monitorSnapshot(ctx context.Context, run *snapshotRun, elems *snapshotElements, req hal.SnapshotRequest, got *atomic.Int32, zoom float64) {
	defer close(run.done)
	defer run.cancel()

	err := waitEOS(ctx, elems)
	if derr := destroy(elems.Pipeline); derr != nil {
		slog.Warn("gstdriver: still teardown", "error", derr)
	}

	d.mu.Lock()
	if d.snapshot == run {
		d.snapshot = nil
	}
	d.mu.Unlock()

	if err == nil && got.Load() == 0 {
		err = fmt.Errorf("gstdriver: still pipeline produced no frame: %w", hal.ErrDriverRejected)
	}

	crop := hal.ZoomCrop(req.Width, req.Height, zoom)
	if err == nil && !req.Postview && len(req.Thumbnail.Data) > 0 && req.ThumbWidth > 0 && req.ThumbHeight > 0 {
		if terr := d.thumbs.Scale(req.Raw.Data, req.Width, req.Height, req.Thumbnail.Data, req.ThumbWidth, req.ThumbHeight); terr != nil {
			slog.Warn("gstdriver: thumbnail", "error", terr)
		}
	}

	sink := d.eventSink()
	if sink == nil {
		return
	}
	if err != nil {
		slog.Warn("gstdriver: still capture failed", "trace_id", req.TraceID, "error", err)
		sink.OnSnapshotDone(hal.SnapshotResult{Err: err})
		return
	}

	atomic.AddUint64(&d.snapshots, 1)
	slog.Info("gstdriver: still captured", "trace_id", req.TraceID, "width", req.Width, "height", req.Height)
	sink.OnShutter(crop)
	sink.OnSnapshotDone(hal.SnapshotResult{Crop: crop})
}

// waitEOS polls the bus until EOS, an error, or ctx ends.
func waitEOS(ctx context.Context, elems *snapshotElements) error {
	bus := elems.Pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return hal.ErrCancelled
			}
			return fmt.Errorf("gstdriver: still capture timed out: %w", hal.ErrDriverRejected)
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("gstdriver: still pipeline: %s: %w", gerr.Error(), hal.ErrDriverRejected)
		}
	}
}

// CancelSnapshot implements hal.Driver. The still capture finishes with
// ErrCancelled.
func (d *Driver) CancelSnapshot() error {
	d.mu.Lock()
	run := d.snapshot
	d.mu.Unlock()

	if run != nil {
		run.cancel()
	}
	return nil
}

// AutoFocus implements hal.Driver. Sensors behind v4l2src run continuous
// autofocus, so the call waits one settle interval.
func (d *Driver) AutoFocus(ctx context.Context) error {
	d.mu.Lock()
	if d.capture == nil {
		d.mu.Unlock()
		return fmt.Errorf("gstdriver: autofocus needs capture: %w", hal.ErrDriverRejected)
	}
	cancel := make(chan struct{})
	d.afCancel = cancel
	d.mu.Unlock()

	timer := time.NewTimer(d.cfg.FocusSettle)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-cancel:
		return hal.ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAutoFocus implements hal.Driver.
func (d *Driver) CancelAutoFocus() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.afCancel != nil {
		close(d.afCancel)
		d.afCancel = nil
	}
	return nil
}

// Parameters forwarded to v4l2src.
var sourceControls = map[string]bool{
	"brightness": true,
	"contrast":   true,
	"saturation": true,
	"hue":        true,
}

// SetControlParameter implements hal.Driver. "zoom" sets the digital zoom
// factor applied to stills; colour controls go to v4l2src.
func (d *Driver) SetControlParameter(id, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case id == "zoom":
		z, err := strconv.ParseFloat(value, 64)
		if err != nil || z < 1 || z > 8 {
			return fmt.Errorf("gstdriver: zoom %q out of range [1,8]: %w", value, hal.ErrDriverRejected)
		}
		d.zoom = z
	case sourceControls[id]:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("gstdriver: %s=%q is not an integer: %w", id, value, hal.ErrDriverRejected)
		}
		if d.cfg.Device == "" {
			return fmt.Errorf("gstdriver: %s needs a v4l2 device: %w", id, hal.ErrDriverRejected)
		}
	default:
		return fmt.Errorf("gstdriver: unknown parameter %q: %w", id, hal.ErrDriverRejected)
	}

	d.controls[id] = value
	if d.capture != nil {
		d.applyControls(d.capture.elems.Source)
	}
	return nil
}

// applyControls pushes stored v4l2 controls to src. Caller holds d.mu.
func (d *Driver) applyControls(src *gst.Element) {
	if d.cfg.Device == "" {
		return
	}
	for id, value := range d.controls {
		if !sourceControls[id] {
			continue
		}
		v, _ := strconv.Atoi(value)
		if err := src.SetProperty(id, v); err != nil {
			slog.Warn("gstdriver: control not applied", "id", id, "error", err)
		}
	}
}

// Reset implements hal.Driver. It waits for a stopping pipeline to release
// the device and clears the recording flag; StartCapture rebuilds from
// scratch.
func (d *Driver) Reset() error {
	d.mu.Lock()
	run := d.capture
	d.mu.Unlock()

	d.recording.Store(false)
	if run == nil {
		return nil
	}

	run.cancel()
	select {
	case <-run.done:
		slog.Info("gstdriver: sensor reset")
		return nil
	case <-time.After(closeTimeout):
		return fmt.Errorf("gstdriver: pipeline did not stop for reset: %w", hal.ErrDriverRejected)
	}
}

// Close implements hal.Driver. It stops every pipeline and waits up to
// three seconds for them to exit.
func (d *Driver) Close() error {
	d.mu.Lock()
	capture, snapshot := d.capture, d.snapshot
	d.mu.Unlock()

	_ = d.CancelAutoFocus()

	var waits []chan struct{}
	if capture != nil {
		capture.cancel()
		waits = append(waits, capture.done)
	}
	if snapshot != nil {
		snapshot.cancel()
		waits = append(waits, snapshot.done)
	}

	deadline := time.After(closeTimeout)
	for _, done := range waits {
		select {
		case <-done:
		case <-deadline:
			slog.Warn("gstdriver: close timeout, pipelines may still be running")
			return fmt.Errorf("gstdriver: close timed out: %w", hal.ErrDriverRejected)
		}
	}

	slog.Info("gstdriver: closed",
		"frames", atomic.LoadUint64(&d.frames),
		"dropped", atomic.LoadUint64(&d.dropped),
	)
	return nil
}

// Stats returns a snapshot of the counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	run := d.capture
	d.mu.Unlock()

	s := Stats{
		Frames:      atomic.LoadUint64(&d.frames),
		VideoFrames: atomic.LoadUint64(&d.videoFrames),
		Dropped:     atomic.LoadUint64(&d.dropped),
		Errors:      atomic.LoadUint64(&d.errors),
		Timeouts:    atomic.LoadUint64(&d.timeouts),
		Snapshots:   atomic.LoadUint64(&d.snapshots),
		Registered:  d.slots.Registered(),
		Capturing:   run != nil,
		Recording:   d.recording.Load(),
		FreePreview: d.slots.Writable(hal.RolePreview),
		FreeVideo:   d.slots.Writable(hal.RoleVideo),
	}
	if run != nil {
		s.LastFrameAge = time.Since(time.Unix(0, run.lastFrame.Load()))
	}
	return s
}

var _ hal.Driver = (*Driver)(nil)
