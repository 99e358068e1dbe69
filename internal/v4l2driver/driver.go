// Package v4l2driver is a hal.Driver that talks to a V4L2 device directly.
//
// The device streams YUYV at preview size through mmap'd kernel buffers;
// each frame is converted to NV21 into the oldest writable slot the core
// registered. There is one stream per device, so recording copies preview
// frames into video slots and a still capture reopens the device at
// picture size while capture is stopped.
package v4l2driver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackjack/webcam"
	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/compositor"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/slottable"
)

// V4L2_PIX_FMT_YUYV
const pixelFormatYUYV webcam.PixelFormat = 0x56595559

const (
	defaultDevice         = "/dev/video0"
	defaultBuffers        = 4
	defaultFrameTimeout   = 2 * time.Second
	defaultSnapshotWarmup = 2
	defaultFocusSettle    = 300 * time.Millisecond
	waitSeconds           = 1
	closeTimeout          = 3 * time.Second
)

// Size is a frame size in pixels.
type Size struct {
	Width, Height int
}

func (s Size) valid() bool {
	return s.Width > 0 && s.Height > 0 && s.Width%2 == 0 && s.Height%2 == 0
}

// Config configures the driver.
type Config struct {
	Device  string
	Preview Size
	Buffers uint32 // kernel mmap buffers

	FrameTimeout   time.Duration // no frame for this long reports a capture timeout
	SnapshotWarmup int           // frames discarded before the still
	FocusSettle    time.Duration
}

// Stats is a snapshot of driver counters.
type Stats struct {
	Frames      uint64
	VideoFrames uint64
	Dropped     uint64
	Errors      uint64
	Timeouts    uint64
	Snapshots   uint64
	Registered  int
	Capturing   bool
	Recording   bool
	FreePreview int
	FreeVideo   int
}

// device is the part of *webcam.Webcam the driver uses.
type device interface {
	SetImageFormat(f webcam.PixelFormat, width, height uint32) (webcam.PixelFormat, uint32, uint32, error)
	SetBufferCount(count uint32) error
	StartStreaming() error
	WaitForFrame(timeout uint32) error
	GetFrame() ([]byte, uint32, error)
	ReleaseFrame(index uint32) error
	StopStreaming() error
	GetControls() map[webcam.ControlID]webcam.Control
	SetControl(id webcam.ControlID, value int32) error
	Close() error
}

func openWebcam(path string) (device, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, err
	}
	return cam, nil
}

type run struct {
	dev    device
	size   Size
	cancel context.CancelFunc
	done   chan struct{}
}

// Driver implements hal.Driver.
type Driver struct {
	cfg    Config
	open   func(path string) (device, error)
	slots  *slottable.Table
	thumbs *compositor.Compositor

	mu       sync.Mutex
	sink     hal.EventSink
	capture  *run
	snapshot *run
	afCancel chan struct{}
	controls map[string]int32
	zoom     float64

	recording atomic.Bool

	frames      uint64 // atomic
	videoFrames uint64 // atomic
	dropped     uint64 // atomic
	errors      uint64 // atomic
	timeouts    uint64 // atomic
	snapshots   uint64 // atomic
}

// New creates an idle driver. The device is opened on StartCapture.
func New(cfg Config) *Driver {
	if cfg.Device == "" {
		cfg.Device = defaultDevice
	}
	if cfg.Buffers == 0 {
		cfg.Buffers = defaultBuffers
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = defaultFrameTimeout
	}
	if cfg.SnapshotWarmup <= 0 {
		cfg.SnapshotWarmup = defaultSnapshotWarmup
	}
	if cfg.FocusSettle <= 0 {
		cfg.FocusSettle = defaultFocusSettle
	}
	return &Driver{
		cfg:      cfg,
		open:     openWebcam,
		slots:    slottable.New(),
		thumbs:   compositor.New(),
		controls: make(map[string]int32),
		zoom:     1,
	}
}

// SetStreamSize changes the preview size used by the next StartCapture.
// Video frames are copies of preview frames, so only the preview role has
// a size of its own.
func (d *Driver) SetStreamSize(role hal.Role, size Size) error {
	if role != hal.RolePreview {
		return fmt.Errorf("v4l2driver: no stream for role %s: %w", role, hal.ErrInvalidRequest)
	}
	d.mu.Lock()
	d.cfg.Preview = size
	d.mu.Unlock()
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

// openStream opens the device, negotiates YUYV at size and starts
// streaming. Caller holds d.mu.
func (d *Driver) openStream(size Size) (device, error) {
	dev, err := d.open(d.cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("v4l2driver: open %s: %v: %w", d.cfg.Device, err, hal.ErrDriverRejected)
	}

	pf, w, h, err := dev.SetImageFormat(pixelFormatYUYV, uint32(size.Width), uint32(size.Height))
	if err == nil && (pf != pixelFormatYUYV || int(w) != size.Width || int(h) != size.Height) {
		err = fmt.Errorf("device offers format %#x at %dx%d for YUYV %dx%d", uint32(pf), w, h, size.Width, size.Height)
	}
	if err == nil {
		err = dev.SetBufferCount(d.cfg.Buffers)
	}
	if err == nil {
		d.applyControls(dev)
		err = dev.StartStreaming()
	}
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("v4l2driver: %s: %v: %w", d.cfg.Device, err, hal.ErrDriverRejected)
	}
	return dev, nil
}

func closeStream(dev device) {
	if err := dev.StopStreaming(); err != nil {
		slog.Debug("v4l2driver: stop streaming", "error", err)
	}
	if err := dev.Close(); err != nil {
		slog.Warn("v4l2driver: close device", "error", err)
	}
}

// StartCapture implements hal.Driver.
//
// Algorithm:
//  1. Reject if capture or a still capture is running
//  2. Open the device and stream YUYV at preview size
//  3. Launch the read loop; it owns teardown and OnCaptureStopped
func (d *Driver) StartCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture != nil {
		return fmt.Errorf("v4l2driver: capture already running: %w", hal.ErrDriverRejected)
	}
	if d.snapshot != nil {
		return fmt.Errorf("v4l2driver: still capture in progress: %w", hal.ErrDriverRejected)
	}
	if !d.cfg.Preview.valid() {
		return fmt.Errorf("v4l2driver: preview size not set: %w", hal.ErrDriverRejected)
	}

	dev, err := d.openStream(d.cfg.Preview)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{dev: dev, size: d.cfg.Preview, cancel: cancel, done: make(chan struct{})}
	d.capture = r
	go d.readLoop(ctx, r)

	slog.Info("v4l2driver: capture started",
		"device", d.cfg.Device,
		"preview", fmt.Sprintf("%dx%d", r.size.Width, r.size.Height),
	)
	return nil
}

// StopCapture implements hal.Driver. It only signals the read loop.
func (d *Driver) StopCapture() error {
	d.mu.Lock()
	r := d.capture
	d.mu.Unlock()

	if r != nil {
		r.cancel()
	}
	return nil
}

// readLoop dequeues frames until the run is cancelled. A device error ends
// reading; the loop then waits for StopCapture or Reset to tear down.
func (d *Driver) readLoop(ctx context.Context, r *run) {
	defer close(r.done)

	lastFrame := time.Now()
	stalled := false

read:
	for ctx.Err() == nil {
		err := r.dev.WaitForFrame(waitSeconds)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			if age := time.Since(lastFrame); age > d.cfg.FrameTimeout && !stalled {
				stalled = true
				atomic.AddUint64(&d.timeouts, 1)
				slog.Warn("v4l2driver: no frames from sensor", "since", age)
				d.reportError(hal.ErrorCaptureTimeout)
			}
			continue
		default:
			d.fault("wait for frame", err)
			break read
		}

		frame, index, err := r.dev.GetFrame()
		if err != nil {
			d.fault("dequeue frame", err)
			break read
		}
		lastFrame, stalled = time.Now(), false

		if len(frame) > 0 {
			d.deliver(r, hal.RolePreview, frame)
			if d.recording.Load() {
				d.deliver(r, hal.RoleVideo, frame)
			}
		}
		if err := r.dev.ReleaseFrame(index); err != nil {
			d.fault("requeue frame", err)
			break read
		}
	}

	<-ctx.Done()
	closeStream(r.dev)

	d.mu.Lock()
	if d.capture == r {
		d.capture = nil
	}
	d.mu.Unlock()
	d.recording.Store(false)

	slog.Info("v4l2driver: capture stopped")
	if s := d.eventSink(); s != nil {
		s.OnCaptureStopped()
	}
}

func (d *Driver) fault(op string, err error) {
	atomic.AddUint64(&d.errors, 1)
	slog.Error("v4l2driver: device error", "op", op, "error", err)
	d.reportError(hal.ErrorDriverFault)
}

func (d *Driver) reportError(kind hal.ErrorKind) {
	if s := d.eventSink(); s != nil {
		s.OnError(kind)
	}
}

// deliver converts one YUYV frame into a writable slot of role.
func (d *Driver) deliver(r *run, role hal.Role, frame []byte) {
	slot, ok := d.slots.Take(role)
	if !ok {
		atomic.AddUint64(&d.dropped, 1)
		return
	}

	desc := hal.DescriptorFor(slot, time.Now())
	if err := yuyvToNV21(frame, r.size.Width, r.size.Height, slot.Data); err != nil {
		slog.Debug("v4l2driver: frame not converted", "role", role.String(), "error", err)
		atomic.AddUint64(&d.dropped, 1)
		_ = d.slots.Release(desc)
		return
	}
	desc.TraceID = uuid.New().String()

	sink := d.eventSink()
	if sink == nil {
		_ = d.slots.Release(desc)
		return
	}
	if role == hal.RoleVideo {
		atomic.AddUint64(&d.videoFrames, 1)
		sink.OnVideoFrame(desc)
	} else {
		atomic.AddUint64(&d.frames, 1)
		sink.OnFrame(desc)
	}
}

// StartRecording implements hal.Driver.
func (d *Driver) StartRecording() error {
	d.mu.Lock()
	running := d.capture != nil
	d.mu.Unlock()

	if !running {
		return fmt.Errorf("v4l2driver: recording needs capture: %w", hal.ErrDriverRejected)
	}
	d.recording.Store(true)
	return nil
}

// StopRecording implements hal.Driver.
func (d *Driver) StopRecording() error {
	d.recording.Store(false)
	return nil
}

// StartSnapshot implements hal.Driver. The device is opened at picture size
// before returning; the frames are read asynchronously.
func (d *Driver) StartSnapshot(req hal.SnapshotRequest) error {
	size := Size{Width: req.Width, Height: req.Height}
	if !size.valid() || len(req.Raw.Data) < size.Width*size.Height*3/2 {
		return fmt.Errorf("v4l2driver: snapshot %dx%d without raw buffer: %w", req.Width, req.Height, hal.ErrInvalidRequest)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture != nil {
		return fmt.Errorf("v4l2driver: capture running: %w", hal.ErrDriverRejected)
	}
	if d.snapshot != nil {
		return fmt.Errorf("v4l2driver: still capture in progress: %w", hal.ErrDriverRejected)
	}

	dev, err := d.openStream(size)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{dev: dev, size: size, cancel: cancel, done: make(chan struct{})}
	d.snapshot = r
	go d.runSnapshot(ctx, r, req, d.zoom)
	return nil
}

func (d *Driver) runSnapshot(ctx context.Context, r *run, req hal.SnapshotRequest, zoom float64) {
	defer close(r.done)
	defer r.cancel()

	err := d.readStill(ctx, r, req.Raw.Data)
	closeStream(r.dev)

	d.mu.Lock()
	if d.snapshot == r {
		d.snapshot = nil
	}
	d.mu.Unlock()

	if err == nil && !req.Postview && len(req.Thumbnail.Data) > 0 && req.ThumbWidth > 0 && req.ThumbHeight > 0 {
		if terr := d.thumbs.Scale(req.Raw.Data, req.Width, req.Height, req.Thumbnail.Data, req.ThumbWidth, req.ThumbHeight); terr != nil {
			slog.Warn("v4l2driver: thumbnail", "error", terr)
		}
	}

	sink := d.eventSink()
	if sink == nil {
		return
	}
	if err != nil {
		slog.Warn("v4l2driver: still capture failed", "trace_id", req.TraceID, "error", err)
		sink.OnSnapshotDone(hal.SnapshotResult{Err: err})
		return
	}

	crop := hal.ZoomCrop(req.Width, req.Height, zoom)
	atomic.AddUint64(&d.snapshots, 1)
	slog.Info("v4l2driver: still captured", "trace_id", req.TraceID, "width", req.Width, "height", req.Height)
	sink.OnShutter(crop)
	sink.OnSnapshotDone(hal.SnapshotResult{Crop: crop})
}

// readStill discards the warmup frames and converts the next one into raw.
func (d *Driver) readStill(ctx context.Context, r *run, raw []byte) error {
	deadline := time.Now().Add(d.cfg.FrameTimeout * time.Duration(d.cfg.SnapshotWarmup+1))

	for n := 0; n <= d.cfg.SnapshotWarmup; {
		if ctx.Err() != nil {
			return hal.ErrCancelled
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("v4l2driver: still capture timed out: %w", hal.ErrDriverRejected)
		}

		err := r.dev.WaitForFrame(waitSeconds)
		if _, timeout := err.(*webcam.Timeout); timeout {
			continue
		}
		if err != nil {
			return fmt.Errorf("v4l2driver: still capture: %v: %w", err, hal.ErrDriverRejected)
		}

		frame, index, err := r.dev.GetFrame()
		if err != nil {
			return fmt.Errorf("v4l2driver: still capture: %v: %w", err, hal.ErrDriverRejected)
		}
		if len(frame) == 0 {
			_ = r.dev.ReleaseFrame(index)
			continue
		}
		if n == d.cfg.SnapshotWarmup {
			err = yuyvToNV21(frame, r.size.Width, r.size.Height, raw)
		}
		_ = r.dev.ReleaseFrame(index)
		if err != nil {
			return err
		}
		n++
	}
	return nil
}

// CancelSnapshot implements hal.Driver. The still capture finishes with
// ErrCancelled.
func (d *Driver) CancelSnapshot() error {
	d.mu.Lock()
	r := d.snapshot
	d.mu.Unlock()

	if r != nil {
		r.cancel()
	}
	return nil
}

// AutoFocus implements hal.Driver. UVC sensors focus continuously; the call
// waits one settle interval.
func (d *Driver) AutoFocus(ctx context.Context) error {
	d.mu.Lock()
	if d.capture == nil {
		d.mu.Unlock()
		return fmt.Errorf("v4l2driver: autofocus needs capture: %w", hal.ErrDriverRejected)
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

// controlKey folds a V4L2 control name ("White Balance Temperature") and a
// parameter id ("white_balance_temperature") to the same key.
func controlKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

func findControl(dev device, id string) (webcam.ControlID, webcam.Control, bool) {
	key := controlKey(id)
	for cid, c := range dev.GetControls() {
		if controlKey(c.Name) == key {
			return cid, c, true
		}
	}
	return 0, webcam.Control{}, false
}

// SetControlParameter implements hal.Driver. "zoom" sets the digital zoom
// applied to stills; any other id names a V4L2 control of the device. While
// capturing, the control is checked against the device and applied at once.
func (d *Driver) SetControlParameter(id, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id == "zoom" {
		z, err := strconv.ParseFloat(value, 64)
		if err != nil || z < 1 || z > 8 {
			return fmt.Errorf("v4l2driver: zoom %q out of range [1,8]: %w", value, hal.ErrDriverRejected)
		}
		d.zoom = z
		return nil
	}

	v, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return fmt.Errorf("v4l2driver: %s=%q is not an integer: %w", id, value, hal.ErrDriverRejected)
	}

	if d.capture != nil {
		dev := d.capture.dev
		cid, c, ok := findControl(dev, id)
		if !ok {
			return fmt.Errorf("v4l2driver: device has no control %q: %w", id, hal.ErrDriverRejected)
		}
		if int32(v) < c.Min || int32(v) > c.Max {
			return fmt.Errorf("v4l2driver: %s=%d outside [%d,%d]: %w", id, v, c.Min, c.Max, hal.ErrDriverRejected)
		}
		if err := dev.SetControl(cid, int32(v)); err != nil {
			return fmt.Errorf("v4l2driver: set %s: %v: %w", id, err, hal.ErrDriverRejected)
		}
	}
	d.controls[controlKey(id)] = int32(v)
	return nil
}

// applyControls pushes stored controls to a freshly opened device. Caller
// holds d.mu.
func (d *Driver) applyControls(dev device) {
	for id, v := range d.controls {
		cid, _, ok := findControl(dev, id)
		if !ok {
			slog.Warn("v4l2driver: control not supported by device", "id", id)
			continue
		}
		if err := dev.SetControl(cid, v); err != nil {
			slog.Warn("v4l2driver: control not applied", "id", id, "error", err)
		}
	}
}

// Reset implements hal.Driver. It closes the device so the next
// StartCapture reopens it.
func (d *Driver) Reset() error {
	d.mu.Lock()
	r := d.capture
	d.mu.Unlock()

	d.recording.Store(false)
	if r == nil {
		return nil
	}

	r.cancel()
	select {
	case <-r.done:
		slog.Info("v4l2driver: sensor reset")
		return nil
	case <-time.After(closeTimeout):
		return fmt.Errorf("v4l2driver: read loop did not stop for reset: %w", hal.ErrDriverRejected)
	}
}

// Close implements hal.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	capture, snapshot := d.capture, d.snapshot
	d.mu.Unlock()

	_ = d.CancelAutoFocus()

	var waits []chan struct{}
	for _, r := range []*run{capture, snapshot} {
		if r != nil {
			r.cancel()
			waits = append(waits, r.done)
		}
	}

	deadline := time.After(closeTimeout)
	for _, done := range waits {
		select {
		case <-done:
		case <-deadline:
			return fmt.Errorf("v4l2driver: close timed out: %w", hal.ErrDriverRejected)
		}
	}

	slog.Info("v4l2driver: closed",
		"frames", atomic.LoadUint64(&d.frames),
		"dropped", atomic.LoadUint64(&d.dropped),
	)
	return nil
}

// Stats returns a snapshot of the counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	capturing := d.capture != nil
	d.mu.Unlock()

	return Stats{
		Frames:      atomic.LoadUint64(&d.frames),
		VideoFrames: atomic.LoadUint64(&d.videoFrames),
		Dropped:     atomic.LoadUint64(&d.dropped),
		Errors:      atomic.LoadUint64(&d.errors),
		Timeouts:    atomic.LoadUint64(&d.timeouts),
		Snapshots:   atomic.LoadUint64(&d.snapshots),
		Registered:  d.slots.Registered(),
		Capturing:   capturing,
		Recording:   d.recording.Load(),
		FreePreview: d.slots.Writable(hal.RolePreview),
		FreeVideo:   d.slots.Writable(hal.RoleVideo),
	}
}

var _ hal.Driver = (*Driver)(nil)
