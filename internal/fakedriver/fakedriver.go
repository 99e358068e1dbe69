// Package fakedriver is an instrumented in-memory implementation of hal.Driver.
//
// It records every call, tracks the registered-buffer set and the per-role
// list of slots it may write, and lets a test (or the daemon's "fake" source)
// produce frames on demand with EmitFrame.
package fakedriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

type bufKey struct {
	role   hal.Role
	handle uintptr
	index  int
}

func keyOf(role hal.Role, handle uintptr, index int) bufKey {
	return bufKey{role: role, handle: handle, index: index}
}

// Driver is the fake. The exported fields configure failure injection and
// must be set before the driver is used.
type Driver struct {
	// Failure injection.
	StartCaptureErr   error
	StartRecordingErr error
	StartSnapshotErr  error
	ControlErr        error
	UnregisterErr     error
	// RegisterFailAt makes the Nth RegisterBuffer call (1-based) fail. 0 disables.
	RegisterFailAt int
	// StopCaptureRejects is how many StopCapture calls fail before one succeeds.
	StopCaptureRejects int

	// Snapshot behaviour.
	AutoCompleteSnapshot bool
	SnapshotDelay        time.Duration
	SnapshotCrop         hal.CropInfo
	SnapshotErr          error

	// Autofocus behaviour.
	AutoFocusDelay time.Duration
	AutoFocusErr   error

	mu    sync.Mutex
	sink  hal.EventSink
	calls map[string]int

	registered map[bufKey]hal.Buffer
	writable   map[bufKey]bool
	free       map[hal.Role][]bufKey // slots the driver may write next
	delivered  map[bufKey]bool       // handed to the core, awaiting ReleaseFrame
	regCount   int

	capturing bool
	recording bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	snapshot     *hal.SnapshotRequest
	snapshotDone chan struct{}

	afCancel chan struct{}

	controls map[string]string
	seq      uint64
}

// New creates an idle fake driver.
func New() *Driver {
	return &Driver{
		calls:      make(map[string]int),
		registered: make(map[bufKey]hal.Buffer),
		writable:   make(map[bufKey]bool),
		free:       make(map[hal.Role][]bufKey),
		delivered:  make(map[bufKey]bool),
		controls:   make(map[string]string),
	}
}

func (d *Driver) record(name string) {
	d.calls[name]++
}

// Calls returns how many times method name was invoked.
func (d *Driver) Calls(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[name]
}

// SetEventSink implements hal.Driver.
func (d *Driver) SetEventSink(sink hal.EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

func (d *Driver) eventSink() hal.EventSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

// RegisterBuffer implements hal.Driver.
func (d *Driver) RegisterBuffer(b hal.Buffer, writable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("RegisterBuffer")
	d.regCount++

	if d.RegisterFailAt > 0 && d.regCount == d.RegisterFailAt {
		return fmt.Errorf("fakedriver: register %s slot %d: %w", b.Role, b.Index, hal.ErrDriverRejected)
	}

	k := keyOf(b.Role, b.Handle, b.Index)
	if _, dup := d.registered[k]; dup {
		return fmt.Errorf("fakedriver: %s slot %d registered twice: %w", b.Role, b.Index, hal.ErrDriverRejected)
	}
	d.registered[k] = b
	d.writable[k] = writable
	if writable {
		d.free[b.Role] = append(d.free[b.Role], k)
	}
	return nil
}

// UnregisterBuffer implements hal.Driver.
func (d *Driver) UnregisterBuffer(b hal.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("UnregisterBuffer")

	k := keyOf(b.Role, b.Handle, b.Index)
	if _, ok := d.registered[k]; !ok {
		return fmt.Errorf("fakedriver: %s slot %d not registered: %w", b.Role, b.Index, hal.ErrInvalidRequest)
	}
	delete(d.registered, k)
	delete(d.writable, k)
	delete(d.delivered, k)
	d.removeFree(k)

	if d.UnregisterErr != nil {
		return d.UnregisterErr
	}
	return nil
}

func (d *Driver) removeFree(k bufKey) {
	list := d.free[k.role]
	for i, fk := range list {
		if fk == k {
			d.free[k.role] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// ReleaseFrame implements hal.Driver. A slot registered as inactive becomes
// writable the first time it is released to the driver.
func (d *Driver) ReleaseFrame(desc hal.FrameDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("ReleaseFrame")

	k := keyOf(desc.Role, desc.Handle, desc.Index)
	if _, ok := d.registered[k]; !ok {
		return fmt.Errorf("fakedriver: release of unregistered %s slot %d: %w", desc.Role, desc.Index, hal.ErrInvalidRequest)
	}
	for _, fk := range d.free[k.role] {
		if fk == k {
			return fmt.Errorf("fakedriver: %s slot %d released twice: %w", desc.Role, desc.Index, hal.ErrInvalidRequest)
		}
	}
	delete(d.delivered, k)
	d.writable[k] = true
	d.free[k.role] = append(d.free[k.role], k)
	return nil
}

// Registered returns the number of currently registered buffers.
func (d *Driver) Registered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.registered)
}

// RegisteredFor returns the number of registered buffers of role.
func (d *Driver) RegisteredFor(role hal.Role) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k := range d.registered {
		if k.role == role {
			n++
		}
	}
	return n
}

// WritableFor returns the number of role slots the driver may currently
// write (granted and not delivered).
func (d *Driver) WritableFor(role hal.Role) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.free[role])
}

// IsWritable reports whether slot index of role was registered (or later
// granted) as writable.
func (d *Driver) IsWritable(role hal.Role, index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, w := range d.writable {
		if k.role == role && k.index == index {
			return w
		}
	}
	return false
}

// StartCapture implements hal.Driver. It starts a delivery goroutine that
// exits (and reports OnCaptureStopped) once StopCapture is called.
func (d *Driver) StartCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StartCapture")

	if d.StartCaptureErr != nil {
		return fmt.Errorf("fakedriver: start capture: %v: %w", d.StartCaptureErr, hal.ErrDriverRejected)
	}
	if d.capturing {
		return fmt.Errorf("fakedriver: capture already running: %w", hal.ErrDriverRejected)
	}

	d.capturing = true
	d.stopCh = make(chan struct{})
	d.stoppedCh = make(chan struct{})

	go d.captureThread(d.stopCh, d.stoppedCh)
	return nil
}

func (d *Driver) captureThread(stop <-chan struct{}, stopped chan<- struct{}) {
	<-stop

	d.mu.Lock()
	d.capturing = false
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		sink.OnCaptureStopped()
	}
	close(stopped)
}

// StopCapture implements hal.Driver. It only signals; it never waits.
func (d *Driver) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StopCapture")

	if d.StopCaptureRejects > 0 {
		d.StopCaptureRejects--
		return fmt.Errorf("fakedriver: stop capture refused: %w", hal.ErrDriverRejected)
	}
	if !d.capturing || d.stopCh == nil {
		return nil
	}
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	return nil
}

// WaitCaptureStopped blocks until the delivery goroutine has exited or the
// timeout elapses.
func (d *Driver) WaitCaptureStopped(timeout time.Duration) bool {
	d.mu.Lock()
	ch := d.stoppedCh
	d.mu.Unlock()
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Capturing reports whether the delivery goroutine is running.
func (d *Driver) Capturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capturing
}

// EmitFrame fills the next writable slot of role with a test pattern and
// delivers it through the sink on the calling goroutine. It returns false
// when the driver owns no writable slot of that role (or is not running).
func (d *Driver) EmitFrame(role hal.Role) (hal.FrameDescriptor, bool) {
	d.mu.Lock()
	if role == hal.RolePreview && !d.capturing {
		d.mu.Unlock()
		return hal.FrameDescriptor{}, false
	}
	if role == hal.RoleVideo && !d.recording {
		d.mu.Unlock()
		return hal.FrameDescriptor{}, false
	}
	list := d.free[role]
	if len(list) == 0 {
		d.mu.Unlock()
		return hal.FrameDescriptor{}, false
	}
	k := list[0]
	d.free[role] = list[1:]
	d.delivered[k] = true
	b := d.registered[k]
	d.seq++
	fill(b.Data, byte(d.seq))
	sink := d.sink
	d.mu.Unlock()

	desc := hal.DescriptorFor(b, time.Now())
	desc.TraceID = uuid.New().String()

	if sink != nil {
		switch role {
		case hal.RoleVideo:
			sink.OnVideoFrame(desc)
		default:
			sink.OnFrame(desc)
		}
	}
	return desc, true
}

func fill(p []byte, v byte) {
	for i := range p {
		p[i] = v
	}
}

// StartRecording implements hal.Driver.
func (d *Driver) StartRecording() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StartRecording")
	if d.StartRecordingErr != nil {
		return fmt.Errorf("fakedriver: start recording: %v: %w", d.StartRecordingErr, hal.ErrDriverRejected)
	}
	d.recording = true
	return nil
}

// StopRecording implements hal.Driver.
func (d *Driver) StopRecording() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StopRecording")
	d.recording = false
	return nil
}

// StartSnapshot implements hal.Driver.
func (d *Driver) StartSnapshot(req hal.SnapshotRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("StartSnapshot")

	if d.StartSnapshotErr != nil {
		return fmt.Errorf("fakedriver: start snapshot: %v: %w", d.StartSnapshotErr, hal.ErrDriverRejected)
	}
	if d.snapshot != nil {
		return fmt.Errorf("fakedriver: snapshot already pending: %w", hal.ErrDriverRejected)
	}

	r := req
	d.snapshot = &r
	d.snapshotDone = make(chan struct{})

	if d.AutoCompleteSnapshot {
		delay := d.SnapshotDelay
		done := d.snapshotDone
		go func() {
			select {
			case <-time.After(delay):
				d.CompleteSnapshot()
			case <-done:
			}
		}()
	}
	return nil
}

// CompleteSnapshot fills the pending snapshot's raw buffer and reports it.
// It returns false if no snapshot is pending.
func (d *Driver) CompleteSnapshot() bool {
	d.mu.Lock()
	req := d.snapshot
	if req == nil {
		d.mu.Unlock()
		return false
	}
	d.snapshot = nil
	close(d.snapshotDone)
	d.seq++
	fill(req.Raw.Data, byte(d.seq))
	crop := d.SnapshotCrop
	if crop == (hal.CropInfo{}) {
		crop = hal.CropInfo{InWidth: req.Width, InHeight: req.Height, OutWidth: req.Width, OutHeight: req.Height}
	}
	res := hal.SnapshotResult{Crop: crop, Err: d.SnapshotErr}
	sink := d.sink
	d.mu.Unlock()

	if sink != nil {
		sink.OnShutter(crop)
		sink.OnSnapshotDone(res)
	}
	return true
}

// SnapshotPending reports whether a snapshot is waiting for completion.
func (d *Driver) SnapshotPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot != nil
}

// CancelSnapshot implements hal.Driver. A pending snapshot is reported as
// cancelled asynchronously.
func (d *Driver) CancelSnapshot() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CancelSnapshot")

	if d.snapshot == nil {
		return nil
	}
	d.snapshot = nil
	close(d.snapshotDone)
	sink := d.sink
	go func() {
		if sink != nil {
			sink.OnSnapshotDone(hal.SnapshotResult{Err: hal.ErrCancelled})
		}
	}()
	return nil
}

// AutoFocus implements hal.Driver. It blocks for AutoFocusDelay unless
// cancelled first.
func (d *Driver) AutoFocus(ctx context.Context) error {
	d.mu.Lock()
	d.record("AutoFocus")
	cancel := make(chan struct{})
	d.afCancel = cancel
	delay := d.AutoFocusDelay
	result := d.AutoFocusErr
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.afCancel = nil
		d.mu.Unlock()
	}()

	select {
	case <-time.After(delay):
		return result
	case <-cancel:
		return fmt.Errorf("fakedriver: autofocus: %w", hal.ErrCancelled)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAutoFocus implements hal.Driver.
func (d *Driver) CancelAutoFocus() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("CancelAutoFocus")
	if d.afCancel != nil {
		close(d.afCancel)
		d.afCancel = nil
	}
	return nil
}

// SetControlParameter implements hal.Driver.
func (d *Driver) SetControlParameter(id, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("SetControlParameter")
	if d.ControlErr != nil {
		return fmt.Errorf("fakedriver: set %s=%s: %v: %w", id, value, d.ControlErr, hal.ErrDriverRejected)
	}
	d.controls[id] = value
	return nil
}

// Control returns the last value set for id.
func (d *Driver) Control(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.controls[id]
	return v, ok
}

// Reset implements hal.Driver.
func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("Reset")
	return nil
}

// InjectError delivers an asynchronous driver fault.
func (d *Driver) InjectError(kind hal.ErrorKind) {
	if sink := d.eventSink(); sink != nil {
		sink.OnError(kind)
	}
}

// Close implements hal.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.record("Close")
	d.mu.Unlock()
	return d.StopCapture()
}
