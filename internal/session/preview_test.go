package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/fakedriver"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

func TestPreviewDeliversAndReturnsFrames(t *testing.T) {
	f := newFixture(t)
	f.startPreview(t)

	var got []hal.FrameDescriptor
	f.preview.Dispatcher().Subscribe("test", func(desc hal.FrameDescriptor, data []byte) {
		got = append(got, desc)
		if len(data) == 0 {
			t.Errorf("empty frame data for slot %d", desc.Index)
		}
	})

	writable := f.drv.WritableFor(hal.RolePreview)
	for i := 0; i < 10; i++ {
		if _, ok := f.drv.EmitFrame(hal.RolePreview); !ok {
			t.Fatalf("EmitFrame #%d found no writable slot", i)
		}
	}

	if len(got) != 10 {
		t.Fatalf("consumer got %d frames, want 10", len(got))
	}
	if w := f.drv.WritableFor(hal.RolePreview); w != writable {
		t.Errorf("writable preview slots = %d after delivery, want %d", w, writable)
	}
	if s := f.preview.Stats(); s.FramesDelivered != 10 || s.OwnershipErrors != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}

	f.stopPreview(t)
	if n := f.drv.Registered(); n != 0 {
		t.Errorf("driver still holds %d buffers after stop", n)
	}
	t.Logf("✅ 10 frames delivered and returned, registration balanced")
}

// TestStopOnStoppedSessionIsNoop: Stop on a stopped session never reaches
// the driver.
func TestStopOnStoppedSessionIsNoop(t *testing.T) {
	f := newFixture(t)

	if err := f.preview.Stop(); err != nil {
		t.Errorf("preview Stop() = %v", err)
	}
	if err := f.recording.Stop(); err != nil {
		t.Errorf("recording Stop() = %v", err)
	}
	if err := f.snapshot.CancelPicture(context.Background()); err != nil {
		t.Errorf("CancelPicture() = %v", err)
	}

	if n := f.drv.Calls("StopCapture"); n != 0 {
		t.Errorf("StopCapture called %d times", n)
	}
	if n := f.drv.Calls("StopRecording"); n != 0 {
		t.Errorf("StopRecording called %d times", n)
	}
	if n := f.drv.Calls("CancelSnapshot"); n != 0 {
		t.Errorf("CancelSnapshot called %d times", n)
	}

	f.startPreview(t)
	f.stopPreview(t)
	if err := f.preview.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
	if n := f.drv.Calls("StopCapture"); n != 1 {
		t.Errorf("StopCapture called %d times, want 1", n)
	}
	t.Logf("✅ stop on stopped sessions is a no-op")
}

func TestPreviewStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.startPreview(t)
	f.startPreview(t)

	if n := f.drv.Calls("StartCapture"); n != 1 {
		t.Errorf("StartCapture called %d times, want 1", n)
	}
	f.stopPreview(t)
}

func TestPreviewStartRejectedUnwinds(t *testing.T) {
	f := newFixture(t)
	f.drv.StartCaptureErr = errors.New("sensor busy")

	err := f.preview.Start(context.Background(), PreviewConfig{Width: 320, Height: 240})
	if !errors.Is(err, hal.ErrDriverRejected) {
		t.Fatalf("Start() err = %v, want ErrDriverRejected", err)
	}
	if n := f.drv.Registered(); n != 0 {
		t.Errorf("%d buffers left registered after rejected start", n)
	}
	if f.preview.State() != CaptureStopped {
		t.Errorf("state = %s, want stopped", f.preview.State())
	}
}

// TestPreviewStopRejectedCanRetry: a driver that refuses StopCapture leaves
// the session running, and a later Stop reaches the driver again.
func TestPreviewStopRejectedCanRetry(t *testing.T) {
	f := newFixture(t)
	f.startPreview(t)
	f.drv.StopCaptureRejects = 1

	if err := f.preview.Stop(); !errors.Is(err, hal.ErrDriverRejected) {
		t.Fatalf("first Stop() err = %v, want ErrDriverRejected", err)
	}
	if f.preview.State() != CaptureRunning {
		t.Fatalf("state after rejected stop = %s, want running", f.preview.State())
	}
	if _, ok := f.drv.EmitFrame(hal.RolePreview); !ok {
		t.Fatal("no writable preview slot after rejected stop")
	}

	f.stopPreview(t)
	if n := f.drv.Calls("StopCapture"); n != 2 {
		t.Errorf("StopCapture called %d times, want 2", n)
	}
	if f.drv.Capturing() {
		t.Error("driver still capturing after retried stop")
	}
	if n := f.drv.Registered(); n != 0 {
		t.Errorf("%d buffers left registered", n)
	}
	t.Logf("✅ rejected stop kept preview running; retry stopped it")
}

func TestPreviewRejectsBadDimensions(t *testing.T) {
	f := newFixture(t)
	for _, cfg := range []PreviewConfig{
		{Width: 0, Height: 240},
		{Width: 321, Height: 240},
		{Width: 320, Height: 240, Crop: hal.Rect{W: 160, H: 120}},
	} {
		if err := f.preview.Start(context.Background(), cfg); !errors.Is(err, hal.ErrInvalidRequest) {
			t.Errorf("Start(%+v) err = %v, want ErrInvalidRequest", cfg, err)
		}
	}
	if n := f.drv.Calls("RegisterBuffer"); n != 0 {
		t.Errorf("RegisterBuffer called %d times for invalid configs", n)
	}
}

// TestStopFromInsideFrameCallback must not deadlock: Stop only signals.
func TestStopFromInsideFrameCallback(t *testing.T) {
	f := newFixture(t)
	f.startPreview(t)

	f.preview.Dispatcher().Subscribe("stopper", func(hal.FrameDescriptor, []byte) {
		if err := f.preview.Stop(); err != nil {
			t.Errorf("Stop() inside callback = %v", err)
		}
	})

	done := make(chan struct{})
	go func() {
		f.drv.EmitFrame(hal.RolePreview)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EmitFrame blocked: Stop deadlocked inside the frame callback")
	}

	if err := f.preview.WaitStopped(ctxTimeout(t)); err != nil {
		t.Fatalf("WaitStopped() = %v", err)
	}
	t.Logf("✅ stop from inside a frame callback returned")
}

// TestRestartWaitsForPreviousWorker restarts right after Stop and expects
// the second Start to wait for the first capture goroutine.
func TestRestartWaitsForPreviousWorker(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.startPreview(t)
		if err := f.preview.Stop(); err != nil {
			t.Fatalf("Stop() = %v", err)
		}
	}
	f.stopPreview(t)

	if n := f.drv.Registered(); n != 0 {
		t.Errorf("%d buffers registered after restart cycles", n)
	}
}

type copyCompositor struct{ calls int32 }

func (c *copyCompositor) Blit(src, dst []byte, format hal.Format, w, h int, srcRect, dstRect hal.Rect) error {
	atomic.AddInt32(&c.calls, 1)
	copy(dst, src)
	return nil
}

func TestPreviewCropBlitsIntoReservedSlot(t *testing.T) {
	drv := fakedriver.New()
	comp := &copyCompositor{}
	p := NewPreview(drv, nil, comp)
	drv.SetEventSink(&Router{Preview: p})

	cfg := PreviewConfig{
		Width:         320,
		Height:        240,
		Buffers:       4,
		ReservedSlots: 1,
		Crop:          hal.Rect{X: 80, Y: 60, W: 160, H: 120},
	}
	if err := p.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if drv.IsWritable(hal.RolePreview, 3) {
		t.Fatal("reserved slot 3 was registered writable")
	}

	var seen []int
	p.Dispatcher().Subscribe("display", func(desc hal.FrameDescriptor, _ []byte) {
		seen = append(seen, desc.Index)
	})

	for i := 0; i < 3; i++ {
		drv.EmitFrame(hal.RolePreview)
	}

	for _, idx := range seen {
		if idx != 3 {
			t.Errorf("delivered slot %d, want reserved slot 3", idx)
		}
	}
	if atomic.LoadInt32(&comp.calls) != 3 {
		t.Errorf("compositor called %d times, want 3", comp.calls)
	}
	if drv.IsWritable(hal.RolePreview, 3) {
		t.Error("reserved slot became writable after blits")
	}

	p.Stop()
	p.WaitStopped(ctxTimeout(t))
	t.Logf("✅ cropped frames delivered from the reserved slot")
}

func TestLastFrameKeepsCopy(t *testing.T) {
	f := newFixture(t)
	f.startPreview(t)

	if data, _, _ := f.preview.LastFrame(); data != nil {
		t.Fatal("LastFrame() before any frame returned data")
	}
	f.drv.EmitFrame(hal.RolePreview)

	data, w, h := f.preview.LastFrame()
	if data == nil || w != 320 || h != 240 {
		t.Fatalf("LastFrame() = %d bytes %dx%d", len(data), w, h)
	}
	if data[0] == 0 {
		t.Error("LastFrame() did not copy the frame pattern")
	}
	f.stopPreview(t)
}
