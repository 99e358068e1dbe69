package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/fakedriver"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

type hostEvent struct {
	msg  hal.Msg
	ext1 int32
	data []byte
	null bool
}

// testHost records every host callback and mirrors it on a channel.
type testHost struct {
	mu     sync.Mutex
	events []hostEvent
	ch     chan hostEvent
}

func newTestHost() *testHost {
	return &testHost{ch: make(chan hostEvent, 256)}
}

func (h *testHost) add(ev hostEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	select {
	case h.ch <- ev:
	default:
	}
}

func (h *testHost) Notify(msg hal.Msg, ext1, ext2 int32) {
	h.add(hostEvent{msg: msg, ext1: ext1})
}

func (h *testHost) Data(msg hal.Msg, data []byte, desc *hal.FrameDescriptor) {
	ev := hostEvent{msg: msg, null: data == nil}
	if data != nil {
		ev.data = append([]byte(nil), data...)
	}
	h.add(ev)
}

func (h *testHost) DataTimestamp(ts time.Time, msg hal.Msg, desc hal.FrameDescriptor, data []byte) {
	h.add(hostEvent{msg: msg})
}

// waitFor returns the next event of type msg.
func (h *testHost) waitFor(t *testing.T, msg hal.Msg) hostEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.ch:
			if ev.msg == msg {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within 2s", msg)
		}
	}
}

func (h *testHost) count(msg hal.Msg) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.msg == msg {
			n++
		}
	}
	return n
}

// stubEncoder completes asynchronously with a fixed image.
type stubEncoder struct {
	fragments   int
	err         error
	completeErr error
	hang        bool

	mu   sync.Mutex
	reqs []hal.EncodeRequest
}

func (e *stubEncoder) Encode(req hal.EncodeRequest, sink hal.EncodeSink) error {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()

	if e.err != nil {
		return e.err
	}
	if e.hang {
		return nil
	}
	go func() {
		for i := 0; i < e.fragments; i++ {
			sink.OnFragment([]byte{byte(i)})
		}
		if e.completeErr != nil {
			sink.OnComplete(nil, e.completeErr)
			return
		}
		sink.OnComplete([]byte("jpeg"), nil)
	}()
	return nil
}

func (e *stubEncoder) requests() []hal.EncodeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]hal.EncodeRequest(nil), e.reqs...)
}

type fixture struct {
	drv       *fakedriver.Driver
	host      *testHost
	enc       *stubEncoder
	preview   *Preview
	recording *Recording
	snapshot  *Snapshot
	focus     *Autofocus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		drv:  fakedriver.New(),
		host: newTestHost(),
		enc:  &stubEncoder{fragments: 2},
	}
	f.preview = NewPreview(f.drv, nil, nil)
	f.recording = NewRecording(f.drv, nil, f.preview)
	f.snapshot = NewSnapshot(f.drv, nil, f.enc, f.preview, f.recording, f.host)
	f.focus = NewAutofocus(f.drv, f.host)
	f.drv.SetEventSink(&Router{Preview: f.preview, Recording: f.recording, Snapshot: f.snapshot})
	return f
}

func (f *fixture) startPreview(t *testing.T) {
	t.Helper()
	cfg := PreviewConfig{Width: 320, Height: 240, Format: hal.FormatNV21, KeepLastFrame: true}
	if err := f.preview.Start(context.Background(), cfg); err != nil {
		t.Fatalf("preview Start() failed: %v", err)
	}
}

func (f *fixture) stopPreview(t *testing.T) {
	t.Helper()
	if err := f.preview.Stop(); err != nil {
		t.Fatalf("preview Stop() failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.preview.WaitStopped(ctx); err != nil {
		t.Fatalf("preview did not stop: %v", err)
	}
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
