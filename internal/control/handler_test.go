package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/config"
)

type responses struct {
	mu   sync.Mutex
	list []Response
	ch   chan Response
}

func newTestHandler(t *testing.T, cb CommandCallbacks) (*Handler, *responses) {
	t.Helper()
	cfg, err := config.Parse([]byte("instance_id: cam-0\nmqtt: {broker: localhost:1883}\n"))
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(cfg, nil, cb)
	h.ShutdownDelay = 0

	r := &responses{ch: make(chan Response, 16)}
	h.publish = func(topic string, qos byte, payload []byte) error {
		if topic != cfg.MQTT.Topics.Health {
			t.Errorf("response published on %s", topic)
		}
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			t.Errorf("response is not json: %v", err)
		}
		r.mu.Lock()
		r.list = append(r.list, resp)
		r.mu.Unlock()
		r.ch <- resp
		return nil
	}
	return h, r
}

func (r *responses) next(t *testing.T) Response {
	t.Helper()
	select {
	case resp := <-r.ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no response within 2s")
		return Response{}
	}
}

func TestCommandsDispatchToCallbacks(t *testing.T) {
	var got Size
	var param [2]string
	h, r := newTestHandler(t, CommandCallbacks{
		OnTakePicture:  func(s Size) error { got = s; return nil },
		OnSetParameter: func(id, value string) error { param = [2]string{id, value}; return nil },
		OnStopPreview:  func() error { return errors.New("preview: not running") },
		OnGetStatus:    func() map[string]interface{} { return map[string]interface{}{"preview": "running"} },
	})

	tests := []struct {
		payload string
		status  string
		errText string
	}{
		{`{"command":"take_picture","params":{"width":2592,"height":1944}}`, "success", ""},
		{`{"command":"set_parameter","params":{"id":"exposure","value":"-2"}}`, "success", ""},
		{`{"command":"stop_preview"}`, "error", "preview: not running"},
		{`{"command":"get_status"}`, "success", ""},
		{`{"command":"auto_focus"}`, "error", "auto_focus not implemented"},
		{`{"command":"take_picture","params":{"width":100}}`, "error", "'width' and 'height' must be given together"},
		{`{"command":"set_parameter","params":{"id":"iso"}}`, "error", "missing or invalid 'id'/'value' parameters (expected strings)"},
		{`{"command":"reboot"}`, "error", "unknown command: reboot"},
	}

	for _, tt := range tests {
		var cmd Command
		if err := json.Unmarshal([]byte(tt.payload), &cmd); err != nil {
			t.Fatal(err)
		}
		h.handleCommand(cmd)
		resp := r.next(t)
		if resp.CommandAck != cmd.Command || resp.Status != tt.status || resp.Error != tt.errText {
			t.Errorf("%s: response %+v", tt.payload, resp)
		}
		if resp.Timestamp == "" {
			t.Errorf("%s: no timestamp", tt.payload)
		}
	}

	if got != (Size{Width: 2592, Height: 1944}) {
		t.Errorf("take_picture size = %+v", got)
	}
	if param != [2]string{"exposure", "-2"} {
		t.Errorf("set_parameter = %v", param)
	}
	t.Logf("✅ %d commands dispatched", len(tests))
}

func TestInvalidJSONAnswersError(t *testing.T) {
	h, r := newTestHandler(t, CommandCallbacks{})
	h.receive([]byte("{not json"))

	resp := r.next(t)
	if resp.CommandAck != "unknown" || resp.Error != "invalid JSON" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestQueuedCommandsRunInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	h, r := newTestHandler(t, CommandCallbacks{
		OnStopRecording: record("stop_recording"),
		OnRelease:       record("release"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.processCommands(ctx)

	h.receive([]byte(`{"command":"stop_recording"}`))
	h.receive([]byte(`{"command":"release"}`))
	r.next(t)
	r.next(t)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "stop_recording" || order[1] != "release" {
		t.Errorf("order = %v", order)
	}
}

func TestShutdownRespondsBeforeCallback(t *testing.T) {
	called := make(chan struct{})
	h, r := newTestHandler(t, CommandCallbacks{
		OnShutdown: func() error { close(called); return nil },
	})

	h.handleCommand(Command{Command: "shutdown"})
	if resp := r.next(t); resp.Status != "success" {
		t.Fatalf("shutdown response %+v", resp)
	}
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never ran")
	}
}
