package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Size is an optional width/height override carried in params.
type Size struct {
	Width, Height int
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus       func() map[string]interface{}
	OnStartPreview    func(Size) error
	OnStopPreview     func() error
	OnStartRecording  func(Size) error
	OnStopRecording   func() error
	OnTakePicture     func(Size) error
	OnCancelPicture   func() error
	OnAutoFocus       func() error
	OnCancelAutoFocus func() error
	OnSetParameter    func(id, value string) error
	OnSaveFrame       func() (string, error)
	OnRelease         func() error
	OnShutdown        func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	publish  func(topic string, qos byte, payload []byte) error
	commands chan Command

	callbacks CommandCallbacks

	// ShutdownDelay lets the response go out before OnShutdown runs.
	ShutdownDelay time.Duration
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	h := &Handler{
		cfg:           cfg,
		client:        client,
		commands:      make(chan Command, 10),
		callbacks:     callbacks,
		ShutdownDelay: 500 * time.Millisecond,
	}
	h.publish = h.mqttPublish
	return h
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	slog.Info("control: handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.WaitTimeout(2 * time.Second)
	}

	slog.Info("control: handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	h.receive(msg.Payload())
}

func (h *Handler) receive(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands runs commands one at a time, in arrival order.
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	resp := h.execute(cmd)
	h.sendResponse(resp)

	if cmd.Command == "shutdown" && resp.Status == "success" {
		go func() {
			time.Sleep(h.ShutdownDelay)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("control: shutdown callback failed", "error", err)
			}
		}()
	}
}

// run reports the outcome of a simple command.
func run(resp *Response, name string, fn func() error, data map[string]interface{}) {
	if fn == nil {
		resp.Status = "error"
		resp.Error = name + " not implemented"
		return
	}
	if err := fn(); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		return
	}
	resp.Status = "success"
	resp.Data = data
}

func (h *Handler) execute(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}
	cb := h.callbacks

	switch cmd.Command {
	case "get_status":
		if cb.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = cb.OnGetStatus()

	case "start_preview":
		size, err := sizeParam(cmd.Params)
		if err != nil {
			resp.Status, resp.Error = "error", err.Error()
			break
		}
		var fn func() error
		if cb.OnStartPreview != nil {
			fn = func() error { return cb.OnStartPreview(size) }
		}
		run(&resp, cmd.Command, fn, map[string]interface{}{"preview_running": true})

	case "stop_preview":
		run(&resp, cmd.Command, cb.OnStopPreview, map[string]interface{}{"preview_running": false})

	case "start_recording":
		size, err := sizeParam(cmd.Params)
		if err != nil {
			resp.Status, resp.Error = "error", err.Error()
			break
		}
		var fn func() error
		if cb.OnStartRecording != nil {
			fn = func() error { return cb.OnStartRecording(size) }
		}
		run(&resp, cmd.Command, fn, map[string]interface{}{"recording": true})

	case "stop_recording":
		run(&resp, cmd.Command, cb.OnStopRecording, map[string]interface{}{"recording": false})

	case "take_picture":
		size, err := sizeParam(cmd.Params)
		if err != nil {
			resp.Status, resp.Error = "error", err.Error()
			break
		}
		var fn func() error
		if cb.OnTakePicture != nil {
			fn = func() error { return cb.OnTakePicture(size) }
		}
		run(&resp, cmd.Command, fn, map[string]interface{}{"message": "capture started"})

	case "cancel_picture":
		run(&resp, cmd.Command, cb.OnCancelPicture, nil)

	case "auto_focus":
		run(&resp, cmd.Command, cb.OnAutoFocus, map[string]interface{}{"message": "focus sweep started"})

	case "cancel_auto_focus":
		run(&resp, cmd.Command, cb.OnCancelAutoFocus, nil)

	case "set_parameter":
		id, okID := cmd.Params["id"].(string)
		value, okValue := cmd.Params["value"].(string)
		if !okID || !okValue || id == "" {
			resp.Status = "error"
			resp.Error = "missing or invalid 'id'/'value' parameters (expected strings)"
			break
		}
		var fn func() error
		if cb.OnSetParameter != nil {
			fn = func() error { return cb.OnSetParameter(id, value) }
		}
		run(&resp, cmd.Command, fn, map[string]interface{}{"id": id, "value": value})

	case "save_frame":
		if cb.OnSaveFrame == nil {
			resp.Status = "error"
			resp.Error = "save_frame not implemented"
			break
		}
		path, err := cb.OnSaveFrame()
		if err != nil {
			resp.Status, resp.Error = "error", err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"path": path}

	case "release":
		run(&resp, cmd.Command, cb.OnRelease, map[string]interface{}{"released": true})

	case "shutdown":
		if cb.OnShutdown == nil {
			resp.Status = "error"
			resp.Error = "shutdown not implemented"
			break
		}
		slog.Warn("control: shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

// sizeParam reads optional width/height params. JSON numbers arrive as float64.
func sizeParam(params map[string]interface{}) (Size, error) {
	var s Size
	for key, dst := range map[string]*int{"width": &s.Width, "height": &s.Height} {
		v, ok := params[key]
		if !ok {
			continue
		}
		f, ok := v.(float64)
		if !ok || f <= 0 || f != float64(int(f)) {
			return Size{}, fmt.Errorf("invalid '%s' parameter (expected positive integer)", key)
		}
		*dst = int(f)
	}
	if (s.Width == 0) != (s.Height == 0) {
		return Size{}, fmt.Errorf("'width' and 'height' must be given together")
	}
	return s, nil
}

// sendResponse sends a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	if err := h.publish(h.cfg.MQTT.Topics.Health, h.cfg.MQTT.QoS["health"], payload); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func (h *Handler) mqttPublish(topic string, qos byte, payload []byte) error {
	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("response publish timeout")
	}
	return token.Error()
}
