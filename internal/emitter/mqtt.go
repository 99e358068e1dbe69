package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// outboxSize bounds queued publishes. Driver goroutines never wait on the
// broker; when the outbox is full the message is dropped and counted.
const outboxSize = 256

// Publisher is the subset of mqtt.Client the emitter publishes through.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Event is one notification published on the events topic.
type Event struct {
	InstanceID string    `msgpack:"instance_id" json:"instance_id"`
	Type       string    `msgpack:"type" json:"type"` // notify, data
	Msg        string    `msgpack:"msg" json:"msg"`
	Ext1       int32     `msgpack:"ext1,omitempty" json:"ext1,omitempty"`
	Ext2       int32     `msgpack:"ext2,omitempty" json:"ext2,omitempty"`
	Role       string    `msgpack:"role,omitempty" json:"role,omitempty"`
	Index      int       `msgpack:"index,omitempty" json:"index,omitempty"`
	Size       int       `msgpack:"size,omitempty" json:"size,omitempty"`
	Null       bool      `msgpack:"null,omitempty" json:"null,omitempty"`
	Path       string    `msgpack:"path,omitempty" json:"path,omitempty"`
	TraceID    string    `msgpack:"trace_id,omitempty" json:"trace_id,omitempty"`
	Timestamp  time.Time `msgpack:"timestamp" json:"timestamp"`
}

type outgoing struct {
	topic   string
	qos     byte
	payload []byte
}

// MQTTEmitter publishes camera events to the MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	pub    Publisher
	outbox chan outgoing
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	connected bool

	errors  uint64 // atomic
	dropped uint64 // atomic

	// PicturePath, when set, resolves the saved location of a compressed
	// image so events can reference it.
	PicturePath func(data []byte) string
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		outbox:    make(chan outgoing, outboxSize),
		done:      make(chan struct{}),
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker and starts the publisher
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.MQTT.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.MQTT.ClientID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	e.Start(e.Client)
	return nil
}

// Start runs the publisher goroutine against pub. Connect calls it; tests
// call it directly with a fake publisher.
func (e *MQTTEmitter) Start(pub Publisher) {
	e.pub = pub
	e.setConnected(true)
	e.wg.Add(1)
	go e.run()
}

func (e *MQTTEmitter) run() {
	defer e.wg.Done()
	for {
		select {
		case m := <-e.outbox:
			e.send(m)
		case <-e.done:
			// Drain what is already queued.
			for {
				select {
				case m := <-e.outbox:
					e.send(m)
				default:
					return
				}
			}
		}
	}
}

func (e *MQTTEmitter) send(m outgoing) {
	if !e.isConnected() {
		atomic.AddUint64(&e.errors, 1)
		return
	}

	token := e.pub.Publish(m.topic, m.qos, false, m.payload)
	if !token.WaitTimeout(2 * time.Second) {
		atomic.AddUint64(&e.errors, 1)
		slog.Warn("emitter: publish timeout", "topic", m.topic)
		return
	}
	if err := token.Error(); err != nil {
		atomic.AddUint64(&e.errors, 1)
		slog.Warn("emitter: publish failed", "topic", m.topic, "error", err)
		return
	}

	e.mu.Lock()
	e.published[m.topic]++
	e.mu.Unlock()

	slog.Debug("emitter: published", "topic", m.topic, "qos", m.qos, "size", len(m.payload))
}

// Encode marshals v with the configured payload encoding.
func (e *MQTTEmitter) Encode(v interface{}) ([]byte, error) {
	if e.cfg.MQTT.Encoding == "json" {
		return json.Marshal(v)
	}
	return msgpack.Marshal(v)
}

func (e *MQTTEmitter) enqueue(topic string, qos byte, v interface{}) error {
	payload, err := e.Encode(v)
	if err != nil {
		atomic.AddUint64(&e.errors, 1)
		return fmt.Errorf("emitter: marshal: %w", err)
	}

	select {
	case e.outbox <- outgoing{topic: topic, qos: qos, payload: payload}:
		return nil
	default:
		atomic.AddUint64(&e.dropped, 1)
		return fmt.Errorf("emitter: outbox full, dropped message for %s", topic)
	}
}

// Notify publishes a notify callback.
func (e *MQTTEmitter) Notify(msg hal.Msg, ext1, ext2 int32) {
	ev := Event{
		InstanceID: e.cfg.InstanceID,
		Type:       "notify",
		Msg:        msg.String(),
		Ext1:       ext1,
		Ext2:       ext2,
		Timestamp:  time.Now(),
	}
	if err := e.enqueue(e.cfg.MQTT.Topics.Events, e.cfg.MQTT.QoS["events"], ev); err != nil {
		slog.Warn("emitter: notify not published", "msg", msg.String(), "error", err)
	}
}

// Data publishes a summary of a data callback. Frame bytes are never sent.
func (e *MQTTEmitter) Data(msg hal.Msg, data []byte, desc *hal.FrameDescriptor) {
	ev := Event{
		InstanceID: e.cfg.InstanceID,
		Type:       "data",
		Msg:        msg.String(),
		Size:       len(data),
		Null:       data == nil,
		Timestamp:  time.Now(),
	}
	if desc != nil {
		ev.Role, ev.Index, ev.TraceID = desc.Role.String(), desc.Index, desc.TraceID
		if !desc.Timestamp.IsZero() {
			ev.Timestamp = desc.Timestamp
		}
	}
	if msg == hal.MsgCompressedImage && data != nil && e.PicturePath != nil {
		ev.Path = e.PicturePath(data)
	}
	if err := e.enqueue(e.cfg.MQTT.Topics.Data, e.cfg.MQTT.QoS["data"], ev); err != nil {
		slog.Debug("emitter: data not published", "msg", msg.String(), "error", err)
	}
}

// DataTimestamp publishes a summary of a timestamped data callback.
func (e *MQTTEmitter) DataTimestamp(ts time.Time, msg hal.Msg, desc hal.FrameDescriptor, data []byte) {
	desc.Timestamp = ts
	e.Data(msg, data, &desc)
}

// Callbacks returns host hooks routed to this emitter.
func (e *MQTTEmitter) Callbacks() *hal.Callbacks {
	return &hal.Callbacks{
		Notify:        e.Notify,
		Data:          e.Data,
		DataTimestamp: e.DataTimestamp,
	}
}

// PublishHealth publishes a health payload
func (e *MQTTEmitter) PublishHealth(v interface{}) error {
	return e.enqueue(e.cfg.MQTT.Topics.Health, e.cfg.MQTT.QoS["health"], v)
}

// Disconnect flushes the outbox and closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	e.once.Do(func() {
		close(e.done)
		e.wg.Wait()
	})

	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}

	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    atomic.LoadUint64(&e.errors),
		Dropped:   atomic.LoadUint64(&e.dropped),
		Queued:    len(e.outbox),
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
	Queued    int               `json:"queued"`
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}
