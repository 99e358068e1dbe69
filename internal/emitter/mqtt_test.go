package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{err: p.err}
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func testConfig(t *testing.T, encoding string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("instance_id: cam-0\nmqtt:\n  broker: localhost:1883\n  encoding: " + encoding + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNotifyPublishesMsgpackEvent(t *testing.T) {
	cfg := testConfig(t, "msgpack")
	e := NewMQTTEmitter(cfg)
	pub := &fakePublisher{}
	e.Start(pub)

	e.Notify(hal.MsgShutter, 1280, 960)
	e.Disconnect()

	msgs := pub.all()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "camera/events/cam-0" || msgs[0].qos != 1 {
		t.Errorf("topic/qos = %s/%d", msgs[0].topic, msgs[0].qos)
	}

	var ev Event
	if err := msgpack.Unmarshal(msgs[0].payload, &ev); err != nil {
		t.Fatalf("payload is not msgpack: %v", err)
	}
	if ev.Type != "notify" || ev.Msg != "shutter" || ev.Ext1 != 1280 || ev.Ext2 != 960 || ev.InstanceID != "cam-0" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if s := e.Stats(); s.Published["camera/events/cam-0"] != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	t.Logf("✅ notify published as msgpack")
}

func TestDataPublishesSummaryOnly(t *testing.T) {
	cfg := testConfig(t, "json")
	e := NewMQTTEmitter(cfg)
	e.PicturePath = func([]byte) string { return "/var/pictures/p.jpg" }
	pub := &fakePublisher{}
	e.Start(pub)

	img := make([]byte, 4096)
	e.Data(hal.MsgCompressedImage, img, nil)
	e.Callbacks().EmitData(hal.MsgCompressedImage, nil, nil)
	e.DataTimestamp(time.Unix(100, 0), hal.MsgVideoFrame, hal.FrameDescriptor{Role: hal.RoleVideo, Index: 2, TraceID: "t-1"}, make([]byte, 10))
	e.Disconnect()

	msgs := pub.all()
	if len(msgs) != 3 {
		t.Fatalf("published %d messages, want 3", len(msgs))
	}
	for _, m := range msgs {
		if len(m.payload) >= len(img) {
			t.Fatalf("payload of %d bytes carries frame data", len(m.payload))
		}
	}

	var evs [3]Event
	for i := range evs {
		if err := json.Unmarshal(msgs[i].payload, &evs[i]); err != nil {
			t.Fatalf("payload %d is not json: %v", i, err)
		}
	}
	if evs[0].Size != 4096 || evs[0].Path != "/var/pictures/p.jpg" || evs[0].Null {
		t.Errorf("image event = %+v", evs[0])
	}
	if !evs[1].Null {
		t.Errorf("null completion not flagged: %+v", evs[1])
	}
	if evs[2].Role != "video" || evs[2].Index != 2 || evs[2].TraceID != "t-1" || !evs[2].Timestamp.Equal(time.Unix(100, 0)) {
		t.Errorf("video event = %+v", evs[2])
	}
}

func TestPublishFailuresCounted(t *testing.T) {
	e := NewMQTTEmitter(testConfig(t, "msgpack"))
	e.Start(&fakePublisher{err: errors.New("broker gone")})

	e.Notify(hal.MsgFocus, 1, 0)
	e.PublishHealth(map[string]string{"status": "alive"})
	e.Disconnect()

	if s := e.Stats(); s.Errors != 2 || len(s.Published) != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestOutboxFullDrops(t *testing.T) {
	e := NewMQTTEmitter(testConfig(t, "msgpack"))
	// No publisher goroutine: nothing drains the outbox.
	for i := 0; i < outboxSize+5; i++ {
		e.Notify(hal.MsgFocus, 1, 0)
	}
	if s := e.Stats(); s.Dropped != 5 || s.Queued != outboxSize {
		t.Errorf("unexpected stats: %+v", s)
	}
}
