package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimal = `
instance_id: cam-0
mqtt:
  broker: localhost:1883
`

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if cfg.Driver.Source != "gst" || cfg.HealthPort != 8080 || cfg.ShutdownTimeout() != 5*time.Second {
		t.Errorf("service defaults not applied: %+v", cfg)
	}
	if cfg.Preview.Width != 640 || cfg.Preview.Height != 480 || cfg.Preview.Format != "nv21" || cfg.Preview.Buffers != 5 {
		t.Errorf("preview defaults not applied: %+v", cfg.Preview)
	}
	if cfg.Record.Buffers != 9 || cfg.Record.ActiveSlots != 3 || cfg.Record.Width != 640 {
		t.Errorf("record defaults not applied: %+v", cfg.Record)
	}
	if cfg.Picture.ThumbWidth != 512 || cfg.Picture.ThumbHeight != 288 || cfg.EncodeTimeout() != 10*time.Second {
		t.Errorf("picture defaults not applied: %+v", cfg.Picture)
	}
	if cfg.AcquireTimeout() != 5*time.Second || cfg.RecheckInterval() != time.Second || cfg.Lifecycle.EscalationThreshold != 5 {
		t.Errorf("lifecycle defaults not applied: %+v", cfg.Lifecycle)
	}
	if cfg.MQTT.Topics.Control != "camera/control/cam-0" || cfg.MQTT.Encoding != "msgpack" || cfg.MQTT.ClientID != "cam-0" {
		t.Errorf("mqtt defaults not applied: %+v", cfg.MQTT)
	}
	t.Logf("✅ minimal config expanded with defaults")
}

func TestCropReservesSlot(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
preview:
  width: 320
  height: 240
  crop: {x: 80, y: 60, w: 160, h: 120}
`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Preview.ReservedSlots != 1 {
		t.Errorf("reserved_slots = %d, want 1", cfg.Preview.ReservedSlots)
	}
}

func TestSharedPipelineFollowsPreview(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
preview: {width: 320, height: 240}
record: {width: 1920, height: 1080, shared_pipeline: true}
`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Record.Width != 320 || cfg.Record.Height != 240 {
		t.Errorf("shared record size = %dx%d, want preview size", cfg.Record.Width, cfg.Record.Height)
	}
}

func TestV4L2SourceDefaultsDevice(t *testing.T) {
	cfg, err := Parse([]byte(minimal + "driver: {source: v4l2}"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Driver.Device != "/dev/video0" {
		t.Errorf("v4l2 device = %q, want /dev/video0", cfg.Driver.Device)
	}
}

// TestTiledPreviewOnFakeSource: only the fake driver can fill tiled preview
// and record slots.
func TestTiledPreviewOnFakeSource(t *testing.T) {
	cfg, err := Parse([]byte(minimal + "driver: {source: fake}\npreview: {format: nv21-tiled}"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Preview.Format != "nv21-tiled" || cfg.Picture.Format != "nv21" {
		t.Errorf("formats = preview %q picture %q", cfg.Preview.Format, cfg.Picture.Format)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing instance", "mqtt: {broker: x}", "instance_id is required"},
		{"bad instance", "instance_id: Cam_0\nmqtt: {broker: x}", "instance_id must match"},
		{"missing broker", "instance_id: cam", "mqtt.broker is required"},
		{"odd preview", minimal + "preview: {width: 641, height: 480}", "even"},
		{"unknown format", minimal + "preview: {format: yuyv}", "unknown format"},
		{"tiled on gst", minimal + "preview: {format: nv21-tiled}", "preview.format: 'nv21-tiled' is not supported"},
		{"tiled on v4l2", minimal + "driver: {source: v4l2}\nrecord: {format: nv21-tiled}", "record.format: 'nv21-tiled' is not supported"},
		{"tiled picture", minimal + "driver: {source: fake}\npicture: {format: nv21-tiled}", "picture.format: 'nv21-tiled' is not supported"},
		{"unknown source", minimal + "driver: {source: v4l}", "driver.source"},
		{"crop outside", minimal + "preview: {crop: {x: 600, y: 0, w: 100, h: 100}}", "preview.crop"},
		{"too many active", minimal + "record: {buffers: 2, active_slots: 3}", "active_slots"},
		{"bad quality", minimal + "picture: {quality: 101}", "quality"},
		{"bad encoding", "instance_id: cam\nmqtt: {broker: x, encoding: xml}", "mqtt.encoding"},
		{"bad qos", "instance_id: cam\nmqtt: {broker: x, qos: {events: 3}}", "mqtt.qos.events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camerad.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.InstanceID != "cam-0" {
		t.Errorf("instance_id = %q", cfg.InstanceID)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of missing file succeeded")
	}
}
