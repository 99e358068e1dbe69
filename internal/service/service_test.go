package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/emitter"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []emitter.Event
}

func (p *recordingPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var ev emitter.Event
	if err := json.Unmarshal(payload.([]byte), &ev); err == nil && ev.Type != "" {
		p.mu.Lock()
		p.events = append(p.events, ev)
		p.mu.Unlock()
	}
	return doneToken{}
}

func (p *recordingPublisher) find(msg string) (emitter.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Msg == msg {
			return ev, true
		}
	}
	return emitter.Event{}, false
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	yaml := `
instance_id: cam-test
driver: {source: fake, fps: 100}
preview: {width: 64, height: 48}
record: {width: 64, height: 48, buffers: 4, active_slots: 2}
picture: {width: 128, height: 96, thumb_width: 32, thumb_height: 24, output_dir: ` + t.TempDir() + `, snapshot_format: png}
lifecycle: {acquire_timeout_ms: 500, recheck_interval_ms: 50}
mqtt: {broker: localhost:1883, encoding: json}
`
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func startTestService(t *testing.T) (*Service, *recordingPublisher, context.Context) {
	t.Helper()
	s, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	pub := &recordingPublisher{}
	s.emitter.Start(pub)

	ctx, err := s.begin(context.Background())
	if err != nil {
		t.Fatalf("begin() failed: %v", err)
	}
	if err := s.bringUp(ctx); err != nil {
		t.Fatalf("bringUp() failed: %v", err)
	}
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Shutdown(sctx)
	})
	return s, pub, ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServicePreviewPictureAndRecording(t *testing.T) {
	s, pub, ctx := startTestService(t)

	cam := s.manager.Live()
	if cam == nil {
		t.Fatal("no live camera after bringUp")
	}
	waitFor(t, "preview frames", func() bool { return cam.Stats().Preview.FramesDelivered > 3 })

	// Still capture stops preview, delivers the image, restarts preview.
	if err := s.takePicture(ctx, control.Size{}); err != nil {
		t.Fatalf("takePicture() failed: %v", err)
	}
	waitFor(t, "compressed image", func() bool {
		_, ok := pub.find("compressed_image")
		return ok
	})
	ev, _ := pub.find("compressed_image")
	if ev.Path == "" || ev.Size == 0 {
		t.Fatalf("compressed image event without path/size: %+v", ev)
	}
	if _, err := os.Stat(ev.Path); err != nil {
		t.Errorf("saved picture missing: %v", err)
	}
	if _, ok := pub.find("shutter"); !ok {
		t.Error("no shutter notify published")
	}
	waitFor(t, "preview restart", func() bool { return cam.PreviewRunning() })
	t.Logf("✅ picture saved to %s, preview restarted", ev.Path)

	if err := s.startRecording(ctx, control.Size{}); err != nil {
		t.Fatalf("startRecording() failed: %v", err)
	}
	waitFor(t, "encoded video frames", func() bool { return cam.Stats().Recording.FramesEncoded > 3 })
	if _, ok := pub.find("video_frame"); !ok {
		t.Error("no video_frame data published")
	}
	if err := s.stopRecording(ctx); err != nil {
		t.Fatalf("stopRecording() failed: %v", err)
	}
	if cam.RecordingRunning() {
		t.Error("recording still running after stop")
	}

	status := s.getStatus()
	if _, ok := status["camera"]; !ok {
		t.Errorf("status without camera section: %v", status)
	}
	if _, ok := status["picture_store"]; !ok {
		t.Errorf("status without picture_store section: %v", status)
	}
}

// TestServiceRejectedPictureResumesPreview: the driver refuses the snapshot
// after preview was stopped for it; preview and the frame pump come back.
func TestServiceRejectedPictureResumesPreview(t *testing.T) {
	s, pub, ctx := startTestService(t)

	cam := s.manager.Live()
	if cam == nil {
		t.Fatal("no live camera after bringUp")
	}
	waitFor(t, "preview frames", func() bool { return cam.Stats().Preview.FramesDelivered > 3 })

	s.fake.StartSnapshotErr = errors.New("sensor busy")
	if err := s.takePicture(ctx, control.Size{}); err == nil {
		t.Fatal("takePicture() succeeded with a rejecting driver")
	}
	if !cam.PreviewRunning() {
		t.Fatal("preview not running after rejected picture")
	}

	before := cam.Stats().Preview.FramesDelivered
	waitFor(t, "frames after rejected picture", func() bool {
		return cam.Stats().Preview.FramesDelivered > before+3
	})
	if _, ok := pub.find("compressed_image"); ok {
		t.Error("compressed image published for a rejected picture")
	}

	s.fake.StartSnapshotErr = nil
	if err := s.takePicture(ctx, control.Size{}); err != nil {
		t.Fatalf("takePicture() after recovery failed: %v", err)
	}
	waitFor(t, "compressed image", func() bool {
		_, ok := pub.find("compressed_image")
		return ok
	})
	t.Logf("✅ preview resumed after a rejected picture, next picture delivered")
}

func TestServiceReleaseAndReacquire(t *testing.T) {
	s, _, ctx := startTestService(t)

	cb := s.commandCallbacks()
	if err := cb.OnRelease(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if s.manager.Live() != nil {
		t.Fatal("camera still live after release")
	}
	if err := cb.OnSetParameter("zoom", "2"); err == nil {
		t.Error("set_parameter without a live camera succeeded")
	}

	if err := cb.OnStartPreview(control.Size{Width: 32, Height: 24}); err != nil {
		t.Fatalf("start_preview after release failed: %v", err)
	}
	cam := s.manager.Live()
	if cam == nil || !cam.PreviewRunning() {
		t.Fatal("preview not running after reacquire")
	}
	if st := s.manager.Stats(); st.Acquires != 2 || st.Releases != 1 {
		t.Errorf("lifecycle stats = %+v, want 2 acquires / 1 release", st)
	}
	if err := cb.OnSetParameter("zoom", "2"); err != nil {
		t.Errorf("set_parameter failed: %v", err)
	}

	path, err := s.saveFrame(ctx)
	if err != nil {
		t.Fatalf("saveFrame() failed: %v", err)
	}
	if !strings.HasSuffix(path, ".png") {
		t.Errorf("saved frame %q is not a png", path)
	}
	t.Logf("✅ released, reacquired and saved %s", path)
}

func TestHealthEndpoints(t *testing.T) {
	s, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	rec := httptest.NewRecorder()
	s.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before start = %d, want 503", rec.Code)
	}

	s.emitter.Start(&recordingPublisher{})
	ctx, err := s.begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.bringUp(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(context.Background())

	rec = httptest.NewRecorder()
	s.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readiness after start = %d, want 200", rec.Code)
	}
	var health HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("readiness body: %v", err)
	}
	if !health.CameraLive || !health.PreviewRunning {
		t.Errorf("unexpected health: %+v", health)
	}

	rec = httptest.NewRecorder()
	s.MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"camerad_uptime_seconds", "camerad_preview_frames_total", "camerad_acquires_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics missing %s:\n%s", name, body)
		}
	}

	rec = httptest.NewRecorder()
	s.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "alive") {
		t.Errorf("liveness = %d %s", rec.Code, rec.Body.String())
	}
}
