// Package service is the camerad orchestrator: it owns the camera lifecycle
// manager, the capture driver, the MQTT emitter and control plane, and the
// health endpoints.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	cameracore "github.com/e7canasta/orion-care-sensor/modules/camera-core"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/compositor"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/fakedriver"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/gstdriver"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/jpegenc"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/picturestore"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/v4l2driver"
)

const healthPublishInterval = 10 * time.Second

// Service is the main camerad orchestrator
type Service struct {
	cfg *config.Config

	// Core components
	manager        *cameracore.Manager
	encoder        *jpegenc.Encoder
	compositor     *compositor.Compositor
	store          *picturestore.Store // nil when picture.output_dir is empty
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler

	// Per-instance driver, rebuilt on every acquire
	drvMu   sync.Mutex
	gst     *gstdriver.Driver
	v4l2    *v4l2driver.Driver
	fake    *fakedriver.Driver
	pumpCtl context.CancelFunc

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	runCtx    context.Context
	cancelCtx context.CancelFunc
}

// New creates a service from a configuration file
func New(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a service from an already validated configuration
func NewWithConfig(cfg *config.Config) (*Service, error) {
	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"driver", cfg.Driver.Source,
		"preview", fmt.Sprintf("%dx%d", cfg.Preview.Width, cfg.Preview.Height),
	)

	s := &Service{
		cfg: cfg,
		manager: cameracore.NewManager(cameracore.ManagerConfig{
			AcquireTimeout:  cfg.AcquireTimeout(),
			RecheckInterval: cfg.RecheckInterval(),
			Escalation: cameracore.EscalationConfig{
				Threshold:     cfg.Lifecycle.EscalationThreshold,
				RetryDelay:    time.Duration(cfg.Lifecycle.RetryDelayMS) * time.Millisecond,
				MaxRetryDelay: time.Duration(cfg.Lifecycle.MaxRetryDelayMS) * time.Millisecond,
			},
		}),
		encoder: jpegenc.New(jpegenc.Config{
			Quality:      cfg.Picture.Quality,
			FragmentSize: cfg.Picture.FragmentSize,
		}),
		compositor: compositor.New(),
		emitter:    emitter.NewMQTTEmitter(cfg),
	}

	if cfg.Picture.OutputDir != "" {
		store, err := picturestore.New(cfg.Picture.OutputDir, cfg.Picture.SnapshotFormat, cfg.Picture.Quality)
		if err != nil {
			return nil, fmt.Errorf("failed to create picture store: %w", err)
		}
		s.store = store
		s.emitter.PicturePath = s.savePicture
	}

	return s, nil
}

// Run starts the service and blocks until ctx is cancelled or a shutdown
// command arrives
func (s *Service) Run(ctx context.Context) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer s.cancelCtx()

	slog.Info("camerad service starting", "instance_id", s.cfg.InstanceID)

	if err := s.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client, s.commandCallbacks())
	if err := s.controlHandler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	if err := s.bringUp(ctx); err != nil {
		return err
	}

	slog.Info("camerad service running")

	<-ctx.Done()

	slog.Info("camerad service run loop exiting")
	return nil
}

// begin marks the service running and derives the run context
func (s *Service) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil, fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.runCtx, s.cancelCtx = context.WithCancel(ctx)
	return s.runCtx, nil
}

// bringUp acquires the camera, starts preview and the background loops
func (s *Service) bringUp(ctx context.Context) error {
	if err := s.startPreview(ctx, control.Size{}); err != nil {
		return fmt.Errorf("failed to start preview: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishHealth(ctx)
	}()
	return nil
}

// acquire returns the live camera, creating it (and a fresh driver) if the
// previous instance was released
func (s *Service) acquire(ctx context.Context) (*cameracore.Camera, error) {
	if cam := s.manager.Live(); cam != nil {
		return cam, nil
	}

	drv, err := s.newDriver()
	if err != nil {
		return nil, err
	}

	allocator := cameracore.HeapAllocator
	if s.cfg.Driver.Source != "fake" {
		allocator = cameracore.SharedAllocator
	}

	cam, err := s.manager.Acquire(ctx, cameracore.Options{
		Driver:     drv,
		Encoder:    s.encoder,
		Compositor: s.compositor,
		Allocator:  allocator,
		Callbacks:  s.emitter.Callbacks(),
	})
	if err != nil {
		_ = drv.Close()
		return nil, err
	}
	cam.SetPreviewCallback(s.cfg.Preview.Callback)
	return cam, nil
}

// newDriver builds the capture driver selected by driver.source
func (s *Service) newDriver() (hal.Driver, error) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()

	s.gst, s.v4l2, s.fake = nil, nil, nil

	switch s.cfg.Driver.Source {
	case "gst":
		video := gstdriver.Size{Width: s.cfg.Record.Width, Height: s.cfg.Record.Height}
		if s.cfg.Record.SharedPipeline {
			video = gstdriver.Size{}
		}
		s.gst = gstdriver.New(gstdriver.Config{
			Device:  s.cfg.Driver.Device,
			FPS:     s.cfg.Driver.FPS,
			Preview: gstdriver.Size{Width: s.cfg.Preview.Width, Height: s.cfg.Preview.Height},
			Video:   video,
		})
		return s.gst, nil

	case "v4l2":
		s.v4l2 = v4l2driver.New(v4l2driver.Config{
			Device:  s.cfg.Driver.Device,
			Preview: v4l2driver.Size{Width: s.cfg.Preview.Width, Height: s.cfg.Preview.Height},
		})
		return s.v4l2, nil

	case "fake":
		d := fakedriver.New()
		d.AutoCompleteSnapshot = true
		s.fake = d
		return d, nil
	}
	return nil, fmt.Errorf("unknown driver source %q", s.cfg.Driver.Source)
}

// setPreviewSize tells drivers that negotiate the sensor mode at
// StartCapture which preview size to stream
func (s *Service) setPreviewSize(width, height int) error {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()

	switch {
	case s.gst != nil:
		return s.gst.SetStreamSize(hal.RolePreview, gstdriver.Size{Width: width, Height: height})
	case s.v4l2 != nil:
		return s.v4l2.SetStreamSize(hal.RolePreview, v4l2driver.Size{Width: width, Height: height})
	}
	return nil
}

func (s *Service) previewConfig(size control.Size) (cameracore.PreviewConfig, error) {
	format, err := cameracore.ParseFormat(s.cfg.Preview.Format)
	if err != nil {
		return cameracore.PreviewConfig{}, err
	}
	cfg := cameracore.PreviewConfig{
		Width:         s.cfg.Preview.Width,
		Height:        s.cfg.Preview.Height,
		Format:        format,
		Buffers:       s.cfg.Preview.Buffers,
		ReservedSlots: s.cfg.Preview.ReservedSlots,
		Crop: cameracore.Rect{
			X: s.cfg.Preview.Crop.X, Y: s.cfg.Preview.Crop.Y,
			W: s.cfg.Preview.Crop.W, H: s.cfg.Preview.Crop.H,
		},
		KeepLastFrame: s.cfg.Picture.Postview,
	}
	if size.Width > 0 {
		cfg.Width, cfg.Height = size.Width, size.Height
		cfg.Crop = cameracore.Rect{}
	}
	return cfg, nil
}

func (s *Service) startPreview(ctx context.Context, size control.Size) error {
	cam, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	cfg, err := s.previewConfig(size)
	if err != nil {
		return err
	}

	if !cam.PreviewRunning() {
		if err := s.setPreviewSize(cfg.Width, cfg.Height); err != nil {
			return err
		}
	}

	if err := cam.StartPreview(ctx, cfg); err != nil {
		return err
	}
	s.startPump()
	return nil
}

func (s *Service) stopPreview(ctx context.Context) error {
	cam := s.manager.Live()
	if cam == nil {
		return nil
	}
	s.stopPump()
	return cam.StopPreview(ctx)
}

func (s *Service) startRecording(ctx context.Context, size control.Size) error {
	cam := s.manager.Live()
	if cam == nil || !cam.PreviewRunning() {
		return fmt.Errorf("recording needs a running preview: %w", cameracore.ErrInvalidRequest)
	}

	format, err := cameracore.ParseFormat(s.cfg.Record.Format)
	if err != nil {
		return err
	}
	cfg := cameracore.RecordConfig{
		Width:          s.cfg.Record.Width,
		Height:         s.cfg.Record.Height,
		Format:         format,
		Buffers:        s.cfg.Record.Buffers,
		ActiveSlots:    s.cfg.Record.ActiveSlots,
		SharedPipeline: s.cfg.Record.SharedPipeline,
		Encode: func(desc hal.FrameDescriptor, data []byte) {
			s.emitter.DataTimestamp(desc.Timestamp, hal.MsgVideoFrame, desc, data)
			if err := cam.ReleaseRecordingFrame(desc); err != nil {
				slog.Warn("recording frame release failed", "slot", desc.Index, "error", err)
			}
		},
	}
	if size.Width > 0 && !cfg.SharedPipeline {
		cfg.Width, cfg.Height = size.Width, size.Height
	}
	return cam.StartRecording(ctx, cfg)
}

func (s *Service) stopRecording(ctx context.Context) error {
	cam := s.manager.Live()
	if cam == nil {
		return nil
	}
	return cam.StopRecording(ctx)
}

// takePicture starts a still capture. Outside recording preview stops for
// the capture and is restarted once the image has been delivered.
func (s *Service) takePicture(ctx context.Context, size control.Size) error {
	cam := s.manager.Live()
	if cam == nil {
		return fmt.Errorf("no live camera: %w", cameracore.ErrInvalidRequest)
	}

	format, err := cameracore.ParseFormat(s.cfg.Picture.Format)
	if err != nil {
		return err
	}
	cfg := cameracore.PictureConfig{
		Width:               s.cfg.Picture.Width,
		Height:              s.cfg.Picture.Height,
		Format:              format,
		ThumbWidth:          s.cfg.Picture.ThumbWidth,
		ThumbHeight:         s.cfg.Picture.ThumbHeight,
		Tags:                s.cfg.Picture.Tags,
		PostviewFromPreview: s.cfg.Picture.Postview,
		EncodeTimeout:       s.cfg.EncodeTimeout(),
		TraceID:             uuid.New().String(),
	}
	if size.Width > 0 {
		cfg.Width, cfg.Height = size.Width, size.Height
	}

	liveshot := cam.RecordingRunning()
	if !liveshot {
		s.stopPump()
	}
	if err := cam.TakePicture(ctx, cfg); err != nil {
		if !liveshot {
			// A rejected capture may already have stopped preview.
			if rerr := s.startPreview(ctx, control.Size{}); rerr != nil {
				slog.Warn("preview restart after failed picture failed", "error", rerr)
			}
		}
		return err
	}
	slog.Info("picture requested", "trace_id", cfg.TraceID, "liveshot", liveshot)

	if liveshot {
		return nil
	}

	runCtx := s.context()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := cam.WaitPicture(runCtx); err != nil {
			return
		}
		if err := s.startPreview(runCtx, control.Size{}); err != nil {
			slog.Warn("preview restart after picture failed", "error", err)
		}
	}()
	return nil
}

func (s *Service) cancelPicture(ctx context.Context) error {
	cam := s.manager.Live()
	if cam == nil {
		return nil
	}
	return cam.CancelPicture(ctx)
}

func (s *Service) autoFocus(ctx context.Context) error {
	cam := s.manager.Live()
	if cam == nil {
		return fmt.Errorf("no live camera: %w", cameracore.ErrInvalidRequest)
	}
	return cam.AutoFocus(ctx)
}

func (s *Service) cancelAutoFocus() error {
	cam := s.manager.Live()
	if cam == nil {
		return nil
	}
	return cam.CancelAutoFocus()
}

func (s *Service) setParameter(id, value string) error {
	cam := s.manager.Live()
	if cam == nil {
		return fmt.Errorf("no live camera: %w", cameracore.ErrInvalidRequest)
	}
	return cam.SetParameter(id, value)
}

// release tears down the live instance. The next start_preview acquires a
// new one.
func (s *Service) release(ctx context.Context) error {
	s.stopPump()
	return s.manager.Release(ctx)
}

func (s *Service) savePicture(img []byte) string {
	path, err := s.store.SavePicture(img)
	if err != nil {
		slog.Warn("picture not saved", "error", err)
		return ""
	}
	return path
}

// saveFrame writes the next preview frame to the picture store
func (s *Service) saveFrame(ctx context.Context) (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("picture.output_dir not configured")
	}
	cam := s.manager.Live()
	if cam == nil || !cam.PreviewRunning() {
		return "", fmt.Errorf("save_frame needs a running preview: %w", cameracore.ErrInvalidRequest)
	}

	type grabbed struct {
		desc hal.FrameDescriptor
		data []byte
	}
	ch := make(chan grabbed, 1)
	id := "save-frame-" + uuid.New().String()
	err := cam.Subscribe(id, func(desc hal.FrameDescriptor, data []byte) {
		select {
		case ch <- grabbed{desc: desc, data: append([]byte(nil), data...)}:
		default:
		}
	})
	if err != nil {
		return "", err
	}
	defer cam.Unsubscribe(id)

	select {
	case g := <-ch:
		cfg := cam.PreviewConfig()
		return s.store.SaveFrame(g.desc, g.data, cfg.Width, cfg.Height)
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(2 * time.Second):
		return "", fmt.Errorf("no preview frame within 2s")
	}
}

// startPump drives the fake driver at the configured frame rate
func (s *Service) startPump() {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()

	if s.fake == nil || s.pumpCtl != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.context())
	s.pumpCtl = cancel
	drv := s.fake
	interval := time.Second / time.Duration(s.cfg.Driver.FPS)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				drv.EmitFrame(hal.RolePreview)
				drv.EmitFrame(hal.RoleVideo)
			}
		}
	}()
}

func (s *Service) stopPump() {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()

	if s.pumpCtl != nil {
		s.pumpCtl()
		s.pumpCtl = nil
	}
}

// publishHealth publishes the health snapshot periodically
func (s *Service) publishHealth(ctx context.Context) {
	ticker := time.NewTicker(healthPublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.emitter.PublishHealth(s.HealthCheck()); err != nil {
				slog.Debug("health not published", "error", err)
			}
		}
	}
}

func (s *Service) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// shutdownViaControl is the MQTT shutdown command
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	cancel := s.cancelCtx
	s.mu.RUnlock()

	if cancel != nil {
		slog.Info("shutdown requested via control plane")
		cancel()
	}
	return nil
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelCtx
	s.mu.Unlock()

	slog.Info("shutting down camerad service")

	// 1. Stop control plane (no new commands)
	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Release the camera: recording, picture, preview, driver
	s.stopPump()
	if err := s.manager.Release(ctx); err != nil {
		slog.Error("failed to release camera", "error", err)
	}

	// 3. Wait for goroutines to finish
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown timeout waiting for goroutines")
	}

	// 4. Disconnect MQTT (flushes the outbox)
	if err := s.emitter.Disconnect(); err != nil {
		slog.Error("failed to disconnect mqtt", "error", err)
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("camerad service shutdown complete", "uptime", uptime)
	return ctx.Err()
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	if t := s.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}
