package service

import (
	"context"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/control"
)

// commandTimeout bounds blocking control commands (stop, release, save_frame)
const commandTimeout = 5 * time.Second

// commandCallbacks binds control plane commands to the service
func (s *Service) commandCallbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus: s.getStatus,
		OnStartPreview: func(size control.Size) error {
			ctx, cancel := s.commandContext()
			defer cancel()
			return s.startPreview(ctx, size)
		},
		OnStopPreview: func() error {
			ctx, cancel := s.commandContext()
			defer cancel()
			return s.stopPreview(ctx)
		},
		OnStartRecording: func(size control.Size) error {
			ctx, cancel := s.commandContext()
			defer cancel()
			return s.startRecording(ctx, size)
		},
		OnStopRecording: func() error {
			ctx, cancel := s.commandContext()
			defer cancel()
			return s.stopRecording(ctx)
		},
		OnTakePicture: func(size control.Size) error {
			ctx, cancel := s.commandContext()
			defer cancel()
			return s.takePicture(ctx, size)
		},
		OnCancelPicture: func() error {
			ctx, cancel := s.commandContext()
			defer cancel()
			return s.cancelPicture(ctx)
		},
		OnAutoFocus: func() error {
			return s.autoFocus(s.context())
		},
		OnCancelAutoFocus: s.cancelAutoFocus,
		OnSetParameter:    s.setParameter,
		OnSaveFrame: func() (string, error) {
			ctx, cancel := s.commandContext()
			defer cancel()
			return s.saveFrame(ctx)
		},
		OnRelease: func() error {
			ctx, cancel := s.commandContext()
			defer cancel()
			return s.release(ctx)
		},
		OnShutdown: s.shutdownViaControl,
	}
}

func (s *Service) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.context(), commandTimeout)
}

// getStatus returns the current service status
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	uptime := time.Since(s.started).Seconds()
	running := s.isRunning
	s.mu.RUnlock()

	mgr := s.manager.Stats()
	enc := s.encoder.Stats()
	comp := s.compositor.Stats()

	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"uptime_s":    uptime,
		"running":     running,
		"lifecycle": map[string]interface{}{
			"live":      mgr.Live,
			"releasing": mgr.Releasing,
			"acquires":  mgr.Acquires,
			"releases":  mgr.Releases,
			"busy":      mgr.Busy,
		},
		"escalation": s.manager.Escalation(),
		"encoder": map[string]interface{}{
			"images":     enc.Images,
			"failures":   enc.Failures,
			"thumbnails": enc.Thumbnails,
			"fragments":  enc.Fragments,
			"bytes":      enc.Bytes,
		},
		"compositor": map[string]interface{}{
			"blits":    comp.Blits,
			"rejected": comp.Rejected,
		},
		"mqtt": s.emitter.Stats(),
		"config": map[string]interface{}{
			"driver":          s.cfg.Driver.Source,
			"device":          s.cfg.Driver.Device,
			"preview":         map[string]interface{}{"width": s.cfg.Preview.Width, "height": s.cfg.Preview.Height, "format": s.cfg.Preview.Format},
			"record_shared":   s.cfg.Record.SharedPipeline,
			"picture":         map[string]interface{}{"width": s.cfg.Picture.Width, "height": s.cfg.Picture.Height},
			"control_topic":   s.cfg.MQTT.Topics.Control,
			"events_topic":    s.cfg.MQTT.Topics.Events,
			"mqtt_encoding":   s.cfg.MQTT.Encoding,
			"postview":        s.cfg.Picture.Postview,
			"preview_publish": s.cfg.Preview.Callback,
		},
	}

	if cam := s.manager.Live(); cam != nil {
		st := cam.Stats()
		status["camera"] = map[string]interface{}{
			"preview":          st.Preview,
			"recording":        st.Recording,
			"picture":          st.Picture,
			"focus":            st.Focus,
			"capture_timeouts": st.CaptureTimeouts,
			"driver_faults":    st.DriverFaults,
		}
	}

	s.drvMu.Lock()
	switch {
	case s.gst != nil:
		status["driver"] = s.gst.Stats()
	case s.v4l2 != nil:
		status["driver"] = s.v4l2.Stats()
	}
	s.drvMu.Unlock()

	if s.store != nil {
		saved, dropped := s.store.Stats()
		status["picture_store"] = map[string]interface{}{
			"dir":     s.cfg.Picture.OutputDir,
			"saved":   saved,
			"dropped": dropped,
		}
	}

	return status
}
