package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// HealthStatus represents the health state of the camera service
type HealthStatus struct {
	Status           string `json:"status"` // "healthy", "degraded", "unhealthy"
	InstanceID       string `json:"instance_id"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	CameraLive       bool   `json:"camera_live"`
	PreviewRunning   bool   `json:"preview_running"`
	RecordingRunning bool   `json:"recording_running"`
	PictureState     string `json:"picture_state,omitempty"`
	MQTTConnected    bool   `json:"mqtt_connected"`
	CaptureFailures  int    `json:"capture_failures"`
	Escalations      uint64 `json:"escalations"`
	Timestamp        string `json:"timestamp"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running, started := s.isRunning, s.started
	s.mu.RUnlock()

	esc := s.manager.Escalation()
	status := HealthStatus{
		Status:          "healthy",
		InstanceID:      s.cfg.InstanceID,
		UptimeSeconds:   int64(time.Since(started).Seconds()),
		MQTTConnected:   s.emitter.Stats().Connected,
		CaptureFailures: esc.Failures,
		Escalations:     esc.Escalations,
		Timestamp:       time.Now().Format(time.RFC3339Nano),
	}

	if cam := s.manager.Live(); cam != nil {
		st := cam.Stats()
		status.CameraLive = true
		status.PreviewRunning = cam.PreviewRunning()
		status.RecordingRunning = cam.RecordingRunning()
		status.PictureState = st.Picture.State
	}

	// Determine overall health status
	switch {
	case !running:
		status.Status = "unhealthy"
	case !status.CameraLive || !status.MQTTConnected || esc.Failures > 0:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics endpoint in Prometheus text format
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	instance := strconv.Quote(s.cfg.InstanceID)
	metric := func(name string, v interface{}) {
		fmt.Fprintf(w, "camerad_%s{instance=%s} %v\n", name, instance, v)
	}

	health := s.HealthCheck()
	metric("uptime_seconds", health.UptimeSeconds)
	metric("capture_failures", health.CaptureFailures)
	metric("escalations_total", health.Escalations)

	mgr := s.manager.Stats()
	metric("acquires_total", mgr.Acquires)
	metric("releases_total", mgr.Releases)
	metric("acquire_busy_total", mgr.Busy)

	if cam := s.manager.Live(); cam != nil {
		st := cam.Stats()
		metric("preview_frames_total", st.Preview.FramesDelivered)
		metric("preview_frames_dropped_total", st.Preview.FramesDropped)
		metric("video_frames_encoded_total", st.Recording.FramesEncoded)
		metric("video_frames_dropped_total", st.Recording.FramesDropped)
		metric("pictures_total", st.Picture.Pictures)
		metric("liveshots_total", st.Picture.Liveshots)
		metric("picture_failures_total", st.Picture.Failures)
		metric("capture_timeouts_total", st.CaptureTimeouts)
		metric("driver_faults_total", st.DriverFaults)
	}

	enc := s.encoder.Stats()
	metric("jpeg_images_total", enc.Images)
	metric("jpeg_bytes_total", enc.Bytes)

	em := s.emitter.Stats()
	metric("mqtt_errors_total", em.Errors)
	metric("mqtt_dropped_total", em.Dropped)
}

// StartHealthServer starts the HTTP health check server on the configured
// port. It does not block; the returned server is closed on shutdown.
func (s *Service) StartHealthServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(s.cfg.HealthPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", s.cfg.HealthPort,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return server
}
