package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var formats = map[string]bool{"nv21": true, "nv21-tiled": true}

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.HealthPort == 0 {
		cfg.HealthPort = 8080
	}
	if cfg.HealthPort < 0 || cfg.HealthPort > 65535 {
		return fmt.Errorf("health_port %d out of range", cfg.HealthPort)
	}

	switch cfg.Driver.Source {
	case "":
		cfg.Driver.Source = "gst"
	case "gst", "fake":
	case "v4l2":
		if cfg.Driver.Device == "" {
			cfg.Driver.Device = "/dev/video0"
		}
	default:
		return fmt.Errorf("driver.source must be 'gst', 'v4l2' or 'fake', got '%s'", cfg.Driver.Source)
	}
	if cfg.Driver.FPS <= 0 {
		cfg.Driver.FPS = 30
	}

	// The gst and v4l2 drivers write packed NV21 only.
	tiled := cfg.Driver.Source == "fake"
	if err := validatePreview(&cfg.Preview, tiled); err != nil {
		return err
	}
	if err := validateRecord(&cfg.Record, cfg.Preview, tiled); err != nil {
		return err
	}
	if err := validatePicture(&cfg.Picture); err != nil {
		return err
	}
	validateLifecycle(&cfg.Lifecycle)

	return validateMQTT(cfg)
}

func validateFrame(section string, w, h int, format *string, tiled bool) error {
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return fmt.Errorf("%s: dimensions %dx%d must be positive and even", section, w, h)
	}
	if *format == "" {
		*format = "nv21"
	}
	if !formats[*format] {
		return fmt.Errorf("%s.format: unknown format '%s' (must be 'nv21' or 'nv21-tiled')", section, *format)
	}
	if *format == "nv21-tiled" && !tiled {
		return fmt.Errorf("%s.format: 'nv21-tiled' is not supported here, use 'nv21'", section)
	}
	return nil
}

func validatePreview(p *PreviewConfig, tiled bool) error {
	if p.Width == 0 && p.Height == 0 {
		p.Width, p.Height = 640, 480
	}
	if err := validateFrame("preview", p.Width, p.Height, &p.Format, tiled); err != nil {
		return err
	}
	if p.Buffers <= 0 {
		p.Buffers = 5
	}
	if p.ReservedSlots < 0 || p.ReservedSlots >= p.Buffers {
		return fmt.Errorf("preview.reserved_slots must be in [0, %d)", p.Buffers)
	}

	c := p.Crop
	if c != (CropConfig{}) {
		if c.W <= 0 || c.H <= 0 || c.X < 0 || c.Y < 0 || c.X+c.W > p.Width || c.Y+c.H > p.Height {
			return fmt.Errorf("preview.crop %+v outside %dx%d", c, p.Width, p.Height)
		}
		if p.ReservedSlots == 0 {
			p.ReservedSlots = 1
		}
	}
	return nil
}

func validateRecord(r *RecordConfig, preview PreviewConfig, tiled bool) error {
	if r.SharedPipeline {
		r.Width, r.Height, r.Format = preview.Width, preview.Height, preview.Format
		return nil
	}
	if r.Width == 0 && r.Height == 0 {
		r.Width, r.Height = preview.Width, preview.Height
	}
	if err := validateFrame("record", r.Width, r.Height, &r.Format, tiled); err != nil {
		return err
	}
	if r.Buffers <= 0 {
		r.Buffers = 9
	}
	if r.ActiveSlots <= 0 {
		r.ActiveSlots = 3
	}
	if r.ActiveSlots > r.Buffers {
		return fmt.Errorf("record.active_slots %d exceeds record.buffers %d", r.ActiveSlots, r.Buffers)
	}
	return nil
}

func validatePicture(p *PictureConfig) error {
	if p.Width == 0 && p.Height == 0 {
		p.Width, p.Height = 1280, 960
	}
	// Crop and encode read packed NV21 only.
	if err := validateFrame("picture", p.Width, p.Height, &p.Format, false); err != nil {
		return err
	}
	if p.ThumbWidth == 0 && p.ThumbHeight == 0 {
		p.ThumbWidth, p.ThumbHeight = 512, 288
	}
	if p.ThumbWidth > 0 && (p.ThumbHeight <= 0 || p.ThumbWidth%2 != 0 || p.ThumbHeight%2 != 0) {
		return fmt.Errorf("picture: thumbnail %dx%d must be positive and even", p.ThumbWidth, p.ThumbHeight)
	}
	if p.Quality == 0 {
		p.Quality = 90
	}
	if p.Quality < 1 || p.Quality > 100 {
		return fmt.Errorf("picture.quality must be in [1, 100]")
	}
	if p.FragmentSize <= 0 {
		p.FragmentSize = 64 * 1024
	}
	if p.EncodeTimeoutMS <= 0 {
		p.EncodeTimeoutMS = 10000
	}
	switch p.SnapshotFormat {
	case "":
		p.SnapshotFormat = "jpeg"
	case "jpeg", "png":
	default:
		return fmt.Errorf("picture.snapshot_format must be 'jpeg' or 'png', got '%s'", p.SnapshotFormat)
	}
	return nil
}

func validateLifecycle(l *LifecycleConfig) {
	if l.AcquireTimeoutMS <= 0 {
		l.AcquireTimeoutMS = 5000
	}
	if l.RecheckIntervalMS <= 0 {
		l.RecheckIntervalMS = 1000
	}
	if l.EscalationThreshold <= 0 {
		l.EscalationThreshold = 5
	}
	if l.RetryDelayMS <= 0 {
		l.RetryDelayMS = 100
	}
	if l.MaxRetryDelayMS <= 0 {
		l.MaxRetryDelayMS = 2000
	}
}

func validateMQTT(cfg *Config) error {
	m := &cfg.MQTT
	if m.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if m.ClientID == "" {
		m.ClientID = cfg.InstanceID
	}

	switch m.Encoding {
	case "":
		m.Encoding = "msgpack"
	case "msgpack", "json":
	default:
		return fmt.Errorf("mqtt.encoding must be 'msgpack' or 'json', got '%s'", m.Encoding)
	}

	// Set default topics if not provided
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("camera/control/%s", cfg.InstanceID)
	}
	if m.Topics.Events == "" {
		m.Topics.Events = fmt.Sprintf("camera/events/%s", cfg.InstanceID)
	}
	if m.Topics.Data == "" {
		m.Topics.Data = fmt.Sprintf("camera/data/%s", cfg.InstanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("camera/health/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if m.QoS == nil {
		m.QoS = map[string]byte{
			"control": 1,
			"events":  1,
			"data":    0,
			"health":  0,
		}
	}
	for name, q := range m.QoS {
		if q > 2 {
			return fmt.Errorf("mqtt.qos.%s must be 0, 1 or 2", name)
		}
	}
	return nil
}
