package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete camerad configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	HealthPort       int             `yaml:"health_port"`        // default: 8080
	Driver           DriverConfig    `yaml:"driver"`
	Preview          PreviewConfig   `yaml:"preview"`
	Record           RecordConfig    `yaml:"record"`
	Picture          PictureConfig   `yaml:"picture"`
	Lifecycle        LifecycleConfig `yaml:"lifecycle"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
}

// DriverConfig selects the capture driver
type DriverConfig struct {
	Source string `yaml:"source"` // gst, v4l2, fake
	Device string `yaml:"device"` // v4l2 device; gst with no device uses a test source
	FPS    int    `yaml:"fps"`
}

// PreviewConfig contains preview stream settings
type PreviewConfig struct {
	Width         int        `yaml:"width"`
	Height        int        `yaml:"height"`
	Format        string     `yaml:"format"` // nv21, nv21-tiled (fake driver only)
	Buffers       int        `yaml:"buffers"`
	ReservedSlots int        `yaml:"reserved_slots"` // slots withheld for crop blits
	Crop          CropConfig `yaml:"crop"`
	Callback      bool       `yaml:"callback"` // publish preview frame summaries
}

// CropConfig is a preview zoom rectangle. All zero disables cropping.
type CropConfig struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	W int `yaml:"w"`
	H int `yaml:"h"`
}

// RecordConfig contains recording settings
type RecordConfig struct {
	Width          int    `yaml:"width"`
	Height         int    `yaml:"height"`
	Format         string `yaml:"format"`
	Buffers        int    `yaml:"buffers"`
	ActiveSlots    int    `yaml:"active_slots"` // video slots writable at start
	SharedPipeline bool   `yaml:"shared_pipeline"`
}

// PictureConfig contains still capture settings
type PictureConfig struct {
	Width           int               `yaml:"width"`
	Height          int               `yaml:"height"`
	Format          string            `yaml:"format"`
	ThumbWidth      int               `yaml:"thumb_width"` // -1 disables the thumbnail
	ThumbHeight     int               `yaml:"thumb_height"`
	Postview        bool              `yaml:"postview"` // substitute the last preview frame for the thumbnail
	Quality         int               `yaml:"quality"`
	FragmentSize    int               `yaml:"fragment_size"`
	EncodeTimeoutMS int               `yaml:"encode_timeout_ms"`
	OutputDir       string            `yaml:"output_dir"` // save pictures here; empty disables
	SnapshotFormat  string            `yaml:"snapshot_format"`
	Tags            map[string]string `yaml:"tags,omitempty"`
}

// LifecycleConfig contains instance lifecycle and recovery settings
type LifecycleConfig struct {
	AcquireTimeoutMS    int `yaml:"acquire_timeout_ms"`   // default: 5000
	RecheckIntervalMS   int `yaml:"recheck_interval_ms"`  // default: 1000
	EscalationThreshold int `yaml:"escalation_threshold"` // default: 5
	RetryDelayMS        int `yaml:"retry_delay_ms"`       // default: 100
	MaxRetryDelayMS     int `yaml:"max_retry_delay_ms"`   // default: 2000
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string          `yaml:"broker"`
	ClientID string          `yaml:"client_id"`
	Encoding string          `yaml:"encoding"` // msgpack, json
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Data    string `yaml:"data"`
	Health  string `yaml:"health"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// AcquireTimeout returns the lifecycle acquire timeout
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Lifecycle.AcquireTimeoutMS) * time.Millisecond
}

// RecheckInterval returns the lifecycle recheck interval
func (c *Config) RecheckInterval() time.Duration {
	return time.Duration(c.Lifecycle.RecheckIntervalMS) * time.Millisecond
}

// EncodeTimeout returns the picture encode timeout
func (c *Config) EncodeTimeout() time.Duration {
	return time.Duration(c.Picture.EncodeTimeoutMS) * time.Millisecond
}
