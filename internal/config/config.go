package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// Config represents the complete roi-cascade configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	Device           string          `yaml:"device"`      // machine or SoC id, empty = detect
	QuirksPath       string          `yaml:"quirks_path"` // accelerator quirk table override
	CacheDir         string          `yaml:"cache_dir"`   // VX graph cache
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"`
	HealthAddr       string          `yaml:"health_addr"` // e.g. ":8080", empty = disabled
	Video            VideoConfig     `yaml:"video"`
	Primary          PrimaryConfig   `yaml:"primary"`
	Secondary        SecondaryConfig `yaml:"secondary"`
	Dispatch         DispatchConfig  `yaml:"dispatch"`
	Engine           EngineConfig    `yaml:"engine"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Display          DisplayConfig   `yaml:"display"`
}

// VideoConfig contains camera settings
type VideoConfig struct {
	Source string `yaml:"source"` // camera device node or file:<path>, empty = device default
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
	Flip   bool   `yaml:"flip"` // mirror the display
}

// PrimaryConfig contains the detector settings
type PrimaryConfig struct {
	ModelPath      string  `yaml:"model_path"`
	Mode           string  `yaml:"mode"` // post-processed, raw
	InputWidth     int     `yaml:"input_width"`
	InputHeight    int     `yaml:"input_height"`
	ScoreThreshold float64 `yaml:"score_threshold"`
	IoUThreshold   float64 `yaml:"iou_threshold"`
	MaxBoxes       int     `yaml:"max_boxes"`
	SquareK        float64 `yaml:"square_k"`
	MinSide        int     `yaml:"min_side"`
	UseGPU3D       bool    `yaml:"use_gpu3d"`
}

// Secondary model kinds.
const (
	KindEmotion = "emotion"
	KindFaceNet = "facenet"
	KindRaw     = "raw"
)

// SecondaryConfig contains the per-box model settings
type SecondaryConfig struct {
	Kind           string   `yaml:"kind"` // emotion, facenet, raw
	ModelPath      string   `yaml:"model_path"`
	InputWidth     int      `yaml:"input_width"`
	InputHeight    int      `yaml:"input_height"`
	Format         string   `yaml:"format"` // RGB, GRAY8
	Labels         []string `yaml:"labels"`
	DatabaseDir    string   `yaml:"database_dir"`
	MatchThreshold float64  `yaml:"match_threshold"`
	UseGPU3D       bool     `yaml:"use_gpu3d"`
}

// DispatchConfig tunes the event loop and stall reporting
type DispatchConfig struct {
	LoopCapacity   int `yaml:"loop_capacity"`
	StatsIntervalS int `yaml:"stats_interval_s"`
	StallWarningMS int `yaml:"stall_warning_ms"`
}

// EngineConfig tunes pipeline supervision
type EngineConfig struct {
	MaxRetries        int `yaml:"max_retries"`
	RetryDelayMS      int `yaml:"retry_delay_ms"`
	MaxRetryDelayMS   int `yaml:"max_retry_delay_ms"`
	BusPollIntervalMS int `yaml:"bus_poll_interval_ms"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Encoding string `yaml:"encoding"` // json, msgpack
	Buffer   int    `yaml:"buffer"`
}

// DisplayConfig contains the optional display branch settings
type DisplayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Sink    string `yaml:"sink"`
}

// Default returns a configuration with every default applied and no model
// paths.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
