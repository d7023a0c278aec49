package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// applyDefaults fills every unset field.
func applyDefaults(cfg *Config) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "roi-cascade"
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if cfg.Video.Width == 0 && cfg.Video.Height == 0 {
		cfg.Video.Width, cfg.Video.Height = 640, 480
	}
	if cfg.Video.FPS == 0 {
		cfg.Video.FPS = 30
	}

	p := &cfg.Primary
	if p.Mode == "" {
		p.Mode = "post-processed"
	}
	if p.InputWidth == 0 && p.InputHeight == 0 {
		p.InputWidth, p.InputHeight = 320, 240
	}
	if p.ScoreThreshold == 0 {
		p.ScoreThreshold = 0.7
	}
	if p.IoUThreshold == 0 {
		p.IoUThreshold = 0.5
	}
	if p.MaxBoxes == 0 {
		p.MaxBoxes = 16
	}
	if p.SquareK == 0 {
		p.SquareK = 0.8
	}
	if p.MinSide == 0 {
		p.MinSide = 64
	}

	s := &cfg.Secondary
	if s.Kind == "" {
		s.Kind = KindEmotion
	}
	switch s.Kind {
	case KindEmotion:
		if s.InputWidth == 0 && s.InputHeight == 0 {
			s.InputWidth, s.InputHeight = 48, 48
		}
		if s.Format == "" {
			s.Format = "GRAY8"
		}
	case KindFaceNet:
		if s.InputWidth == 0 && s.InputHeight == 0 {
			s.InputWidth, s.InputHeight = 160, 160
		}
		if s.Format == "" {
			s.Format = "RGB"
		}
		if s.MatchThreshold == 0 {
			s.MatchThreshold = 1.0
		}
		if s.DatabaseDir == "" {
			s.DatabaseDir = "facenet-db"
		}
	}

	d := &cfg.Dispatch
	if d.LoopCapacity == 0 {
		d.LoopCapacity = 64
	}
	if d.StatsIntervalS == 0 {
		d.StatsIntervalS = 10
	}
	if d.StallWarningMS == 0 {
		d.StallWarningMS = 2000
	}

	e := &cfg.Engine
	if e.MaxRetries == 0 {
		e.MaxRetries = 5
	}
	if e.RetryDelayMS == 0 {
		e.RetryDelayMS = 1000
	}
	if e.MaxRetryDelayMS == 0 {
		e.MaxRetryDelayMS = 30000
	}
	if e.BusPollIntervalMS == 0 {
		e.BusPollIntervalMS = 50
	}

	m := &cfg.MQTT
	if m.Topic == "" {
		m.Topic = fmt.Sprintf("nnstreamer/roi-cascade/%s/results", cfg.InstanceID)
	}
	if m.Encoding == "" {
		m.Encoding = "json"
	}
	if m.Buffer == 0 {
		m.Buffer = 16
	}

	if cfg.Display.Sink == "" {
		cfg.Display.Sink = "autovideosink"
	}
}

// Validate fills defaults and checks the configuration.
func Validate(cfg *Config) error {
	applyDefaults(cfg)

	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return invalid("instance_id must match pattern [a-z0-9-]+")
	}

	v := cfg.Video
	if v.Width <= 0 || v.Height <= 0 {
		return invalid("video size %dx%d", v.Width, v.Height)
	}
	if v.FPS <= 0 || v.FPS > 120 {
		return invalid("video.fps must be in (0, 120], got %d", v.FPS)
	}

	p := cfg.Primary
	if p.ModelPath == "" {
		return invalid("primary.model_path is required")
	}
	if p.Mode != "post-processed" && p.Mode != "raw" {
		return invalid("primary.mode must be 'post-processed' or 'raw', got %q", p.Mode)
	}
	if p.InputWidth <= 0 || p.InputHeight <= 0 {
		return invalid("primary input size %dx%d", p.InputWidth, p.InputHeight)
	}
	if p.ScoreThreshold < 0 || p.ScoreThreshold > 1 {
		return invalid("primary.score_threshold must be in [0,1], got %v", p.ScoreThreshold)
	}
	if p.IoUThreshold < 0 || p.IoUThreshold > 1 {
		return invalid("primary.iou_threshold must be in [0,1], got %v", p.IoUThreshold)
	}
	if p.MaxBoxes <= 0 {
		return invalid("primary.max_boxes must be > 0, got %d", p.MaxBoxes)
	}
	if p.SquareK < 0 {
		return invalid("primary.square_k must be >= 0, got %v", p.SquareK)
	}
	if p.MinSide < 0 {
		return invalid("primary.min_side must be >= 0, got %d", p.MinSide)
	}

	s := cfg.Secondary
	switch s.Kind {
	case KindEmotion, KindFaceNet, KindRaw:
	default:
		return invalid("secondary.kind must be emotion, facenet or raw, got %q", s.Kind)
	}
	if s.ModelPath == "" {
		return invalid("secondary.model_path is required")
	}
	if s.InputWidth <= 0 || s.InputHeight <= 0 {
		return invalid("secondary input size %dx%d", s.InputWidth, s.InputHeight)
	}
	if s.Format == "" {
		return invalid("secondary.format is required for kind %q", s.Kind)
	}
	if s.MatchThreshold < 0 {
		return invalid("secondary.match_threshold must be >= 0, got %v", s.MatchThreshold)
	}

	d := cfg.Dispatch
	if d.LoopCapacity < 0 || d.StatsIntervalS < 0 || d.StallWarningMS < 0 {
		return invalid("dispatch values must be >= 0")
	}

	e := cfg.Engine
	if e.MaxRetries < 0 || e.RetryDelayMS < 0 || e.MaxRetryDelayMS < e.RetryDelayMS {
		return invalid("engine retry policy: retries=%d delay=%dms max=%dms", e.MaxRetries, e.RetryDelayMS, e.MaxRetryDelayMS)
	}
	if e.BusPollIntervalMS <= 0 {
		return invalid("engine.bus_poll_interval_ms must be > 0")
	}

	m := cfg.MQTT
	if m.Enabled && m.Broker == "" {
		return invalid("mqtt.broker is required when mqtt is enabled")
	}
	if m.QoS > 2 {
		return invalid("mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
	}
	if m.Encoding != "json" && m.Encoding != "msgpack" {
		return invalid("mqtt.encoding must be 'json' or 'msgpack', got %q", m.Encoding)
	}

	return nil
}
