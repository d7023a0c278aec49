package service

import (
	"fmt"
	"log/slog"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/compose"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/config"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/detect"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/device"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/interpret"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/sequencer"
)

// Plan is everything resolved from the configuration before GStreamer runs:
// the two pipeline descriptions and the decoding of their outputs.
type Plan struct {
	Caps      device.CapabilitySet
	Source    string
	Primary   string
	Secondary string
	// Accelerators realizing each pipeline's video segments.
	PrimaryAccelerators   []device.Accelerator
	SecondaryAccelerators []device.Accelerator
	Decoder   *detect.Decoder
	Geometry  detect.Geometry
	Interpret sequencer.InterpretFunc

	// Faces is the FaceNet database, nil for other secondary kinds.
	Faces    *interpret.Database
	FacesDir string
}

// NewPlan composes both pipelines for caps.
func NewPlan(cfg *config.Config, caps device.CapabilitySet, quirks *device.Quirks) (*Plan, error) {
	source := cfg.Video.Source
	if source == "" {
		source = caps.DefaultCamera()
	}
	video := compose.Caps{Width: cfg.Video.Width, Height: cfg.Video.Height}
	filterOptions := caps.TensorFilterOptions()

	// One composer per pipeline description keeps both counters from 0.
	primary, err := compose.New(caps, quirks).Primary(compose.PrimaryOptions{
		Source:        source,
		Video:         video,
		FPS:           cfg.Video.FPS,
		ModelInput:    compose.Caps{Width: cfg.Primary.InputWidth, Height: cfg.Primary.InputHeight, Format: "RGB"},
		Model:         cfg.Primary.ModelPath,
		FilterOptions: filterOptions,
		UseGPU3D:      cfg.Primary.UseGPU3D,
		DisplaySink:   displaySink(cfg.Display),
		Flip:          cfg.Video.Flip,
	})
	if err != nil {
		return nil, fmt.Errorf("service: primary pipeline: %w", err)
	}

	secondary, err := compose.New(caps, quirks).Secondary(compose.SecondaryOptions{
		Video:         video,
		FPS:           cfg.Video.FPS,
		ModelInput:    compose.Caps{Width: cfg.Secondary.InputWidth, Height: cfg.Secondary.InputHeight, Format: cfg.Secondary.Format},
		Model:         cfg.Secondary.ModelPath,
		FilterOptions: filterOptions,
		UseGPU3D:      cfg.Secondary.UseGPU3D,
	})
	if err != nil {
		return nil, fmt.Errorf("service: secondary pipeline: %w", err)
	}

	decoder, err := NewDecoder(cfg.Primary)
	if err != nil {
		return nil, err
	}
	var (
		interp sequencer.InterpretFunc
		faces  *interpret.Database
	)
	if cfg.Secondary.Kind == config.KindFaceNet {
		m, err := newMatcher(cfg.Secondary)
		if err != nil {
			return nil, err
		}
		interp, faces = m.Interpret, m.Database()
	} else if interp, err = NewInterpreter(cfg.Secondary); err != nil {
		return nil, err
	}

	return &Plan{
		Caps:      caps,
		Source:    source,
		Primary:   primary.String(),
		Secondary: secondary.String(),

		PrimaryAccelerators:   primary.Accelerators(),
		SecondaryAccelerators: secondary.Accelerators(),
		Decoder:   decoder,
		Geometry: detect.Geometry{
			Width:   cfg.Video.Width,
			Height:  cfg.Video.Height,
			K:       cfg.Primary.SquareK,
			MinSide: cfg.Primary.MinSide,
		},
		Interpret: interp,
		Faces:     faces,
		FacesDir:  cfg.Secondary.DatabaseDir,
	}, nil
}

func displaySink(d config.DisplayConfig) string {
	if !d.Enabled {
		return ""
	}
	return d.Sink
}

// NewDecoder builds the detector output decoder.
func NewDecoder(p config.PrimaryConfig) (*detect.Decoder, error) {
	mode, err := detect.ParseMode(p.Mode)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	d, err := detect.NewDecoder(detect.Config{
		Mode:           mode,
		ScoreThreshold: float32(p.ScoreThreshold),
		IoUThreshold:   p.IoUThreshold,
		MaxBoxes:       p.MaxBoxes,
	})
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	return d, nil
}

// NewInterpreter returns the output interpretation for the secondary model
// kind. Raw without labels returns nil, leaving the sequencer to copy the
// tensor bytes.
func NewInterpreter(s config.SecondaryConfig) (sequencer.InterpretFunc, error) {
	switch s.Kind {
	case config.KindEmotion:
		if len(s.Labels) == 0 {
			return interpret.NewEmotionClassifier().Interpret, nil
		}
		c, err := interpret.NewClassifier(s.Labels)
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
		return c.Interpret, nil

	case config.KindFaceNet:
		m, err := newMatcher(s)
		if err != nil {
			return nil, err
		}
		return m.Interpret, nil

	case config.KindRaw:
		if len(s.Labels) == 0 {
			return nil, nil
		}
		c, err := interpret.NewClassifier(s.Labels)
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
		return c.Interpret, nil

	default:
		return nil, fmt.Errorf("service: unknown secondary kind %q", s.Kind)
	}
}

func newMatcher(s config.SecondaryConfig) (*interpret.Matcher, error) {
	db, err := interpret.LoadDatabase(s.DatabaseDir, interpret.FaceNetEmbeddingLen)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	m, err := interpret.NewMatcher(db, s.MatchThreshold)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	slog.Info("service: face database loaded", "dir", s.DatabaseDir, "names", db.Len(), "threshold", m.Threshold())
	return m, nil
}
