// Package detect turns the output tensor of a face detector into a bounded
// set of square boxes in video pixel coordinates.
//
// Each tensor row holds [background, score, x1, y1, x2, y2] with coordinates
// normalized to [0,1]. Two layouts are supported:
//   - ModePostProcessed: the model already decoded and suppressed boxes
//     (100 rows). Rows above the score threshold are kept in model order.
//   - ModeRaw: one row per anchor (4420 rows). Rows above the threshold go
//     through NMS.
//
// Kept boxes are denormalized to the Geometry frame, clamped and squared.
package detect

import (
	"errors"
	"fmt"
	"math"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/tensor"
)

// ErrDecode is the sentinel wrapped by every DecodeError.
var ErrDecode = errors.New("detect: malformed output tensor")

// DecodeError reports a tensor that does not match the decoder layout.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("detect: %s: %v", e.Reason, e.Err)
	}
	return "detect: " + e.Reason
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}

// Mode selects the output tensor layout.
type Mode int

const (
	ModePostProcessed Mode = iota
	ModeRaw
)

func (m Mode) String() string {
	switch m {
	case ModePostProcessed:
		return "post-processed"
	case ModeRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// ParseMode accepts "post-processed" or "raw".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "post-processed", "postprocessed", "":
		return ModePostProcessed, nil
	case "raw":
		return ModeRaw, nil
	default:
		return 0, fmt.Errorf("detect: unknown mode %q", s)
	}
}

const (
	rowStride  = 6
	scoreIndex = 1
	boxIndex   = 2

	// PostProcessedRows is the row count of models with built-in NMS.
	PostProcessedRows = 100
	// RawRows is the anchor count of the slim 320x240 model.
	RawRows = 4420
)

// Config tunes a Decoder.
type Config struct {
	Mode           Mode
	Rows           int     // 0 selects the mode default
	ScoreThreshold float32 // strictly greater scores are kept
	IoUThreshold   float64 // ModeRaw only
	MaxBoxes       int
}

// DefaultConfig returns the UltraFace settings for mode.
func DefaultConfig(mode Mode) Config {
	return Config{
		Mode:           mode,
		ScoreThreshold: 0.7,
		IoUThreshold:   0.5,
		MaxBoxes:       16,
	}
}

// Decoder decodes one detector output tensor per frame.
type Decoder struct {
	cfg   Config
	shape tensor.Shape
}

// NewDecoder validates cfg and returns a Decoder.
func NewDecoder(cfg Config) (*Decoder, error) {
	if cfg.Rows == 0 {
		switch cfg.Mode {
		case ModePostProcessed:
			cfg.Rows = PostProcessedRows
		case ModeRaw:
			cfg.Rows = RawRows
		}
	}
	if cfg.Mode != ModePostProcessed && cfg.Mode != ModeRaw {
		return nil, fmt.Errorf("detect: unknown mode %d", cfg.Mode)
	}
	if cfg.Rows <= 0 {
		return nil, fmt.Errorf("detect: rows must be > 0, got %d", cfg.Rows)
	}
	if cfg.MaxBoxes <= 0 {
		return nil, fmt.Errorf("detect: max boxes must be > 0, got %d", cfg.MaxBoxes)
	}
	if cfg.ScoreThreshold < 0 || cfg.ScoreThreshold > 1 {
		return nil, fmt.Errorf("detect: score threshold %v outside [0,1]", cfg.ScoreThreshold)
	}
	if cfg.Mode == ModeRaw && (cfg.IoUThreshold < 0 || cfg.IoUThreshold > 1) {
		return nil, fmt.Errorf("detect: IoU threshold %v outside [0,1]", cfg.IoUThreshold)
	}

	shape := tensor.Shape{cfg.Rows, rowStride}
	if cfg.Mode == ModeRaw {
		shape = tensor.Shape{1, cfg.Rows, rowStride}
	}
	return &Decoder{cfg: cfg, shape: shape}, nil
}

// Config returns the effective configuration.
func (d *Decoder) Config() Config { return d.cfg }

// Shape returns the expected output tensor shape.
func (d *Decoder) Shape() tensor.Shape { return d.shape }

// Decode turns raw into a Set of at most MaxBoxes boxes in g.
//
// A tensor of the wrong size yields a DecodeError. No box above the
// threshold yields an empty Set and no error.
func (d *Decoder) Decode(raw []byte, g Geometry) (Set, error) {
	if g.Width <= 0 || g.Height <= 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid frame geometry %dx%d", g.Width, g.Height)}
	}
	values, err := tensor.Float32s(raw, d.shape)
	if err != nil {
		return nil, &DecodeError{Reason: "read output tensor", Err: err}
	}

	candidates := make([]Box, 0, 16)
	for row := 0; row < d.cfg.Rows; row++ {
		v := values[row*rowStride : (row+1)*rowStride]
		score := v[scoreIndex]
		if !finite(score) || !(score > d.cfg.ScoreThreshold) {
			continue
		}
		coords := v[boxIndex : boxIndex+4]
		if !finite(coords[0]) || !finite(coords[1]) || !finite(coords[2]) || !finite(coords[3]) {
			continue
		}
		candidates = append(candidates, g.Clamp(Box{
			X1:    int(coords[0] * float32(g.Width)),
			Y1:    int(coords[1] * float32(g.Height)),
			X2:    int(coords[2] * float32(g.Width)),
			Y2:    int(coords[3] * float32(g.Height)),
			Score: score,
		}))
		if d.cfg.Mode == ModePostProcessed && len(candidates) == d.cfg.MaxBoxes {
			break
		}
	}

	var set Set
	if d.cfg.Mode == ModeRaw {
		set = NMS(candidates, d.cfg.IoUThreshold, d.cfg.MaxBoxes)
	} else {
		set = Set(candidates)
	}

	if g.K > 0 {
		for i := range set {
			set[i] = g.Square(set[i])
		}
	}
	return set, nil
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
