package device

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// QuirksVersion is the quirk table schema understood by this package.
const QuirksVersion = 1

// ErrInvalidQuirks is returned when a quirk table fails validation.
var ErrInvalidQuirks = errors.New("device: invalid quirk table")

//go:embed quirks.yaml
var defaultQuirksYAML []byte

// Substitution redirects an accelerator away from formats it cannot sink.
type Substitution struct {
	Families   []Family `yaml:"families"`
	Formats    []string `yaml:"formats"`
	Substitute string   `yaml:"substitute"`
}

// AcceleratorQuirks lists the limitations of one accelerator.
type AcceleratorQuirks struct {
	MinDimension  int            `yaml:"min_dimension"`
	CropMeta      bool           `yaml:"crop_meta"`
	Flip          bool           `yaml:"flip"`
	Substitutions []Substitution `yaml:"substitutions"`
}

// CompositorQuirks lists per-accelerator compositor adjustments.
type CompositorQuirks struct {
	OverlayAlpha float64 `yaml:"overlay_alpha"`
}

// Quirks is the versioned accelerator limitation table.
type Quirks struct {
	Version      int                          `yaml:"version"`
	Accelerators map[string]AcceleratorQuirks `yaml:"accelerators"`
	Compositor   map[string]CompositorQuirks  `yaml:"compositor"`
}

var (
	defaultQuirksOnce sync.Once
	defaultQuirks     *Quirks
)

// DefaultQuirks returns the built-in quirk table.
func DefaultQuirks() *Quirks {
	defaultQuirksOnce.Do(func() {
		q, err := parseQuirks(defaultQuirksYAML)
		if err != nil {
			panic(fmt.Sprintf("device: built-in quirk table: %v", err))
		}
		defaultQuirks = q
	})
	return defaultQuirks
}

// LoadQuirks parses and validates a quirk table.
func LoadQuirks(r io.Reader) (*Quirks, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("device: read quirk table: %w", err)
	}
	return parseQuirks(data)
}

// LoadQuirksFile parses the quirk table stored at path.
func LoadQuirksFile(path string) (*Quirks, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("device: open quirk table: %w", err)
	}
	defer f.Close()
	return LoadQuirks(f)
}

func parseQuirks(data []byte) (*Quirks, error) {
	var q Quirks
	if err := yaml.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("device: parse quirk table: %w", err)
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

func (q *Quirks) validate() error {
	if q.Version != QuirksVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrInvalidQuirks, q.Version, QuirksVersion)
	}
	for name, aq := range q.Accelerators {
		switch Accelerator(name) {
		case AccelGPU3D, AccelG2D, AccelPXP:
		default:
			return fmt.Errorf("%w: unknown accelerator %q", ErrInvalidQuirks, name)
		}
		if aq.MinDimension < 0 {
			return fmt.Errorf("%w: %s: negative min_dimension", ErrInvalidQuirks, name)
		}
		for i, s := range aq.Substitutions {
			if s.Substitute == "" || len(s.Formats) == 0 {
				return fmt.Errorf("%w: %s: substitution %d needs formats and substitute", ErrInvalidQuirks, name, i)
			}
			if slices.Contains(s.Formats, s.Substitute) {
				return fmt.Errorf("%w: %s: substitution %d maps %s onto itself", ErrInvalidQuirks, name, i, s.Substitute)
			}
		}
	}
	for name, cq := range q.Compositor {
		if cq.OverlayAlpha < 0 || cq.OverlayAlpha > 1 {
			return fmt.Errorf("%w: compositor %s: overlay_alpha out of [0,1]", ErrInvalidQuirks, name)
		}
	}
	return nil
}

// Substitute returns the format accel must emit instead of format on the
// given family, or ok=false when format is sunk natively.
func (q *Quirks) Substitute(accel Accelerator, family Family, format string) (substitute string, ok bool) {
	aq, found := q.Accelerators[string(accel)]
	if !found || format == "" {
		return "", false
	}
	for _, s := range aq.Substitutions {
		if len(s.Families) > 0 && !slices.Contains(s.Families, family) {
			continue
		}
		if slices.Contains(s.Formats, format) {
			return s.Substitute, true
		}
	}
	return "", false
}

// MinDimension returns the smallest output width/height accel accepts.
func (q *Quirks) MinDimension(accel Accelerator) int {
	return q.Accelerators[string(accel)].MinDimension
}

// CropMeta reports whether accel honors upstream videocrop meta.
func (q *Quirks) CropMeta(accel Accelerator) bool {
	return q.Accelerators[string(accel)].CropMeta
}

// CanFlip reports whether accel supports the rotation property. The CPU tier
// always can.
func (q *Quirks) CanFlip(accel Accelerator) bool {
	if accel == AccelCPU {
		return true
	}
	return q.Accelerators[string(accel)].Flip
}

// OverlayAlpha returns the blend weight applied to the overlay sink of the
// accel compositor, if any.
func (q *Quirks) OverlayAlpha(accel Accelerator) (float64, bool) {
	cq, ok := q.Compositor[string(accel)]
	if !ok {
		return 0, false
	}
	return cq.OverlayAlpha, true
}
