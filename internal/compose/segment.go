package compose

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/device"
)

// Kind is the operation a primitive performs.
type Kind int

const (
	KindScale Kind = iota
	KindConvert
	KindFlip
	KindCrop
	KindComposite
	// KindScaleConvert is an accelerator element resizing and converting in
	// one pass.
	KindScaleConvert
	// KindScaleConvertFlip additionally mirrors the image.
	KindScaleConvertFlip
)

func (k Kind) String() string {
	switch k {
	case KindScale:
		return "scale"
	case KindConvert:
		return "convert"
	case KindFlip:
		return "flip"
	case KindCrop:
		return "crop"
	case KindComposite:
		return "composite"
	case KindScaleConvert:
		return "scale_convert"
	case KindScaleConvertFlip:
		return "scale_convert_flip"
	default:
		return "unknown"
	}
}

// Property is one element property, kept in insertion order.
type Property struct {
	Key   string
	Value any
}

func (p Property) String() string {
	switch v := p.Value.(type) {
	case bool:
		return p.Key + "=" + strconv.FormatBool(v)
	case float64:
		return p.Key + "=" + strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%s=%v", p.Key, v)
	}
}

// Caps constrains the raw video leaving a primitive. Zero fields are
// unconstrained.
type Caps struct {
	Width  int
	Height int
	Format string
}

func (c Caps) String() string {
	var sb strings.Builder
	sb.WriteString("video/x-raw")
	if c.Width > 0 && c.Height > 0 {
		fmt.Fprintf(&sb, ",width=%d,height=%d", c.Width, c.Height)
	}
	if c.Format != "" {
		fmt.Fprintf(&sb, ",format=%s", c.Format)
	}
	return sb.String()
}

// Primitive is one named pipeline element.
type Primitive struct {
	Kind        Kind
	Name        string
	Element     string
	Accelerator device.Accelerator
	Props       []Property
	// Caps, when set, is a capsfilter linked right after the element.
	Caps *Caps
}

// Prop returns the value of key and whether it is set.
func (p Primitive) Prop(key string) (any, bool) {
	for _, prop := range p.Props {
		if prop.Key == key {
			return prop.Value, true
		}
	}
	return nil, false
}

func (p Primitive) String() string {
	var sb strings.Builder
	sb.WriteString(p.Element)
	sb.WriteString(" name=")
	sb.WriteString(p.Name)
	for _, prop := range p.Props {
		sb.WriteByte(' ')
		sb.WriteString(prop.String())
	}
	if p.Caps != nil {
		sb.WriteString(" ! ")
		sb.WriteString(p.Caps.String())
	}
	return sb.String()
}

// Segment is an ordered chain of primitives.
type Segment struct {
	Primitives []Primitive
}

// Len returns the number of primitives.
func (s Segment) Len() int { return len(s.Primitives) }

// Empty reports whether the segment has no primitive.
func (s Segment) Empty() bool { return len(s.Primitives) == 0 }

// Names returns primitive names in order.
func (s Segment) Names() []string {
	names := make([]string, len(s.Primitives))
	for i, p := range s.Primitives {
		names[i] = p.Name
	}
	return names
}

// Accelerators returns the distinct accelerators used, in order of first use.
func (s Segment) Accelerators() []device.Accelerator {
	var out []device.Accelerator
	seen := make(map[device.Accelerator]bool)
	for _, p := range s.Primitives {
		if !seen[p.Accelerator] {
			seen[p.Accelerator] = true
			out = append(out, p.Accelerator)
		}
	}
	return out
}

// Concat returns s followed by other.
func (s Segment) Concat(other Segment) Segment {
	prims := make([]Primitive, 0, len(s.Primitives)+len(other.Primitives))
	prims = append(prims, s.Primitives...)
	prims = append(prims, other.Primitives...)
	return Segment{Primitives: prims}
}

// String renders the segment as gst-launch text, elements linked with "!".
func (s Segment) String() string {
	parts := make([]string, len(s.Primitives))
	for i, p := range s.Primitives {
		parts[i] = p.String()
	}
	return strings.Join(parts, " ! ")
}
