// Package compose turns visual transform requests (scale, color conversion,
// flip, crop, composition) into GStreamer pipeline segments realized on the
// best accelerator of the running device.
//
// Selection order for AcceleratedScaleConvert:
//  1. GPU3D (imxvideoconvert_ocl), only when requested and present. It cannot
//     flip, so a requested flip runs first as a flip-only segment on the
//     next tier.
//  2. G2D (imxvideoconvert_g2d)
//  3. PXP (imxvideoconvert_pxp)
//  4. CPU (videoscale / videoflip / videoconvert)
//
// Formats an accelerator cannot sink are redirected to a substitute format
// taken from the device quirk table, followed by a CPU videoconvert back to
// the requested format. G2D and PXP refuse output sizes under the quirk
// minimum dimension; such requests fall through to the next tier.
//
// Every primitive the composer names takes exactly one value of the
// composer's element counter, so names never collide for the lifetime of a
// Composer, including nested flip-first paths.
package compose

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/device"
)

// mirror is the rotation/video-direction enum value for horizontal flip.
const mirror = 4

var knownFormats = map[string]bool{
	"RGB": true, "BGR": true, "RGBA": true, "BGRA": true, "RGBx": true, "BGRx": true,
	"GRAY8": true, "YUY2": true, "UYVY": true, "NV12": true, "I420": true, "RGB16": true,
}

// Request describes a scale/convert transform. Zero Width/Height/Format
// leave that aspect unchanged.
type Request struct {
	Width     int
	Height    int
	Format    string
	Flip      bool
	UseGPU3D  bool
	Cropping  bool
	KeepRatio bool
}

func (r Request) hasDims() bool { return r.Width > 0 && r.Height > 0 }

func (r Request) flipOnly() bool { return !r.hasDims() && r.Format == "" }

func (r Request) validate(op string) error {
	if r.Width < 0 || r.Height < 0 {
		return compositionErrorf(op, "negative dimensions %dx%d", r.Width, r.Height)
	}
	if (r.Width == 0) != (r.Height == 0) {
		return compositionErrorf(op, "width and height must be set together (got %dx%d)", r.Width, r.Height)
	}
	if r.Format != "" && !knownFormats[r.Format] {
		return compositionErrorf(op, "unknown pixel format %q", r.Format)
	}
	return nil
}

// Margins are crop distances from each frame edge. A nil margin leaves that
// edge unconstrained.
type Margins struct {
	Top, Bottom, Left, Right *int
}

// Composer builds segments for one pipeline.
type Composer struct {
	caps    device.CapabilitySet
	quirks  *device.Quirks
	counter int
}

// New creates a composer for caps. A nil quirks uses device.DefaultQuirks.
func New(caps device.CapabilitySet, quirks *device.Quirks) *Composer {
	if quirks == nil {
		quirks = device.DefaultQuirks()
	}
	return &Composer{caps: caps, quirks: quirks}
}

// Counter returns the next element-name counter value.
func (c *Composer) Counter() int { return c.counter }

// Capabilities returns the device capabilities the composer selects from.
func (c *Composer) Capabilities() device.CapabilitySet { return c.caps }

// builder accumulates primitives; add is the only place the counter moves.
type builder struct {
	c     *Composer
	prims []Primitive
}

func (c *Composer) newBuilder() *builder { return &builder{c: c} }

func (b *builder) add(kind Kind, role string, accel device.Accelerator, element string, props ...Property) *Primitive {
	n := b.c.counter
	b.c.counter++
	b.prims = append(b.prims, Primitive{
		Kind:        kind,
		Name:        role + "_" + string(accel) + "_" + strconv.Itoa(n),
		Element:     element,
		Accelerator: accel,
		Props:       props,
	})
	return &b.prims[len(b.prims)-1]
}

// addNamed appends a caller-named primitive; it does not consume a counter
// value.
func (b *builder) addNamed(kind Kind, name string, accel device.Accelerator, element string, props ...Property) *Primitive {
	b.prims = append(b.prims, Primitive{
		Kind:        kind,
		Name:        name,
		Element:     element,
		Accelerator: accel,
		Props:       props,
	})
	return &b.prims[len(b.prims)-1]
}

func (b *builder) last() *Primitive {
	if len(b.prims) == 0 {
		return nil
	}
	return &b.prims[len(b.prims)-1]
}

func (b *builder) segment() Segment {
	return Segment{Primitives: b.prims}
}

func converterElement(accel device.Accelerator) string {
	return "imxvideoconvert_" + string(accel)
}

// Flip returns a mirror segment on accel. flipOnly names the primitive as a
// pure flip; otherwise the accelerator element also scales and converts and
// keepRatio is honored.
func (c *Composer) Flip(accel device.Accelerator, flipOnly, keepRatio bool) (Segment, error) {
	if !c.quirks.CanFlip(accel) {
		return Segment{}, compositionErrorf("flip", "accelerator %s cannot flip", accel)
	}
	b := c.newBuilder()
	b.flip(accel, flipOnly, keepRatio)
	return b.segment(), nil
}

func (b *builder) flip(accel device.Accelerator, flipOnly, keepRatio bool) {
	if accel == device.AccelCPU {
		b.add(KindFlip, "flip", accel, "videoflip", Property{"video-direction", mirror})
		return
	}
	if flipOnly {
		b.add(KindFlip, "flip", accel, converterElement(accel), Property{"rotation", mirror})
		return
	}
	p := b.add(KindScaleConvertFlip, "scale_csc_flip", accel, converterElement(accel), Property{"rotation", mirror})
	if keepRatio {
		p.Props = append(p.Props, Property{"keep-ratio", true})
	}
}

// ScaleConvert realizes req on the given accelerator without any tier
// selection or format substitution.
func (c *Composer) ScaleConvert(req Request, accel device.Accelerator) (Segment, error) {
	if err := req.validate("scale_convert"); err != nil {
		return Segment{}, err
	}
	switch accel {
	case device.AccelGPU3D, device.AccelG2D, device.AccelPXP, device.AccelCPU:
	default:
		return Segment{}, compositionErrorf("scale_convert", "unknown accelerator %q", accel)
	}
	if req.Flip && !c.quirks.CanFlip(accel) {
		return Segment{}, compositionErrorf("scale_convert", "accelerator %s cannot flip", accel)
	}
	b := c.newBuilder()
	b.scaleConvert(accel, req)
	return b.segment(), nil
}

func (b *builder) scaleConvert(accel device.Accelerator, req Request) {
	start := len(b.prims)

	if accel != device.AccelCPU {
		if req.Flip {
			b.flip(accel, req.flipOnly(), req.KeepRatio)
			if req.Cropping {
				b.last().Props = append(b.last().Props, Property{"videocrop-meta-enable", true})
			}
		} else if req.Cropping {
			b.add(KindScaleConvert, "video_crop_scale_csc", accel, converterElement(accel),
				Property{"videocrop-meta-enable", true})
		} else {
			p := b.add(KindScaleConvert, "scale_csc", accel, converterElement(accel))
			if req.KeepRatio {
				p.Props = append(p.Props, Property{"keep-ratio", true})
			}
		}
	} else {
		if req.hasDims() {
			p := b.add(KindScale, "scale", accel, "videoscale")
			if req.KeepRatio {
				p.Props = append(p.Props, Property{"add-borders", true})
			}
		}
		if req.Flip {
			b.flip(accel, req.flipOnly(), false)
		}
		if req.Format != "" {
			b.add(KindConvert, "csc", accel, "videoconvert")
		}
	}

	if (req.hasDims() || req.Format != "") && len(b.prims) > start {
		caps := Caps{Format: req.Format}
		if req.hasDims() {
			caps.Width, caps.Height = req.Width, req.Height
		}
		b.last().Caps = &caps
	}
}

// AcceleratedScaleConvert realizes req on the best available accelerator.
func (c *Composer) AcceleratedScaleConvert(req Request) (Segment, error) {
	if err := req.validate("accelerated_scale_convert"); err != nil {
		return Segment{}, err
	}
	b := c.newBuilder()
	b.accelerated(req)
	return b.segment(), nil
}

func (b *builder) accelerated(req Request) {
	c := b.c
	if req.flipOnly() && !req.Flip && !req.Cropping {
		return
	}
	if req.UseGPU3D {
		if c.caps.HasGPU3D() {
			if req.Flip {
				b.accelerated(Request{Flip: true})
			}
			if req.hasDims() || req.Format != "" {
				inner := req
				inner.Flip = false
				b.substituted(device.AccelGPU3D, inner)
			}
			return
		}
		slog.Warn("compose: no GPU3D on this device, using next available tier",
			"device", c.caps.Name())
		req.UseGPU3D = false
	}

	b.substituted(c.selectTier(req), req)
}

// selectTier picks G2D, then PXP, then CPU.
func (c *Composer) selectTier(req Request) device.Accelerator {
	for _, accel := range []device.Accelerator{device.AccelG2D, device.AccelPXP} {
		if !c.caps.Has(accel) {
			continue
		}
		if minDim := c.quirks.MinDimension(accel); req.hasDims() && (req.Width < minDim || req.Height < minDim) {
			slog.Debug("compose: output below accelerator minimum, trying next tier",
				"accelerator", accel,
				"width", req.Width,
				"height", req.Height,
				"min", minDim,
			)
			continue
		}
		return accel
	}
	return device.AccelCPU
}

// substituted realizes req on accel, redirecting formats accel cannot sink.
func (b *builder) substituted(accel device.Accelerator, req Request) {
	c := b.c
	if req.Cropping && !c.quirks.CropMeta(accel) {
		req.Cropping = false
	}
	if accel == device.AccelCPU {
		b.scaleConvert(accel, req)
		return
	}

	sub, ok := c.quirks.Substitute(accel, c.caps.Family(), req.Format)
	if !ok {
		b.scaleConvert(accel, req)
		return
	}

	slog.Debug("compose: substituting accelerator sink format",
		"accelerator", accel,
		"requested", req.Format,
		"substitute", sub,
	)
	inner := req
	inner.Format = sub
	b.scaleConvert(accel, inner)

	p := b.add(KindConvert, formatRole(req.Format)+"_convert", device.AccelCPU, "videoconvert")
	p.Caps = &Caps{Format: req.Format}
}

func formatRole(format string) string {
	if strings.HasPrefix(format, "GRAY") {
		return "gray"
	}
	return strings.ToLower(format)
}

// CropThenScaleConvert prepends a videocrop named name to the accelerated
// scale/convert of req. Accelerators honoring crop meta are asked to crop in
// hardware.
func (c *Composer) CropThenScaleConvert(name string, m Margins, req Request) (Segment, error) {
	const op = "crop_then_scale_convert"
	if name == "" {
		return Segment{}, compositionErrorf(op, "crop element name is required")
	}
	if err := req.validate(op); err != nil {
		return Segment{}, err
	}

	b := c.newBuilder()
	crop := b.addNamed(KindCrop, name, device.AccelCPU, "videocrop")
	for _, edge := range []struct {
		key string
		v   *int
	}{{"top", m.Top}, {"bottom", m.Bottom}, {"left", m.Left}, {"right", m.Right}} {
		if edge.v == nil {
			continue
		}
		if *edge.v < 0 {
			return Segment{}, compositionErrorf(op, "negative %s margin %d", edge.key, *edge.v)
		}
		crop.Props = append(crop.Props, Property{edge.key, *edge.v})
	}

	req.Cropping = true
	b.accelerated(req)
	return b.segment(), nil
}

// Compositor sink pad names. The overlay stream is always stacked above
// the main stream.
const (
	CompositorName = "mix"
	OverlaySink    = "sink_0"
	MainSink       = "sink_1"
)

// Compositor returns the two-input video mixer named CompositorName.
// A nonzero latencyMS bounds both latency and min-upstream-latency.
func (c *Composer) Compositor(latencyMS int) (Segment, error) {
	if latencyMS < 0 {
		return Segment{}, compositionErrorf("compositor", "negative latency %d", latencyMS)
	}

	accel := device.AccelCPU
	element := "compositor"
	switch {
	case c.caps.HasG2D():
		accel, element = device.AccelG2D, "imxcompositor_g2d"
	case c.caps.HasPXP():
		accel, element = device.AccelPXP, "imxcompositor_pxp"
	}

	props := []Property{{OverlaySink + "::zorder", 2}}
	if alpha, ok := c.quirks.OverlayAlpha(accel); ok {
		props = append(props, Property{OverlaySink + "::alpha", alpha})
	}
	props = append(props, Property{MainSink + "::zorder", 1})
	if latencyMS != 0 {
		props = append(props,
			Property{"latency", latencyMS},
			Property{"min-upstream-latency", latencyMS})
	}

	b := c.newBuilder()
	b.addNamed(KindComposite, CompositorName, accel, element, props...)
	return b.segment(), nil
}
