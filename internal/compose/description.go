package compose

import (
	"fmt"
	"strings"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/device"
)

// Leaky is the queue leak policy.
type Leaky int

const (
	LeakyNo Leaky = iota
	LeakyUpstream
	LeakyDownstream
)

// QueueOptions configures the queue heading a tee branch.
type QueueOptions struct {
	Name           string
	MaxSizeBuffers int // 0 keeps the element default
	Leaky          Leaky
}

// Description builds gst-launch text out of linked chains. A tee closes the
// current chain; Branch opens a new one fed by that tee.
type Description struct {
	chains   [][]string
	segments Segment
}

// NewDescription returns an empty description.
func NewDescription() *Description {
	return &Description{chains: [][]string{nil}}
}

func (d *Description) current() *[]string {
	return &d.chains[len(d.chains)-1]
}

// Add links raw element text at the end of the current chain.
func (d *Description) Add(element string) *Description {
	if element = strings.TrimSpace(element); element != "" {
		cur := d.current()
		*cur = append(*cur, element)
	}
	return d
}

// Segment links every primitive of s.
func (d *Description) Segment(s Segment) *Description {
	if s.Empty() {
		return d
	}
	d.segments = d.segments.Concat(s)
	return d.Add(s.String())
}

// Accelerators returns the distinct accelerators of every linked segment, in
// order of first use.
func (d *Description) Accelerators() []device.Accelerator {
	return d.segments.Accelerators()
}

// Caps links a capsfilter. Framerate is added when fps > 0.
func (d *Description) Caps(c Caps, fps int) *Description {
	text := c.String()
	if fps > 0 {
		text += fmt.Sprintf(",framerate=%d/1", fps)
	}
	return d.Add(text)
}

// Tee links a tee named name and closes the chain.
func (d *Description) Tee(name string) *Description {
	d.Add("tee name=" + name)
	d.chains = append(d.chains, nil)
	return d
}

// Branch opens a new chain from tee through a queue.
func (d *Description) Branch(tee string, opts QueueOptions) *Description {
	if len(*d.current()) > 0 {
		d.chains = append(d.chains, nil)
	}
	d.Add(tee + ".")

	q := "queue"
	if opts.Name != "" {
		q += " name=" + opts.Name
	}
	if opts.MaxSizeBuffers > 0 {
		q += fmt.Sprintf(" max-size-buffers=%d", opts.MaxSizeBuffers)
	}
	if opts.Leaky != LeakyNo {
		q += fmt.Sprintf(" leaky=%d", int(opts.Leaky))
	}
	return d.Add(q)
}

// TensorConverter links a tensor_converter.
func (d *Description) TensorConverter() *Description {
	return d.Add("tensor_converter")
}

// TensorFilter links a TFLite tensor_filter running model. options is the
// delegate fragment reported by the device (may be empty).
func (d *Description) TensorFilter(name, model, options string) *Description {
	text := "tensor_filter framework=tensorflow-lite model=" + model
	if name != "" {
		text += " name=" + name
	}
	if options != "" {
		text += " " + options
	}
	return d.Add(text)
}

// TensorSink links a tensor_sink emitting new-data signals.
func (d *Description) TensorSink(name string, qos bool) *Description {
	text := "tensor_sink name=" + name + " emit-signal=true sync=false"
	if !qos {
		text += " qos=false"
	}
	return d.Add(text)
}

// AppSink links an appsink keeping only the latest buffer.
func (d *Description) AppSink(name string) *Description {
	return d.Add("appsink name=" + name + " sync=false max-buffers=1 drop=true emit-signals=true")
}

// AppSrc links a live appsrc producing caps, dropping old buffers when full.
func (d *Description) AppSrc(name string, caps Caps, fps int) *Description {
	text := caps.String()
	if fps > 0 {
		text += fmt.Sprintf(",framerate=%d/1", fps)
	}
	return d.Add(fmt.Sprintf("appsrc name=%s is-live=true caps=%s format=time do-timestamp=true emit-signals=false max-buffers=1 leaky-type=downstream", name, text))
}

// String renders the description.
func (d *Description) String() string {
	parts := make([]string, 0, len(d.chains))
	for _, chain := range d.chains {
		if len(chain) == 0 {
			continue
		}
		parts = append(parts, strings.Join(chain, " ! "))
	}
	return strings.Join(parts, " ")
}
