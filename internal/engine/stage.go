package engine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/stream"
)

var (
	// ErrMapBuffer is returned by Push when the buffer cannot be read.
	ErrMapBuffer = errors.New("engine: buffer map failed")
	// ErrPush is returned by Push when the appsrc refuses the buffer.
	ErrPush = errors.New("engine: appsrc push failed")
)

var (
	_ stream.Stage    = (*Stage)(nil)
	_ stream.Pipeline = (*Pipeline)(nil)
)

// Stage feeds primary frames into a secondary pipeline through an appsrc and
// crops them with a videocrop element. It implements stream.Stage.
type Stage struct {
	pipeline *Pipeline
	src      *app.Source
	crop     string

	pushed uint64
	failed uint64
}

// StageStats holds push counters
type StageStats struct {
	Pushed uint64
	Failed uint64
}

// NewStage binds the appsrc named src and the videocrop named crop of p.
func NewStage(p *Pipeline, src, crop string) (*Stage, error) {
	elem, err := p.element(src)
	if err != nil {
		return nil, err
	}
	if _, err := p.element(crop); err != nil {
		return nil, err
	}
	return &Stage{pipeline: p, src: app.SrcFromElement(elem), crop: crop}, nil
}

// SetCrop sets the videocrop margins applied to the next pushed buffer.
func (s *Stage) SetCrop(m stream.Margins) error {
	if !m.Valid() {
		return fmt.Errorf("engine: invalid crop %s", m)
	}
	for _, prop := range []struct {
		name  string
		value int
	}{
		{"top", m.Top},
		{"bottom", m.Bottom},
		{"left", m.Left},
		{"right", m.Right},
	} {
		if err := s.pipeline.SetProperty(s.crop, prop.name, prop.value); err != nil {
			return err
		}
	}
	return nil
}

// Push copies buf into a new GStreamer buffer and pushes it into the appsrc.
func (s *Stage) Push(buf stream.Buffer) error {
	data, ok := buf.Map()
	if !ok {
		atomic.AddUint64(&s.failed, 1)
		return ErrMapBuffer
	}
	gbuf := gst.NewBufferFromBytes(data)
	buf.Unmap()

	if ret := s.src.PushBuffer(gbuf); ret != gst.FlowOK {
		atomic.AddUint64(&s.failed, 1)
		return fmt.Errorf("%w: %s", ErrPush, ret.String())
	}
	atomic.AddUint64(&s.pushed, 1)
	return nil
}

// Stats returns the push counters.
func (s *Stage) Stats() StageStats {
	return StageStats{
		Pushed: atomic.LoadUint64(&s.pushed),
		Failed: atomic.LoadUint64(&s.failed),
	}
}
