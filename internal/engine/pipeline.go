// Package engine runs composed pipeline descriptions on GStreamer through
// go-gst and adapts them to the stream contracts.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var initOnce sync.Once

// Init initializes GStreamer. Safe to call multiple times.
func Init() {
	initOnce.Do(func() { gst.Init(nil) })
}

// Pipeline is a GStreamer pipeline launched from gst-launch text.
type Pipeline struct {
	name        string
	description string
	pipeline    *gst.Pipeline
	startedAt   time.Time

	samples uint64
	tensors uint64
	empty   uint64
}

// PipelineStats holds per-pipeline callback counters
type PipelineStats struct {
	Samples uint64 // appsink samples delivered
	Tensors uint64 // tensor_sink buffers delivered
	Empty   uint64 // samples or buffers skipped because they could not be read
}

// Launch parses description into a pipeline in the NULL state.
func Launch(name, description string) (*Pipeline, error) {
	Init()
	pipeline, err := gst.NewPipelineFromString(description)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to create pipeline %s: %w", name, err)
	}
	slog.Debug("engine: pipeline created", "pipeline", name, "description", description)
	return &Pipeline{name: name, description: description, pipeline: pipeline}, nil
}

// Name returns the name the pipeline was launched with.
func (p *Pipeline) Name() string { return p.name }

// Start sets the pipeline to PLAYING.
func (p *Pipeline) Start() error {
	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("engine: failed to start pipeline %s: %w", p.name, err)
	}
	p.startedAt = time.Now()
	slog.Info("engine: pipeline started", "pipeline", p.name)
	return nil
}

// Stop sets the pipeline to NULL and releases its resources. Safe to call
// on a stopped pipeline.
func (p *Pipeline) Stop() error {
	if p == nil || p.pipeline == nil {
		return nil
	}
	if err := p.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("engine: failed to stop pipeline %s: %w", p.name, err)
	}
	slog.Info("engine: pipeline stopped", "pipeline", p.name)
	return nil
}

// SetProperty sets property on the element named element.
func (p *Pipeline) SetProperty(element, property string, value any) error {
	elem, err := p.element(element)
	if err != nil {
		return err
	}
	if err := elem.SetProperty(property, value); err != nil {
		return fmt.Errorf("engine: set %s.%s=%v: %w", element, property, value, err)
	}
	return nil
}

func (p *Pipeline) element(name string) (*gst.Element, error) {
	elem, err := p.pipeline.GetElementByName(name)
	if err != nil || elem == nil {
		return nil, fmt.Errorf("engine: element %s not found in pipeline %s: %v", name, p.name, err)
	}
	return elem, nil
}

// OnSample calls fn with a copy of every buffer reaching the appsink named
// sink. fn runs on a GStreamer streaming thread.
func (p *Pipeline) OnSample(sink string, fn func(data []byte)) error {
	elem, err := p.element(sink)
	if err != nil {
		return err
	}
	appsink := app.SinkFromElement(elem)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			sample := s.PullSample()
			if sample == nil {
				// A single bad sample must not stop the stream.
				atomic.AddUint64(&p.empty, 1)
				return gst.FlowOK
			}
			data, ok := copyBuffer(sample.GetBuffer())
			if !ok {
				atomic.AddUint64(&p.empty, 1)
				return gst.FlowOK
			}
			atomic.AddUint64(&p.samples, 1)
			fn(data)
			return gst.FlowOK
		},
	})
	return nil
}

// OnTensor calls fn with a copy of every buffer the tensor_sink named sink
// emits through its new-data signal. fn runs on a GStreamer streaming thread.
func (p *Pipeline) OnTensor(sink string, fn func(data []byte)) error {
	elem, err := p.element(sink)
	if err != nil {
		return err
	}
	_, err = elem.Connect("new-data", func(self *gst.Element, buffer *gst.Buffer) {
		data, ok := copyBuffer(buffer)
		if !ok {
			atomic.AddUint64(&p.empty, 1)
			return
		}
		atomic.AddUint64(&p.tensors, 1)
		fn(data)
	})
	if err != nil {
		return fmt.Errorf("engine: connect new-data on %s: %w", sink, err)
	}
	return nil
}

// copyBuffer copies the buffer content. GStreamer reuses the memory once the
// callback returns.
func copyBuffer(buffer *gst.Buffer) ([]byte, bool) {
	if buffer == nil {
		return nil, false
	}
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, false
	}
	defer buffer.Unmap()
	data := mapInfo.Bytes()
	if len(data) == 0 {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// Stats returns the callback counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Samples: atomic.LoadUint64(&p.samples),
		Tensors: atomic.LoadUint64(&p.tensors),
		Empty:   atomic.LoadUint64(&p.empty),
	}
}

// Monitor polls the pipeline bus until ctx is done (returns nil), the stream
// ends (ErrEOS) or an error is posted (*PipelineError). onPlaying is called
// each time the pipeline reaches PLAYING.
func (p *Pipeline) Monitor(ctx context.Context, poll time.Duration, onPlaying func()) error {
	if p.pipeline == nil {
		return fmt.Errorf("engine: pipeline %s not initialized", p.name)
	}
	bus := p.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("engine: context cancelled, stopping pipeline monitor", "pipeline", p.name)
			return nil
		default:
		}

		msg := bus.TimedPop(poll)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("engine: end of stream received",
				"pipeline", p.name,
				"uptime", time.Since(p.startedAt),
				"samples", atomic.LoadUint64(&p.samples),
			)
			return ErrEOS

		case gst.MessageError:
			perr := newPipelineError(p.name, msg.ParseError())
			slog.Error("engine: pipeline error",
				"pipeline", p.name,
				"error", perr.Message,
				"debug", perr.Debug,
				"category", perr.Category.String(),
				"uptime", time.Since(p.startedAt),
			)
			return perr

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			if gerr != nil {
				slog.Warn("engine: pipeline warning", "pipeline", p.name, "warning", gerr.Error())
			}

		case gst.MessageStateChanged:
			if msg.Source() == p.pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("engine: pipeline state changed", "pipeline", p.name, "from", old, "to", new)
				if new == gst.StatePlaying && onPlaying != nil {
					onPlaying()
				}
			}
		}
	}
}
