package compose

import (
	"fmt"
	"strings"
)

// Element names shared by the pipeline descriptions and the engine.
const (
	VideoTee      = "tvideo"
	DetectorSink  = "tsink_fd"
	VideoSink     = "appsink_video"
	SecondarySrc  = "appsrc_video"
	SecondaryCrop = "video_crop"
	SecondarySink = "tsink_fr"

	// DisplayFormat is the pixel format fed to the display sink.
	DisplayFormat = "RGB16"
)

// PrimaryOptions describes the detection pipeline.
type PrimaryOptions struct {
	// Source is a camera device node, or a file path prefixed with "file:".
	Source string
	// Video is the camera output. Format defaults to YUY2.
	Video Caps
	FPS   int
	// ModelInput is the detector input tensor geometry and format.
	ModelInput Caps
	Model      string
	// FilterOptions is the tensor_filter delegate fragment.
	FilterOptions string
	// UseGPU3D routes the detector resize through the 3D GPU.
	UseGPU3D bool
	// DisplaySink enables a display branch ending in this sink element.
	DisplaySink string
	// Flip mirrors the display branch.
	Flip bool
}

// SecondaryOptions describes the per-box pipeline.
type SecondaryOptions struct {
	// Video is the primary frame format pushed into the appsrc.
	Video         Caps
	FPS           int
	ModelInput    Caps
	Model         string
	FilterOptions string
	UseGPU3D      bool
}

// Primary builds the detection pipeline:
//
//	source ! caps ! tee
//	tee. ! queue ! scale to model input ! tensor_converter ! tensor_filter ! tensor_sink
//	tee. ! queue ! scale to display format ! display sink   (optional)
//	tee. ! queue ! appsink
func (c *Composer) Primary(opts PrimaryOptions) (*Description, error) {
	if opts.Source == "" || opts.Model == "" {
		return nil, compositionErrorf("primary", "source and model are required")
	}
	video := withDefaultFormat(opts.Video)
	if video.Width <= 0 || video.Height <= 0 {
		return nil, compositionErrorf("primary", "video geometry %dx%d", video.Width, video.Height)
	}

	detector, err := c.AcceleratedScaleConvert(Request{
		Width:    opts.ModelInput.Width,
		Height:   opts.ModelInput.Height,
		Format:   opts.ModelInput.Format,
		UseGPU3D: opts.UseGPU3D,
	})
	if err != nil {
		return nil, fmt.Errorf("compose: detector branch: %w", err)
	}

	leaky := QueueOptions{MaxSizeBuffers: 1, Leaky: LeakyDownstream}
	d := NewDescription().
		Add(sourceElement(opts.Source)).
		Caps(video, opts.FPS).
		Tee(VideoTee).
		Branch(VideoTee, leaky).
		Segment(detector).
		TensorConverter().
		TensorFilter("", opts.Model, opts.FilterOptions).
		TensorSink(DetectorSink, true)

	if opts.DisplaySink != "" {
		display, err := c.AcceleratedScaleConvert(Request{Format: DisplayFormat, Flip: opts.Flip})
		if err != nil {
			return nil, fmt.Errorf("compose: display branch: %w", err)
		}
		d.Branch(VideoTee, leaky).Segment(display).Add(opts.DisplaySink + " sync=false")
	}

	d.Branch(VideoTee, leaky).AppSink(VideoSink)
	return d, nil
}

// Secondary builds the per-box pipeline:
//
//	appsrc ! caps ! videocrop ! scale to model input ! tensor_converter ! tensor_filter ! tensor_sink
//
// The crop margins are set at run time on SecondaryCrop.
func (c *Composer) Secondary(opts SecondaryOptions) (*Description, error) {
	if opts.Model == "" {
		return nil, compositionErrorf("secondary", "model is required")
	}
	video := withDefaultFormat(opts.Video)

	crop, err := c.CropThenScaleConvert(SecondaryCrop, Margins{}, Request{
		Width:    opts.ModelInput.Width,
		Height:   opts.ModelInput.Height,
		Format:   opts.ModelInput.Format,
		UseGPU3D: opts.UseGPU3D,
	})
	if err != nil {
		return nil, fmt.Errorf("compose: secondary crop: %w", err)
	}

	return NewDescription().
		AppSrc(SecondarySrc, video, opts.FPS).
		Caps(video, opts.FPS).
		Segment(crop).
		TensorConverter().
		TensorFilter("", opts.Model, opts.FilterOptions).
		TensorSink(SecondarySink, false), nil
}

func withDefaultFormat(c Caps) Caps {
	if c.Format == "" {
		c.Format = "YUY2"
	}
	return c
}

func sourceElement(source string) string {
	if path, ok := strings.CutPrefix(source, "file:"); ok {
		return "filesrc location=" + path + " ! decodebin ! videoconvert"
	}
	return "v4l2src device=" + source
}
