package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

var (
	// ErrEOS is returned by Monitor when the pipeline reaches end of stream.
	ErrEOS = errors.New("engine: end of stream")
	// ErrPipeline is wrapped by every *PipelineError.
	ErrPipeline = errors.New("engine: pipeline error")
	// ErrMaxRetries is returned when the retry budget is exhausted.
	ErrMaxRetries = errors.New("engine: max retries exceeded")
)

// ErrorCategory classifies a GStreamer error for telemetry and retry decisions.
type ErrorCategory int

const (
	// ErrCategoryResource covers device and file failures (busy camera,
	// missing node, permission).
	ErrCategoryResource ErrorCategory = iota
	// ErrCategoryNegotiation covers caps and format mismatches.
	ErrCategoryNegotiation
	// ErrCategoryPlugin covers missing elements and model loading failures.
	ErrCategoryPlugin
	// ErrCategoryStream covers data flow failures while running.
	ErrCategoryStream
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryPlugin:
		return "plugin"
	case ErrCategoryStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Retryable reports whether restarting the pipeline can help. Negotiation
// and plugin errors repeat on every restart.
func (c ErrorCategory) Retryable() bool {
	return c == ErrCategoryResource || c == ErrCategoryStream || c == ErrCategoryUnknown
}

// PipelineError is a GStreamer error message posted on a pipeline bus.
type PipelineError struct {
	Pipeline string
	Category ErrorCategory
	Message  string
	Debug    string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("engine: pipeline %s error [%s]: %s", e.Pipeline, e.Category, e.Message)
}

func (e *PipelineError) Unwrap() error { return ErrPipeline }

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	// Most specific first.
	{ErrCategoryPlugin, []string{
		"no such element",
		"missing plugin",
		"no element",
		"could not load",
		"failed to load",
		"model",
		"delegate",
		"tensor_filter",
	}},
	{ErrCategoryNegotiation, []string{
		"negotiat",
		"caps",
		"dimension",
	}},
	{ErrCategoryResource, []string{
		"resource",
		"device",
		"/dev/video",
		"busy",
		"permission",
		"no such file",
		"could not open",
		"not found",
	}},
	{ErrCategoryStream, []string{
		"stream",
		"internal data",
		"flow",
		"timeout",
		"buffer",
	}},
}

// Classify categorizes a GStreamer error from its message and debug string.
// go-gst's GError does not expose the domain, so classification relies on
// keywords.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}

func newPipelineError(pipeline string, gerr *gst.GError) *PipelineError {
	if gerr == nil {
		return &PipelineError{Pipeline: pipeline, Category: ErrCategoryUnknown, Message: "unknown error"}
	}
	return &PipelineError{
		Pipeline: pipeline,
		Category: Classify(gerr.Error(), gerr.DebugString()),
		Message:  gerr.Error(),
		Debug:    gerr.DebugString(),
	}
}
