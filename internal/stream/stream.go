// Package stream is the contract between the inference pipeline and the
// stream engine that moves video buffers.
//
// The sequencer and the interpreters only see Buffer and Stage. The go-gst
// engine implements them; tests use in-memory fakes.
package stream

import "fmt"

// Buffer is a video or tensor buffer owned by the stream engine.
//
// Map exposes the buffer content read-only. The returned slice is valid until
// Unmap. ok is false when the engine cannot map the memory.
type Buffer interface {
	Map() (data []byte, ok bool)
	Unmap()
}

// Margins is a crop expressed as the distance from each frame edge.
type Margins struct {
	Top    int
	Bottom int
	Left   int
	Right  int
}

func (m Margins) String() string {
	return fmt.Sprintf("top=%d bottom=%d left=%d right=%d", m.Top, m.Bottom, m.Left, m.Right)
}

// Valid reports whether every margin is non-negative.
func (m Margins) Valid() bool {
	return m.Top >= 0 && m.Bottom >= 0 && m.Left >= 0 && m.Right >= 0
}

// Stage is a secondary pipeline: a crop applied to pushed primary frames,
// followed by a model whose output arrives asynchronously.
type Stage interface {
	// SetCrop configures the crop applied to the next pushed buffer.
	SetCrop(m Margins) error
	// Push hands buf to the stage. The stage keeps its own reference.
	Push(buf Buffer) error
}

// Pipeline is a running stream engine pipeline.
type Pipeline interface {
	Start() error
	Stop() error
	SetProperty(element, property string, value any) error
}

// Bytes is a Buffer over memory already copied out of the engine.
type Bytes []byte

// Map returns the slice itself. A nil Bytes fails to map.
func (b Bytes) Map() ([]byte, bool) { return b, b != nil }

// Unmap is a no-op.
func (Bytes) Unmap() {}
