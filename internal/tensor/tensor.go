// Package tensor reads the raw little-endian float32 tensors emitted by
// NNStreamer tensor_sink buffers.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShape is returned when a buffer does not hold the expected tensor.
var ErrShape = errors.New("tensor: shape mismatch")

// Shape is a tensor shape, outermost dimension first.
type Shape []int

// Elements returns the number of elements of the shape.
func (s Shape) Elements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Bytes returns the float32 byte size of the shape.
func (s Shape) Bytes() int { return s.Elements() * 4 }

func (s Shape) String() string { return fmt.Sprint([]int(s)) }

// Float32s decodes raw into shape.Elements() float32 values.
func Float32s(raw []byte, shape Shape) ([]float32, error) {
	if len(raw) != shape.Bytes() || shape.Elements() == 0 {
		return nil, fmt.Errorf("%w: %d bytes for %s float32", ErrShape, len(raw), shape)
	}
	out := make([]float32, shape.Elements())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// Float64s decodes raw like Float32s and widens the values.
func Float64s(raw []byte, shape Shape) ([]float64, error) {
	f32, err := Float32s(raw, shape)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(f32))
	for i, v := range f32 {
		out[i] = float64(v)
	}
	return out, nil
}

// Encode serializes values as little-endian float32. Used to build tensor
// buffers in tests and to feed appsrc-based stages.
func Encode(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
