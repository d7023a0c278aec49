// Package interpret turns secondary model output tensors into typed results:
// a class label for classifiers, a database match for face embeddings.
//
// Interpreters expose Interpret with the sequencer.InterpretFunc signature so
// they plug directly into the sequencer.
package interpret

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/detect"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/tensor"
)

// ErrOutput is wrapped by every error caused by a malformed model output.
var ErrOutput = errors.New("interpret: malformed model output")

// EmotionLabels are the DeepFace emotion classes in model output order.
var EmotionLabels = []string{"angry", "disgust", "fear", "happy", "sad", "surprise", "neutral"}

// Emotion model input, GRAY8.
const (
	EmotionWidth  = 48
	EmotionHeight = 48
)

// Classification is the top class of one classifier output.
type Classification struct {
	Label string    `json:"label" msgpack:"label"`
	Index int       `json:"index" msgpack:"index"`
	Score float64   `json:"score" msgpack:"score"`
	All   []float64 `json:"-" msgpack:"-"`
}

// Classifier maps a (1, N) float32 score tensor to its top label.
type Classifier struct {
	labels []string
	shape  tensor.Shape
}

// NewClassifier returns a Classifier for len(labels) classes.
func NewClassifier(labels []string) (*Classifier, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("interpret: classifier needs at least one label")
	}
	return &Classifier{
		labels: append([]string(nil), labels...),
		shape:  tensor.Shape{1, len(labels)},
	}, nil
}

// NewEmotionClassifier returns the 7-class DeepFace emotion classifier.
func NewEmotionClassifier() *Classifier {
	c, _ := NewClassifier(EmotionLabels)
	return c
}

// Labels returns the class labels.
func (c *Classifier) Labels() []string { return c.labels }

// Shape returns the expected output tensor shape.
func (c *Classifier) Shape() tensor.Shape { return c.shape }

// Classify returns the highest scoring class. Ties resolve to the lowest
// index.
func (c *Classifier) Classify(raw []byte) (Classification, error) {
	scores, err := tensor.Float64s(raw, c.shape)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %w", ErrOutput, err)
	}
	best := floats.MaxIdx(scores)
	return Classification{
		Label: c.labels[best],
		Index: best,
		Score: scores[best],
		All:   scores,
	}, nil
}

// Interpret classifies the output computed for box.
func (c *Classifier) Interpret(_ detect.Box, data []byte) (any, error) {
	return c.Classify(data)
}
