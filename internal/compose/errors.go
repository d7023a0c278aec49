package compose

import (
	"errors"
	"fmt"
)

// ErrComposition is the sentinel wrapped by every CompositionError.
var ErrComposition = errors.New("compose: invalid transform request")

// CompositionError reports a transform request the composer refuses.
type CompositionError struct {
	Op     string
	Reason string
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("compose: %s: %s", e.Op, e.Reason)
}

func (e *CompositionError) Unwrap() error { return ErrComposition }

func compositionErrorf(op, format string, args ...any) error {
	return &CompositionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
