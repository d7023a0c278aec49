package sequencer

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/detect"
)

var (
	// ErrInvalidConfig is returned by New for a missing collaborator or an
	// unusable frame geometry.
	ErrInvalidConfig = errors.New("sequencer: invalid config")
	// ErrMapFailed marks an entry whose secondary output could not be mapped.
	ErrMapFailed = errors.New("sequencer: cannot map secondary output")
	// ErrDispatch marks an entry whose box never reached the secondary stage.
	ErrDispatch = errors.New("sequencer: dispatch failed")
)

// State is the dispatch state.
type State int32

const (
	// StateIdle accepts a new primary frame.
	StateIdle State = iota
	// StateDispatching owns one primary frame until its last box completes.
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

// InterpretFunc turns the raw secondary output for box into a typed value.
type InterpretFunc func(box detect.Box, data []byte) (any, error)

// CompletionFunc receives each aggregated Result. It runs on the event loop
// and must not block.
type CompletionFunc func(Result)

// Entry is the secondary outcome for one box.
type Entry struct {
	// Box is the squared box the crop was taken from.
	Box detect.Box
	// Output is the interpreted model output, nil when Err is set.
	Output any
	// Err is set when the output is missing or could not be read.
	Err error
}

// Result aggregates every secondary output for one primary frame.
type Result struct {
	// Seq is the monotonic sequence number of published results.
	Seq uint64
	// TraceID is a unique identifier for distributed tracing
	TraceID uuid.UUID
	// Started is when the primary frame was accepted.
	Started time.Time
	// Completed is when the last secondary output arrived.
	Completed time.Time
	// Width and Height are the primary frame dimensions.
	Width  int
	Height int
	// Entries are in box order. Empty when the frame had no detection.
	Entries []Entry
}

// Empty reports whether the frame had no detection.
func (r Result) Empty() bool { return len(r.Entries) == 0 }

// Latency is the dispatch duration.
func (r Result) Latency() time.Duration { return r.Completed.Sub(r.Started) }

// Config configures a Sequencer.
type Config struct {
	// Decoder decodes the primary detector output.
	Decoder *detect.Decoder
	// Geometry is the primary frame and the box squaring policy.
	Geometry detect.Geometry
	// Now is the clock. Nil selects time.Now.
	Now func() time.Time
}

// Stats contains operational counters. Counters are safe to read from any
// goroutine.
type Stats struct {
	State State
	// Frames is the number of primary buffers received.
	Frames uint64
	// Dispatched is the number of frames sent to the secondary stage.
	Dispatched uint64
	// Published is the number of Results with at least one entry.
	Published uint64
	// EmptyPublished is the number of Results published without entries.
	EmptyPublished uint64
	// BusyDrops is the number of primary buffers dropped while dispatching.
	BusyDrops uint64
	// DecodeErrors is the number of malformed detector tensors.
	DecodeErrors uint64
	// DispatchErrors is the number of boxes that failed crop or push.
	DispatchErrors uint64
	// ReadErrors is the number of secondary outputs that failed to map or
	// interpret.
	ReadErrors uint64
	// StrayCompletions is the number of secondary outputs received while
	// idle or stopped.
	StrayCompletions uint64
	// DispatchAge is the time spent in the current dispatch, zero when idle.
	DispatchAge time.Duration
}
