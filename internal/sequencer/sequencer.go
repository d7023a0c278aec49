// Package sequencer runs a secondary model over every box the primary
// detector finds, one box at a time, and aggregates the outputs per frame.
//
// The sequencer is a two-state machine:
//
//	IDLE --frame with boxes--> DISPATCHING --last output--> IDLE
//
// While DISPATCHING, new primary frames are dropped: the secondary stage
// processes one frame's boxes strictly in order and never queues. A frame
// without boxes is published as an empty Result without leaving IDLE.
//
// Every method except Stop and Stats must be called from one goroutine,
// normally a stream.Loop fed by the engine callbacks.
package sequencer

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/detect"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/stream"
)

// Sequencer serializes secondary inference over detected boxes.
type Sequencer struct {
	decoder   *detect.Decoder
	geometry  detect.Geometry
	secondary stream.Stage
	interpret InterpretFunc
	now       func() time.Time
	callbacks []CompletionFunc

	// Loop-owned dispatch state.
	latest   detect.Set
	snapshot detect.Set
	index    int
	inflight stream.Buffer
	acc      Result
	seq      uint64

	state           int32 // atomic State
	stopped         int32 // atomic bool
	dispatchStarted int64 // atomic unix nanos, 0 when idle

	frames           uint64 // atomic
	dispatched       uint64 // atomic
	published        uint64 // atomic
	emptyPublished   uint64 // atomic
	busyDrops        uint64 // atomic
	decodeErrors     uint64 // atomic
	dispatchErrors   uint64 // atomic
	readErrors       uint64 // atomic
	strayCompletions uint64 // atomic
}

// New validates cfg and returns an idle Sequencer.
//
// interpret may be nil, in which case each Entry.Output is a copy of the raw
// secondary output bytes.
func New(cfg Config, secondary stream.Stage, interpret InterpretFunc) (*Sequencer, error) {
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("%w: decoder is required", ErrInvalidConfig)
	}
	if secondary == nil {
		return nil, fmt.Errorf("%w: secondary stage is required", ErrInvalidConfig)
	}
	if cfg.Geometry.Width <= 0 || cfg.Geometry.Height <= 0 {
		return nil, fmt.Errorf("%w: frame geometry %dx%d", ErrInvalidConfig, cfg.Geometry.Width, cfg.Geometry.Height)
	}
	if interpret == nil {
		interpret = copyOutput
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sequencer{
		decoder:   cfg.Decoder,
		geometry:  cfg.Geometry,
		secondary: secondary,
		interpret: interpret,
		now:       now,
		latest:    detect.Set{},
	}, nil
}

func copyOutput(_ detect.Box, data []byte) (any, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// RegisterCompletionCallback adds fn to the receivers of published Results.
// Callbacks run in registration order.
func (s *Sequencer) RegisterCompletionCallback(fn CompletionFunc) {
	if fn != nil {
		s.callbacks = append(s.callbacks, fn)
	}
}

// State returns the current dispatch state.
func (s *Sequencer) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// Latest returns the most recently decoded boxes.
func (s *Sequencer) Latest() detect.Set {
	return s.latest
}

// Stop turns every later event into a no-op. A dispatch in progress is
// abandoned without publishing. Stop is safe to call from any goroutine.
func (s *Sequencer) Stop() {
	if atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		slog.Info("sequencer: stopped", "state", s.State())
	}
}

func (s *Sequencer) isStopped() bool {
	return atomic.LoadInt32(&s.stopped) == 1
}

// OnDetections decodes the primary detector output and keeps it as the boxes
// for the next primary frame. A malformed tensor clears the boxes and is
// returned.
func (s *Sequencer) OnDetections(raw []byte) error {
	if s.isStopped() {
		return nil
	}
	set, err := s.decoder.Decode(raw, s.geometry)
	if err != nil {
		atomic.AddUint64(&s.decodeErrors, 1)
		s.latest = detect.Set{}
		return err
	}
	s.latest = set
	return nil
}

// OnPrimaryBuffer offers one primary video frame.
//
//  1. DISPATCHING: the buffer is dropped and counted.
//  2. No boxes: an empty Result is published.
//  3. Otherwise the boxes are snapshot, the crop for box 0 is set and the
//     buffer is pushed to the secondary stage.
func (s *Sequencer) OnPrimaryBuffer(buf stream.Buffer) {
	if s.isStopped() {
		return
	}
	atomic.AddUint64(&s.frames, 1)

	if s.State() == StateDispatching {
		n := atomic.AddUint64(&s.busyDrops, 1)
		slog.Debug("sequencer: sub pipeline busy - drop", "drops", n, "index", s.index, "boxes", len(s.snapshot))
		return
	}

	if len(s.latest) == 0 {
		slog.Debug("sequencer: no boxes - publish empty")
		s.PublishEmpty()
		return
	}

	started := s.now()
	s.snapshot = append(detect.Set(nil), s.latest...)
	s.inflight = buf
	s.acc = Result{
		Started: started,
		Width:   s.geometry.Width,
		Height:  s.geometry.Height,
		Entries: make([]Entry, 0, len(s.snapshot)),
	}
	atomic.StoreInt32(&s.state, int32(StateDispatching))
	atomic.StoreInt64(&s.dispatchStarted, started.UnixNano())
	atomic.AddUint64(&s.dispatched, 1)

	slog.Debug("sequencer: dispatch", "boxes", len(s.snapshot))
	s.dispatch(0)
}

// dispatch pushes the in-flight frame for the first box from i that the
// secondary stage accepts. Boxes it refuses are recorded as missing. When no
// box remains the Result is published.
func (s *Sequencer) dispatch(i int) {
	for ; i < len(s.snapshot); i++ {
		box := s.snapshot[i]
		top, bottom, left, right := s.geometry.Margins(box)
		margins := stream.Margins{Top: top, Bottom: bottom, Left: left, Right: right}

		if err := s.secondary.SetCrop(margins); err != nil {
			s.missing(i, box, fmt.Errorf("%w: set crop for box %d: %w", ErrDispatch, i, err))
			continue
		}
		if err := s.secondary.Push(s.inflight); err != nil {
			s.missing(i, box, fmt.Errorf("%w: push box %d: %w", ErrDispatch, i, err))
			continue
		}
		s.index = i
		return
	}
	s.complete()
}

func (s *Sequencer) missing(i int, box detect.Box, err error) {
	atomic.AddUint64(&s.dispatchErrors, 1)
	slog.Warn("sequencer: box not dispatched", "index", i, "box", box.String(), "error", err)
	s.acc.Entries = append(s.acc.Entries, Entry{Box: box, Err: err})
}

// OnSecondaryOutput accepts the secondary stage output for the current box
// and advances the dispatch. Outputs received while idle or stopped are
// ignored.
func (s *Sequencer) OnSecondaryOutput(out stream.Buffer) {
	if s.isStopped() || s.State() != StateDispatching {
		n := atomic.AddUint64(&s.strayCompletions, 1)
		slog.Debug("sequencer: stray secondary output", "stray", n)
		return
	}

	box := s.snapshot[s.index]
	entry := Entry{Box: box}

	if data, ok := out.Map(); !ok {
		atomic.AddUint64(&s.readErrors, 1)
		entry.Err = fmt.Errorf("%w: box %d", ErrMapFailed, s.index)
		slog.Warn("sequencer: secondary output unreadable", "index", s.index)
	} else {
		entry.Output, entry.Err = s.interpret(box, data)
		out.Unmap()
		if entry.Err != nil {
			atomic.AddUint64(&s.readErrors, 1)
			entry.Output = nil
			slog.Warn("sequencer: interpret failed", "index", s.index, "error", entry.Err)
		}
	}
	s.acc.Entries = append(s.acc.Entries, entry)

	if next := s.index + 1; next < len(s.snapshot) {
		slog.Debug("sequencer: continue", "index", next)
		s.dispatch(next)
		return
	}
	s.complete()
}

// complete publishes the accumulated Result and returns to IDLE.
func (s *Sequencer) complete() {
	result := s.acc
	result.Completed = s.now()

	s.snapshot = nil
	s.inflight = nil
	s.index = 0
	s.acc = Result{}
	atomic.StoreInt64(&s.dispatchStarted, 0)
	atomic.StoreInt32(&s.state, int32(StateIdle))

	atomic.AddUint64(&s.published, 1)
	slog.Debug("sequencer: halt", "entries", len(result.Entries), "latency", result.Latency())
	s.publish(result)
}

// PublishEmpty publishes a Result without entries.
func (s *Sequencer) PublishEmpty() {
	now := s.now()
	atomic.AddUint64(&s.emptyPublished, 1)
	s.publish(Result{
		Started:   now,
		Completed: now,
		Width:     s.geometry.Width,
		Height:    s.geometry.Height,
	})
}

func (s *Sequencer) publish(r Result) {
	s.seq++
	r.Seq = s.seq
	r.TraceID = uuid.New()
	for _, fn := range s.callbacks {
		fn(r)
	}
}

// Stats returns a snapshot of the counters.
func (s *Sequencer) Stats() Stats {
	var age time.Duration
	if started := atomic.LoadInt64(&s.dispatchStarted); started != 0 {
		age = s.now().Sub(time.Unix(0, started))
	}
	return Stats{
		State:            s.State(),
		Frames:           atomic.LoadUint64(&s.frames),
		Dispatched:       atomic.LoadUint64(&s.dispatched),
		Published:        atomic.LoadUint64(&s.published),
		EmptyPublished:   atomic.LoadUint64(&s.emptyPublished),
		BusyDrops:        atomic.LoadUint64(&s.busyDrops),
		DecodeErrors:     atomic.LoadUint64(&s.decodeErrors),
		DispatchErrors:   atomic.LoadUint64(&s.dispatchErrors),
		ReadErrors:       atomic.LoadUint64(&s.readErrors),
		StrayCompletions: atomic.LoadUint64(&s.strayCompletions),
		DispatchAge:      age,
	}
}
