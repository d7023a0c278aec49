package sequencer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/detect"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/stream"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/tensor"
)

// fakeStage records every crop and push. Pushes listed in failPush fail.
type fakeStage struct {
	crops    []stream.Margins
	pushes   []stream.Buffer
	failPush map[int]bool
	failCrop map[int]bool
	calls    int
}

func (f *fakeStage) SetCrop(m stream.Margins) error {
	if f.failCrop[len(f.crops)] {
		f.crops = append(f.crops, m)
		return errors.New("videocrop not found")
	}
	f.crops = append(f.crops, m)
	return nil
}

func (f *fakeStage) Push(buf stream.Buffer) error {
	n := f.calls
	f.calls++
	if f.failPush[n] {
		return errors.New("appsrc flushing")
	}
	f.pushes = append(f.pushes, buf)
	return nil
}

// fakeClock advances one millisecond per reading.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

var geometry = detect.Geometry{Width: 640, Height: 480, K: 0.8, MinSide: 64}

// detections encodes a post-processed detector output with n boxes spread
// along the x axis.
func detections(n int) []byte {
	values := make([]float32, detect.PostProcessedRows*6)
	for i := 0; i < n; i++ {
		x := 0.05 + float32(i)*0.3
		copy(values[i*6:], []float32{0.1, 0.9 - float32(i)*0.05, x, 0.2, x + 0.15, 0.5})
	}
	return tensor.Encode(values)
}

// handleFrame offers the detections of a frame, then its buffer, the order
// the primary pipeline delivers them in.
func handleFrame(s *Sequencer, raw []byte, buf stream.Buffer) error {
	err := s.OnDetections(raw)
	s.OnPrimaryBuffer(buf)
	return err
}

type harness struct {
	seq     *Sequencer
	stage   *fakeStage
	dec     *detect.Decoder
	results []Result
}

func newHarness(t *testing.T, interpret InterpretFunc) *harness {
	t.Helper()
	dec, err := detect.NewDecoder(detect.DefaultConfig(detect.ModePostProcessed))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{stage: &fakeStage{}, dec: dec}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	h.seq, err = New(Config{Decoder: dec, Geometry: geometry, Now: clock.Now}, h.stage, interpret)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	h.seq.RegisterCompletionCallback(func(r Result) { h.results = append(h.results, r) })
	return h
}

func (h *harness) boxes(t *testing.T, n int) detect.Set {
	t.Helper()
	set, err := h.dec.Decode(detections(n), geometry)
	if err != nil {
		t.Fatal(err)
	}
	return set
}

func TestSequencer_ThreeBoxes(t *testing.T) {
	h := newHarness(t, nil)
	want := h.boxes(t, 3)

	frame := stream.Bytes("frame-0")
	if err := handleFrame(h.seq, detections(3), frame); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}
	if h.seq.State() != StateDispatching {
		t.Fatalf("state = %v after frame with boxes", h.seq.State())
	}

	for i := 0; i < 3; i++ {
		if len(h.stage.pushes) != i+1 {
			t.Fatalf("before output %d: %d pushes", i, len(h.stage.pushes))
		}
		if len(h.results) != 0 {
			t.Fatalf("published before last output (output %d)", i)
		}
		h.seq.OnSecondaryOutput(stream.Bytes{byte(i)})
	}

	if len(h.results) != 1 {
		t.Fatalf("published %d results, want 1", len(h.results))
	}
	r := h.results[0]
	if len(r.Entries) != 3 {
		t.Fatalf("entries = %d", len(r.Entries))
	}
	for i, e := range r.Entries {
		if e.Box != want[i] || e.Err != nil {
			t.Errorf("entry %d = %+v, want box %v", i, e, want[i])
		}
		if diff := cmp.Diff([]byte{byte(i)}, e.Output); diff != "" {
			t.Errorf("entry %d output (-want +got):\n%s", i, diff)
		}
	}
	for i, p := range h.stage.pushes {
		if string(p.(stream.Bytes)) != "frame-0" {
			t.Errorf("push %d carried %v, want the dispatched frame", i, p)
		}
	}
	if h.seq.State() != StateIdle {
		t.Errorf("state = %v after last output", h.seq.State())
	}
	if r.Seq != 1 || r.Width != 640 || r.Height != 480 || r.Latency() <= 0 {
		t.Errorf("result header = %+v", r)
	}

	// A completion after the frame finished changes nothing.
	h.seq.OnSecondaryOutput(stream.Bytes{9})
	if len(h.results) != 1 || h.seq.Stats().StrayCompletions != 1 {
		t.Errorf("stray completion published or not counted: %+v", h.seq.Stats())
	}

	t.Logf("✅ 3 boxes dispatched in order, published once")
}

func TestSequencer_CropMargins(t *testing.T) {
	h := newHarness(t, nil)
	boxes := h.boxes(t, 2)

	handleFrame(h.seq, detections(2), stream.Bytes("f"))
	h.seq.OnSecondaryOutput(stream.Bytes{0})

	var want []stream.Margins
	for _, b := range boxes {
		top, bottom, left, right := geometry.Margins(b)
		want = append(want, stream.Margins{Top: top, Bottom: bottom, Left: left, Right: right})
	}
	if diff := cmp.Diff(want, h.stage.crops); diff != "" {
		t.Errorf("crops (-want +got):\n%s", diff)
	}
	for _, m := range h.stage.crops {
		if !m.Valid() {
			t.Errorf("invalid crop %v", m)
		}
	}
}

func TestSequencer_BusyDrop(t *testing.T) {
	h := newHarness(t, nil)
	handleFrame(h.seq, detections(2), stream.Bytes("first"))

	for i := 0; i < 5; i++ {
		handleFrame(h.seq, detections(1), stream.Bytes("late"))
	}
	stats := h.seq.Stats()
	if stats.BusyDrops != 5 || len(h.stage.pushes) != 1 {
		t.Fatalf("busy drops = %d, pushes = %d", stats.BusyDrops, len(h.stage.pushes))
	}

	h.seq.OnSecondaryOutput(stream.Bytes{0})
	h.seq.OnSecondaryOutput(stream.Bytes{1})

	// The dispatched snapshot is unaffected by later detections.
	if got := len(h.results[0].Entries); got != 2 {
		t.Errorf("entries = %d, want 2 from the dispatched frame", got)
	}

	// Idle again: the next frame dispatches with the latest single box.
	h.seq.OnPrimaryBuffer(stream.Bytes("next"))
	if h.seq.State() != StateDispatching || string(h.stage.pushes[len(h.stage.pushes)-1].(stream.Bytes)) != "next" {
		t.Error("next frame not dispatched after idle")
	}
	t.Logf("✅ %d frames dropped while busy", stats.BusyDrops)
}

func TestSequencer_NoBoxesPublishesEmpty(t *testing.T) {
	h := newHarness(t, nil)

	handleFrame(h.seq, detections(0), stream.Bytes("f"))
	handleFrame(h.seq, detections(0), stream.Bytes("g"))

	if len(h.results) != 2 || !h.results[0].Empty() || !h.results[1].Empty() {
		t.Fatalf("results = %+v", h.results)
	}
	if h.results[0].Seq != 1 || h.results[1].Seq != 2 || h.results[0].TraceID == h.results[1].TraceID {
		t.Errorf("sequence or trace ids not unique: %+v", h.results)
	}
	if len(h.stage.pushes) != 0 || h.seq.State() != StateIdle {
		t.Error("empty frame reached the secondary stage")
	}
	if s := h.seq.Stats(); s.EmptyPublished != 2 || s.Published != 0 || s.Frames != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSequencer_MapFailureAdvances(t *testing.T) {
	h := newHarness(t, nil)
	handleFrame(h.seq, detections(2), stream.Bytes("f"))

	h.seq.OnSecondaryOutput(stream.Bytes(nil))
	h.seq.OnSecondaryOutput(stream.Bytes{1})

	if len(h.results) != 1 {
		t.Fatalf("published %d", len(h.results))
	}
	entries := h.results[0].Entries
	if !errors.Is(entries[0].Err, ErrMapFailed) || entries[0].Output != nil {
		t.Errorf("entry 0 = %+v, want ErrMapFailed", entries[0])
	}
	if entries[1].Err != nil {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if h.seq.Stats().ReadErrors != 1 {
		t.Errorf("read errors = %d", h.seq.Stats().ReadErrors)
	}
}

func TestSequencer_InterpretErrorAdvances(t *testing.T) {
	boom := errors.New("bad tensor")
	h := newHarness(t, func(_ detect.Box, data []byte) (any, error) {
		if data[0] == 0 {
			return nil, boom
		}
		return int(data[0]), nil
	})
	handleFrame(h.seq, detections(2), stream.Bytes("f"))
	h.seq.OnSecondaryOutput(stream.Bytes{0})
	h.seq.OnSecondaryOutput(stream.Bytes{7})

	entries := h.results[0].Entries
	if !errors.Is(entries[0].Err, boom) || entries[1].Output != 7 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestSequencer_PushFailureSkipsBox(t *testing.T) {
	h := newHarness(t, nil)
	h.stage.failPush = map[int]bool{1: true}

	handleFrame(h.seq, detections(3), stream.Bytes("f"))
	h.seq.OnSecondaryOutput(stream.Bytes{0})
	if h.stage.calls != 3 {
		t.Fatalf("push attempts = %d, want box 2 pushed after box 1 failed", h.stage.calls)
	}
	h.seq.OnSecondaryOutput(stream.Bytes{2})

	if len(h.results) != 1 {
		t.Fatalf("published %d", len(h.results))
	}
	entries := h.results[0].Entries
	if len(entries) != 3 || entries[0].Err != nil || !errors.Is(entries[1].Err, ErrDispatch) || entries[2].Err != nil {
		t.Errorf("entries = %+v", entries)
	}
	if diff := cmp.Diff([]byte{2}, entries[2].Output); diff != "" {
		t.Errorf("entry 2 output (-want +got):\n%s", diff)
	}
	if h.seq.Stats().DispatchErrors != 1 {
		t.Errorf("dispatch errors = %d", h.seq.Stats().DispatchErrors)
	}
}

func TestSequencer_AllDispatchFailuresPublish(t *testing.T) {
	h := newHarness(t, nil)
	h.stage.failCrop = map[int]bool{0: true, 1: true}

	handleFrame(h.seq, detections(2), stream.Bytes("f"))

	if len(h.results) != 1 || h.seq.State() != StateIdle {
		t.Fatalf("results = %d, state = %v", len(h.results), h.seq.State())
	}
	for i, e := range h.results[0].Entries {
		if !errors.Is(e.Err, ErrDispatch) {
			t.Errorf("entry %d err = %v", i, e.Err)
		}
	}
	if len(h.stage.pushes) != 0 {
		t.Error("buffer pushed without a crop")
	}
}

func TestSequencer_DecodeErrorClearsBoxes(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.seq.OnDetections(detections(2)); err != nil {
		t.Fatal(err)
	}
	err := h.seq.OnDetections([]byte{1, 2, 3})
	if !errors.Is(err, detect.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if len(h.seq.Latest()) != 0 {
		t.Errorf("latest = %v after decode error", h.seq.Latest())
	}

	h.seq.OnPrimaryBuffer(stream.Bytes("f"))
	if len(h.results) != 1 || !h.results[0].Empty() {
		t.Errorf("expected an empty result, got %+v", h.results)
	}
	if h.seq.Stats().DecodeErrors != 1 {
		t.Errorf("decode errors = %d", h.seq.Stats().DecodeErrors)
	}
}

// TestSequencer_CompletionOnSaturatedLoop checks a completion delivered while
// the loop queue is full still ends the dispatch
func TestSequencer_CompletionOnSaturatedLoop(t *testing.T) {
	h := newHarness(t, nil)
	loop := stream.NewLoop(1)
	if err := loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	dispatched := make(chan struct{})
	loop.Post(func() {
		handleFrame(h.seq, detections(1), stream.Bytes("f0"))
		close(dispatched)
	})
	<-dispatched

	// Hold the loop and fill its queue.
	release := make(chan struct{})
	entered := make(chan struct{})
	loop.Post(func() {
		close(entered)
		<-release
	})
	<-entered
	loop.Post(func() { h.seq.OnPrimaryBuffer(stream.Bytes("f1")) })
	if loop.Post(func() { h.seq.OnPrimaryBuffer(stream.Bytes("f2")) }) {
		t.Fatal("loop queue not saturated")
	}

	if !loop.Deliver(func() { h.seq.OnSecondaryOutput(stream.Bytes{0}) }) {
		t.Fatal("completion dropped")
	}
	completed := make(chan struct{})
	loop.Deliver(func() { close(completed) })
	close(release)

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("completion never ran")
	}
	loop.Stop()

	stats := h.seq.Stats()
	if len(h.results) != 1 || len(h.results[0].Entries) != 1 {
		t.Fatalf("results = %+v, want one result with one entry", h.results)
	}
	if stats.BusyDrops != 0 || stats.StrayCompletions != 0 {
		t.Errorf("busy drops = %d, stray = %d; want 0, 0", stats.BusyDrops, stats.StrayCompletions)
	}
	t.Logf("✅ completion survived a full loop queue, dispatch ended")
}

func TestSequencer_Stop(t *testing.T) {
	h := newHarness(t, nil)
	handleFrame(h.seq, detections(2), stream.Bytes("f"))
	h.seq.Stop()
	h.seq.Stop()

	h.seq.OnSecondaryOutput(stream.Bytes{0})
	h.seq.OnSecondaryOutput(stream.Bytes{1})
	h.seq.OnPrimaryBuffer(stream.Bytes("g"))

	if len(h.results) != 0 {
		t.Errorf("published after Stop: %+v", h.results)
	}
	if s := h.seq.Stats(); s.StrayCompletions != 2 || s.Frames != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSequencer_StatsDispatchAge(t *testing.T) {
	h := newHarness(t, nil)
	if h.seq.Stats().DispatchAge != 0 {
		t.Error("dispatch age while idle")
	}
	handleFrame(h.seq, detections(1), stream.Bytes("f"))
	if h.seq.Stats().DispatchAge <= 0 {
		t.Error("no dispatch age while dispatching")
	}
	h.seq.OnSecondaryOutput(stream.Bytes{0})
	if h.seq.Stats().DispatchAge != 0 {
		t.Error("dispatch age after completion")
	}
}

func TestSequencer_SequenceAcrossFrames(t *testing.T) {
	h := newHarness(t, nil)
	for frame := 0; frame < 4; frame++ {
		handleFrame(h.seq, detections(frame%2), stream.Bytes("f"))
		if h.seq.State() == StateDispatching {
			h.seq.OnSecondaryOutput(stream.Bytes{0})
		}
	}
	var seqs []uint64
	for _, r := range h.results {
		seqs = append(seqs, r.Seq)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3, 4}, seqs, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("seq (-want +got):\n%s", diff)
	}
}

func TestNew_Validation(t *testing.T) {
	dec, _ := detect.NewDecoder(detect.DefaultConfig(detect.ModeRaw))
	tests := []struct {
		name  string
		cfg   Config
		stage stream.Stage
	}{
		{"no_decoder", Config{Geometry: geometry}, &fakeStage{}},
		{"no_stage", Config{Decoder: dec, Geometry: geometry}, nil},
		{"no_geometry", Config{Decoder: dec}, &fakeStage{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, tc.stage, nil); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
