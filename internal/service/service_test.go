package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/compose"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/config"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/detect"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/device"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/interpret"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/sequencer"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/tensor"
)

func resolve(t *testing.T, id string) device.CapabilitySet {
	t.Helper()
	caps, err := device.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", id, err)
	}
	return caps
}

func testConfig(t *testing.T, patch string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
primary:
  model_path: /models/ultraface_slim_uint8_float32.tflite
secondary:
  model_path: /models/emotion_uint8_float32.tflite
` + patch))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

// TestNewPlan_Emotion checks the resolved plan for the default camera setup
func TestNewPlan_Emotion(t *testing.T) {
	cfg := testConfig(t, "")
	plan, err := NewPlan(cfg, resolve(t, "imx93evk"), nil)
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}

	if plan.Source != "/dev/video0" {
		t.Errorf("source = %q", plan.Source)
	}
	for _, want := range []string{
		"v4l2src device=/dev/video0",
		"name=" + compose.DetectorSink,
		"appsink name=" + compose.VideoSink,
		"ultraface_slim_uint8_float32.tflite",
		"libethosu_delegate.so",
	} {
		if !strings.Contains(plan.Primary, want) {
			t.Errorf("primary missing %q:\n%s", want, plan.Primary)
		}
	}
	for _, want := range []string{
		"appsrc name=" + compose.SecondarySrc,
		"videocrop name=" + compose.SecondaryCrop,
		"name=" + compose.SecondarySink,
		"width=48,height=48,format=GRAY8",
	} {
		if !strings.Contains(plan.Secondary, want) {
			t.Errorf("secondary missing %q:\n%s", want, plan.Secondary)
		}
	}
	if strings.Contains(plan.Primary, "autovideosink") {
		t.Error("display branch present while disabled")
	}

	want := detect.Geometry{Width: 640, Height: 480, K: 0.8, MinSide: 64}
	if plan.Geometry != want {
		t.Errorf("geometry = %+v, want %+v", plan.Geometry, want)
	}
	if plan.Decoder.Config().Mode != detect.ModePostProcessed {
		t.Errorf("decoder mode = %s", plan.Decoder.Config().Mode)
	}

	out, err := plan.Interpret(detect.Box{}, tensor.Encode([]float32{0, 0, 0, 0.9, 0, 0.1, 0}))
	if err != nil {
		t.Fatal(err)
	}
	if c := out.(interpret.Classification); c.Label != "happy" {
		t.Errorf("label = %q", c.Label)
	}
	t.Logf("✅ primary: %s", plan.Primary)
}

// TestNewPlan_Overrides checks source, display and mode settings reach the plan
func TestNewPlan_Overrides(t *testing.T) {
	cfg := testConfig(t, `
video:
  source: file:/data/faces.mp4
  flip: true
display:
  enabled: true
`)
	cfg.Primary.Mode = "raw"

	plan, err := NewPlan(cfg, resolve(t, "imx8mpevk"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan.Primary, "filesrc location=/data/faces.mp4") {
		t.Errorf("primary source: %s", plan.Primary)
	}
	if !strings.Contains(plan.Primary, "autovideosink sync=false") {
		t.Errorf("display branch missing: %s", plan.Primary)
	}
	if plan.Decoder.Config().Mode != detect.ModeRaw {
		t.Errorf("decoder mode = %s", plan.Decoder.Config().Mode)
	}

	cfg.Primary.Mode = "yolo"
	if _, err := NewPlan(cfg, resolve(t, "imx8mpevk"), nil); err == nil {
		t.Error("unknown decoder mode accepted")
	}
}

// TestNewInterpreter covers every secondary kind
func TestNewInterpreter(t *testing.T) {
	t.Run("raw_copies", func(t *testing.T) {
		fn, err := NewInterpreter(config.SecondaryConfig{Kind: config.KindRaw})
		if err != nil || fn != nil {
			t.Errorf("raw interpreter = %v, %v; want nil, nil", fn != nil, err)
		}
	})

	t.Run("raw_with_labels", func(t *testing.T) {
		fn, err := NewInterpreter(config.SecondaryConfig{Kind: config.KindRaw, Labels: []string{"a", "b"}})
		if err != nil {
			t.Fatal(err)
		}
		out, err := fn(detect.Box{}, tensor.Encode([]float32{0.2, 0.8}))
		if err != nil || out.(interpret.Classification).Label != "b" {
			t.Errorf("out=%v err=%v", out, err)
		}
	})

	t.Run("facenet", func(t *testing.T) {
		dir := t.TempDir()
		emb := make([]float32, interpret.FaceNetEmbeddingLen)
		emb[0] = 1
		if err := interpret.SaveRecord(dir, "alice", emb); err != nil {
			t.Fatal(err)
		}
		fn, err := NewInterpreter(config.SecondaryConfig{Kind: config.KindFaceNet, DatabaseDir: dir, MatchThreshold: 1})
		if err != nil {
			t.Fatal(err)
		}
		out, err := fn(detect.Box{}, tensor.Encode(emb))
		if err != nil {
			t.Fatal(err)
		}
		if m := out.(interpret.Match); m.Name != "alice" {
			t.Errorf("match = %+v", m)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := NewInterpreter(config.SecondaryConfig{Kind: "pose"}); err == nil {
			t.Error("unknown kind accepted")
		}
	})
}

// TestService_ResultsAndHealth exercises the parts of the service that run
// without GStreamer
func TestService_ResultsAndHealth(t *testing.T) {
	cfg := testConfig(t, "")
	plan, err := NewPlan(cfg, resolve(t, "imx8mpevk"), nil)
	if err != nil {
		t.Fatal(err)
	}
	svc := New(cfg, plan)

	rx, err := svc.Results().SubscribeDropOld("test")
	if err != nil {
		t.Fatal(err)
	}
	svc.onResult(sequencer.Result{Seq: 1})
	svc.onResult(sequencer.Result{Seq: 2, Entries: []sequencer.Entry{{Box: detect.Box{X2: 63, Y2: 63}}}})
	r, ok := rx.TryReceive()
	if !ok || r.Seq != 2 {
		t.Errorf("received %+v ok=%v, want seq 2", r, ok)
	}

	if h := svc.HealthCheck(); h.Status != "unhealthy" {
		t.Errorf("status before Run = %q", h.Status)
	}

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readiness")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readiness status = %d", resp.StatusCode)
	}
	var h HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "unhealthy" {
		t.Errorf("readiness body = %+v", h)
	}

	live, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	live.Body.Close()
	if live.StatusCode != http.StatusOK {
		t.Errorf("liveness status = %d", live.StatusCode)
	}

	if err := svc.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before Run = %v", err)
	}
	if svc.ShutdownTimeout().Seconds() != 5 {
		t.Errorf("shutdown timeout = %v", svc.ShutdownTimeout())
	}
	t.Logf("✅ results published, health endpoints served")
}

// TestService_Enroll saves the face of the first single-face result
func TestService_Enroll(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Secondary.Kind = config.KindFaceNet
	cfg.Secondary.Labels = nil
	cfg.Secondary.DatabaseDir = filepath.Join(t.TempDir(), "faces")

	plan, err := NewPlan(cfg, resolve(t, "imx8mpevk"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Faces == nil || plan.FacesDir != cfg.Secondary.DatabaseDir {
		t.Fatalf("plan faces = %v, dir %q", plan.Faces, plan.FacesDir)
	}
	svc := New(cfg, plan)

	if err := svc.Enroll("../frank"); !errors.Is(err, interpret.ErrRecordName) {
		t.Errorf("Enroll(../frank) = %v", err)
	}
	if err := svc.Enroll("frank"); err != nil {
		t.Fatal(err)
	}

	emb := make([]float32, interpret.FaceNetEmbeddingLen)
	emb[1] = 2
	out, err := plan.Interpret(detect.Box{}, tensor.Encode(emb))
	if err != nil {
		t.Fatal(err)
	}
	if out.(interpret.Match).Known() {
		t.Fatal("matched before enrollment")
	}

	// Two faces: still waiting.
	svc.onResult(sequencer.Result{Seq: 1, Entries: []sequencer.Entry{{Output: out}, {Output: out}}})
	if svc.PendingEnrollment() != "frank" || plan.Faces.Len() != 0 {
		t.Fatalf("enrolled from a two-face frame")
	}

	svc.onResult(sequencer.Result{Seq: 2, Entries: []sequencer.Entry{{Output: out}}})
	if svc.PendingEnrollment() != "" {
		t.Errorf("still pending after a single-face frame")
	}
	if _, err := os.Stat(filepath.Join(cfg.Secondary.DatabaseDir, "frank.msgpack")); err != nil {
		t.Errorf("record not written: %v", err)
	}

	out, err = plan.Interpret(detect.Box{}, tensor.Encode(emb))
	if err != nil {
		t.Fatal(err)
	}
	if m := out.(interpret.Match); m.Name != "frank" {
		t.Errorf("match after enrollment = %+v", m)
	}

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()
	for _, tc := range []struct {
		method string
		query  string
		want   int
	}{
		{http.MethodPost, "?name=gina", http.StatusAccepted},
		{http.MethodPost, "?name=", http.StatusBadRequest},
		{http.MethodGet, "?name=gina", http.StatusMethodNotAllowed},
	} {
		req, _ := http.NewRequest(tc.method, srv.URL+"/enroll"+tc.query, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s /enroll%s = %d, want %d", tc.method, tc.query, resp.StatusCode, tc.want)
		}
	}
	if svc.PendingEnrollment() != "gina" {
		t.Errorf("pending = %q after POST", svc.PendingEnrollment())
	}
	t.Logf("✅ face enrolled, matched, and requested over http")
}

func TestService_EnrollNeedsFaceNet(t *testing.T) {
	cfg := testConfig(t, "")
	plan, err := NewPlan(cfg, resolve(t, "imx93evk"), nil)
	if err != nil {
		t.Fatal(err)
	}
	svc := New(cfg, plan)
	if err := svc.Enroll("frank"); !errors.Is(err, ErrEnrollUnavailable) {
		t.Errorf("Enroll on emotion plan = %v", err)
	}

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()
	resp, err := http.Post(srv.URL+"/enroll?name=frank", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestService_LatestResult(t *testing.T) {
	cfg := testConfig(t, "")
	plan, err := NewPlan(cfg, resolve(t, "imx8mpevk"), nil)
	if err != nil {
		t.Fatal(err)
	}
	svc := New(cfg, plan)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/results/latest")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status before any result = %d", resp.StatusCode)
	}

	svc.onResult(sequencer.Result{Seq: 4})
	svc.onResult(sequencer.Result{Seq: 5, Width: 640, Height: 480})

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/results/latest")
		if err != nil {
			t.Fatal(err)
		}
		var msg struct {
			Seq        uint64 `json:"seq"`
			FrameWidth int    `json:"frame_width"`
		}
		err = json.NewDecoder(resp.Body).Decode(&msg)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		// The second read returns the same result, nothing newer arrived.
		if resp.StatusCode != http.StatusOK || msg.Seq != 5 || msg.FrameWidth != 640 {
			t.Errorf("read %d: status %d, %+v", i, resp.StatusCode, msg)
		}
	}
	t.Logf("✅ latest result served")
}
