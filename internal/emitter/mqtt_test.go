package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/config"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/detect"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/sequencer"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}

// fakeClient records publishes. Methods not overridden panic through the
// nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	token    *fakeToken
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Connect() mqtt.Token {
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}
func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func connected(cfg config.MQTTConfig, client *fakeClient) *MQTTEmitter {
	e := NewMQTTEmitter(cfg, "cam-1")
	e.client = client
	e.setConnected(true)
	return e
}

func sampleResult() sequencer.Result {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return sequencer.Result{
		Seq:       7,
		TraceID:   uuid.MustParse("6f1f1d0e-4c36-4c8a-9d0a-1f7a3b2c9e11"),
		Started:   start,
		Completed: start.Add(12500 * time.Microsecond),
		Width:     640,
		Height:    480,
		Entries: []sequencer.Entry{
			{Box: detect.Box{X1: 10, Y1: 20, X2: 73, Y2: 83, Score: 0.9}, Output: "happy"},
			{Box: detect.Box{X1: 100, Y1: 120, X2: 163, Y2: 183, Score: 0.8}, Err: errors.New("sequencer: buffer map failed")},
		},
	}
}

// TestNewMessage checks the wire form of a Result
func TestNewMessage(t *testing.T) {
	m := NewMessage("cam-1", sampleResult())

	want := Message{
		InstanceID:  "cam-1",
		Seq:         7,
		TraceID:     "6f1f1d0e-4c36-4c8a-9d0a-1f7a3b2c9e11",
		Timestamp:   "2026-01-02T03:04:05.0125Z",
		LatencyMS:   12.5,
		FrameWidth:  640,
		FrameHeight: 480,
		Detections: []Detection{
			{BBox: BBox{10, 20, 73, 83}, Score: 0.9, Output: "happy"},
			{BBox: BBox{100, 120, 163, 183}, Score: 0.8, Error: "sequencer: buffer map failed"},
		},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("message (-want +got):\n%s", diff)
	}

	empty := NewMessage("cam-1", sequencer.Result{})
	if empty.Detections == nil || len(empty.Detections) != 0 {
		t.Errorf("empty result detections = %#v, want empty slice", empty.Detections)
	}
	t.Logf("✅ message fields mapped")
}

// TestEncode checks both payload encodings decode back to the same fields
func TestEncode(t *testing.T) {
	m := NewMessage("cam-1", sampleResult())

	js, err := Encode(m, "json")
	if err != nil {
		t.Fatalf("json encode: %v", err)
	}
	var fromJSON map[string]any
	if err := json.Unmarshal(js, &fromJSON); err != nil {
		t.Fatal(err)
	}
	if fromJSON["trace_id"] != m.TraceID || fromJSON["instance_id"] != "cam-1" {
		t.Errorf("json payload = %s", js)
	}
	dets := fromJSON["detections"].([]any)
	if _, ok := dets[0].(map[string]any)["error"]; ok {
		t.Errorf("error field present on successful detection: %s", js)
	}

	mp, err := Encode(m, "msgpack")
	if err != nil {
		t.Fatalf("msgpack encode: %v", err)
	}
	var fromMsgpack Message
	if err := msgpack.Unmarshal(mp, &fromMsgpack); err != nil {
		t.Fatal(err)
	}
	if fromMsgpack.Seq != 7 || len(fromMsgpack.Detections) != 2 || fromMsgpack.Detections[1].Error == "" {
		t.Errorf("msgpack round trip = %+v", fromMsgpack)
	}

	if _, err := Encode(m, "xml"); err == nil {
		t.Error("unknown encoding accepted")
	}
}

// TestPublish covers the publish paths against a recording client
func TestPublish(t *testing.T) {
	cfg := config.MQTTConfig{Topic: "nnstreamer/roi-cascade/cam-1/results", QoS: 1, Encoding: "json"}

	t.Run("not_connected", func(t *testing.T) {
		e := NewMQTTEmitter(cfg, "cam-1")
		if err := e.Publish(sampleResult()); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		if e.Stats().Errors != 1 {
			t.Errorf("errors = %d, want 1", e.Stats().Errors)
		}
	})

	t.Run("ok", func(t *testing.T) {
		client := &fakeClient{}
		e := connected(cfg, client)
		if err := e.Publish(sampleResult()); err != nil {
			t.Fatal(err)
		}
		if err := e.Publish(sequencer.Result{Seq: 8}); err != nil {
			t.Fatal(err)
		}
		s := e.Stats()
		if s.Published != 2 || s.Empty != 1 || s.Errors != 0 || !s.Connected {
			t.Errorf("stats = %+v", s)
		}
		if client.topics[0] != cfg.Topic {
			t.Errorf("topic = %q", client.topics[0])
		}
	})

	t.Run("timeout", func(t *testing.T) {
		e := connected(cfg, &fakeClient{token: &fakeToken{timeout: true}})
		if err := e.Publish(sampleResult()); !errors.Is(err, ErrPublishTimeout) {
			t.Fatalf("expected ErrPublishTimeout, got %v", err)
		}
	})

	t.Run("broker_error", func(t *testing.T) {
		e := connected(cfg, &fakeClient{token: &fakeToken{err: errors.New("not authorized")}})
		if err := e.Publish(sampleResult()); err == nil {
			t.Fatal("expected error")
		}
		if e.Stats().Errors != 1 {
			t.Errorf("errors = %d", e.Stats().Errors)
		}
	})
}

// TestRun drains a result channel until it is closed
func TestRun(t *testing.T) {
	client := &fakeClient{}
	e := connected(config.MQTTConfig{Topic: "t", Encoding: "msgpack"}, client)

	ch := make(chan sequencer.Result, 4)
	for i := 0; i < 3; i++ {
		ch <- sequencer.Result{Seq: uint64(i + 1)}
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	if client.count() != 3 {
		t.Errorf("published %d, want 3", client.count())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Run(ctx, make(chan sequencer.Result))
	e.Disconnect()
	if e.Stats().Connected {
		t.Error("still connected after Disconnect")
	}
	t.Logf("✅ run loop published %d results", client.count())
}

func TestConnect(t *testing.T) {
	cfg := config.MQTTConfig{Broker: "localhost:1883", Topic: "roi/results"}
	dial := func(client *fakeClient) *MQTTEmitter {
		e := NewMQTTEmitter(cfg, "cam-1")
		e.newClient = func(*mqtt.ClientOptions) mqtt.Client { return client }
		e.connectTimeout = 20 * time.Millisecond
		return e
	}

	t.Run("ok", func(t *testing.T) {
		e := dial(&fakeClient{})
		if err := e.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if !e.Stats().Connected {
			t.Error("not connected after Connect")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		e := dial(&fakeClient{token: &fakeToken{timeout: true}})
		err := e.Connect(context.Background())
		if !errors.Is(err, ErrConnectTimeout) {
			t.Fatalf("expected ErrConnectTimeout, got %v", err)
		}
		if e.Stats().Connected {
			t.Error("connected after timeout")
		}
	})

	t.Run("refused", func(t *testing.T) {
		refused := errors.New("connection refused")
		e := dial(&fakeClient{token: &fakeToken{err: refused}})
		if err := e.Connect(context.Background()); !errors.Is(err, refused) {
			t.Fatalf("expected broker error, got %v", err)
		}
	})

	t.Run("context_cancelled", func(t *testing.T) {
		e := dial(&fakeClient{token: &fakeToken{timeout: true}})
		e.connectTimeout = time.Hour
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := e.Connect(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
	t.Logf("✅ connect outcomes typed")
}
