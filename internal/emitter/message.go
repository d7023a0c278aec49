package emitter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/sequencer"
)

// BBox is a box in frame pixel coordinates.
type BBox struct {
	X1 int `json:"x1" msgpack:"x1"`
	Y1 int `json:"y1" msgpack:"y1"`
	X2 int `json:"x2" msgpack:"x2"`
	Y2 int `json:"y2" msgpack:"y2"`
}

// Detection is one box and its secondary output.
type Detection struct {
	BBox   BBox    `json:"bbox" msgpack:"bbox"`
	Score  float32 `json:"score" msgpack:"score"`
	Output any     `json:"output,omitempty" msgpack:"output,omitempty"`
	Error  string  `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Message is the payload published for one Result.
type Message struct {
	InstanceID  string      `json:"instance_id" msgpack:"instance_id"`
	Seq         uint64      `json:"seq" msgpack:"seq"`
	TraceID     string      `json:"trace_id" msgpack:"trace_id"`
	Timestamp   string      `json:"timestamp" msgpack:"timestamp"`
	LatencyMS   float64     `json:"latency_ms" msgpack:"latency_ms"`
	FrameWidth  int         `json:"frame_width" msgpack:"frame_width"`
	FrameHeight int         `json:"frame_height" msgpack:"frame_height"`
	Detections  []Detection `json:"detections" msgpack:"detections"`
}

// NewMessage flattens r into its wire form.
func NewMessage(instanceID string, r sequencer.Result) Message {
	m := Message{
		InstanceID:  instanceID,
		Seq:         r.Seq,
		TraceID:     r.TraceID.String(),
		Timestamp:   r.Completed.UTC().Format(time.RFC3339Nano),
		LatencyMS:   float64(r.Latency().Microseconds()) / 1000,
		FrameWidth:  r.Width,
		FrameHeight: r.Height,
		Detections:  make([]Detection, 0, len(r.Entries)),
	}
	for _, e := range r.Entries {
		d := Detection{
			BBox:   BBox{X1: e.Box.X1, Y1: e.Box.Y1, X2: e.Box.X2, Y2: e.Box.Y2},
			Score:  e.Box.Score,
			Output: e.Output,
		}
		if e.Err != nil {
			d.Error = e.Err.Error()
		}
		m.Detections = append(m.Detections, d)
	}
	return m
}

// Encode marshals m as "json" or "msgpack".
func Encode(m Message, encoding string) ([]byte, error) {
	switch encoding {
	case "", "json":
		return json.Marshal(m)
	case "msgpack":
		return msgpack.Marshal(m)
	default:
		return nil, fmt.Errorf("emitter: unknown encoding %q", encoding)
	}
}
