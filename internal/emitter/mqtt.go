// Package emitter publishes aggregated inference results to an MQTT broker.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/config"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/sequencer"
)

var (
	// ErrNotConnected is returned by Publish while the broker is unreachable.
	ErrNotConnected = errors.New("emitter: mqtt not connected")
	// ErrConnectTimeout is returned by Connect when the broker does not
	// answer within the connect timeout.
	ErrConnectTimeout = errors.New("emitter: mqtt connection timeout")
	// ErrPublishTimeout is returned by Publish when the broker does not
	// acknowledge within the publish timeout.
	ErrPublishTimeout = errors.New("emitter: publish timeout")
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTEmitter publishes Results to one MQTT topic
type MQTTEmitter struct {
	cfg            config.MQTTConfig
	instanceID     string
	client         mqtt.Client
	newClient      func(*mqtt.ClientOptions) mqtt.Client
	connectTimeout time.Duration

	mu        sync.RWMutex
	published uint64
	empty     uint64
	errors    uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published uint64
	Empty     uint64
	Errors    uint64
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg config.MQTTConfig, instanceID string) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:            cfg,
		instanceID:     instanceID,
		newClient:      mqtt.NewClient,
		connectTimeout: connectTimeout,
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.instanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.instanceID,
			"topic", e.cfg.Topic)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker)
	}

	e.client = e.newClient(opts)
	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(e.connectTimeout):
		return fmt.Errorf("%w after %s (broker %s)", ErrConnectTimeout, e.connectTimeout, e.cfg.Broker)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Publish encodes r and publishes it.
func (e *MQTTEmitter) Publish(r sequencer.Result) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := Encode(NewMessage(e.instanceID, r), e.cfg.Encoding)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal result: %w", err)
	}

	token := e.client.Publish(e.cfg.Topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	if r.Empty() {
		e.empty++
	}
	e.mu.Unlock()

	slog.Debug("emitter: result published",
		"topic", e.cfg.Topic,
		"seq", r.Seq,
		"detections", len(r.Entries),
		"size", len(payload))
	return nil
}

// Run publishes every Result received on results until ctx is done or
// results is closed. Publish failures are logged and do not stop the loop.
func (e *MQTTEmitter) Run(ctx context.Context, results <-chan sequencer.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			if err := e.Publish(r); err != nil {
				slog.Warn("emitter: publish failed", "seq", r.Seq, "error", err)
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.connected,
		Published: e.published,
		Empty:     e.empty,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
