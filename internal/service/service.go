// Package service runs the two-stage cascade: it launches the primary and
// secondary pipelines, serializes their callbacks on one event loop, and
// fans the aggregated results out to subscribers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/compose"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/config"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/emitter"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/engine"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/perf"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/resultbus"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/sequencer"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/stream"
)

// Result bus subscriptions.
const (
	mqttSubscriber   = "mqtt"
	latestSubscriber = "latest"
)

// Service is the cascade orchestrator
type Service struct {
	cfg  *config.Config
	plan *Plan

	loop    *stream.Loop
	bus     *resultbus.Bus
	emitter *emitter.MQTTEmitter
	frames  *perf.Meter
	results *perf.Meter
	retry   engine.RetryState
	health  *http.Server
	latest  *resultbus.Receiver

	// Lifecycle management
	mu        sync.RWMutex
	wg        sync.WaitGroup
	started   time.Time
	isRunning bool
	playing   bool
	enroll    string
	last      *sequencer.Result
	seq       *sequencer.Sequencer
	primary   *engine.Pipeline
	secondary *engine.Pipeline
	stage     *engine.Stage
}

// New creates the service for a resolved plan. Nothing runs until Run.
func New(cfg *config.Config, plan *Plan) *Service {
	s := &Service{
		cfg:     cfg,
		plan:    plan,
		loop:    stream.NewLoop(cfg.Dispatch.LoopCapacity),
		bus:     resultbus.New(),
		frames:  perf.NewMeter(perf.DefaultWindow),
		results: perf.NewMeter(perf.DefaultWindow),
	}
	if cfg.MQTT.Enabled {
		s.emitter = emitter.NewMQTTEmitter(cfg.MQTT, cfg.InstanceID)
	}
	// A fresh bus accepts any id.
	s.latest, _ = s.bus.SubscribeDropOld(latestSubscriber)
	return s
}

// Results returns the bus every aggregated Result is published on.
func (s *Service) Results() *resultbus.Bus { return s.bus }

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

// Run starts the service and blocks until ctx is cancelled or the pipelines
// fail beyond the retry budget.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service: already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	slog.Info("service: starting",
		"instance_id", s.cfg.InstanceID,
		"device", s.plan.Caps.Name(),
		"source", s.plan.Source,
	)
	slog.Info("service: primary pipeline",
		"accelerators", s.plan.PrimaryAccelerators,
		"description", s.plan.Primary,
	)
	slog.Info("service: secondary pipeline",
		"accelerators", s.plan.SecondaryAccelerators,
		"description", s.plan.Secondary,
	)

	if err := s.loop.Start(ctx); err != nil {
		return fmt.Errorf("service: start event loop: %w", err)
	}

	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("service: failed to connect mqtt: %w", err)
		}
		ch := make(chan sequencer.Result, s.cfg.MQTT.Buffer)
		if err := s.bus.Subscribe(mqttSubscriber, ch); err != nil {
			return fmt.Errorf("service: subscribe emitter: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.emitter.Run(ctx, ch)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logStats(ctx, time.Duration(s.cfg.Dispatch.StatsIntervalS)*time.Second)
	}()

	retry := engine.RetryConfig{
		MaxRetries:    s.cfg.Engine.MaxRetries,
		RetryDelay:    time.Duration(s.cfg.Engine.RetryDelayMS) * time.Millisecond,
		MaxRetryDelay: time.Duration(s.cfg.Engine.MaxRetryDelayMS) * time.Millisecond,
	}
	err := engine.RunWithRetry(ctx, s.runPipelines, retry, &s.retry)
	if ctx.Err() != nil {
		slog.Info("service: run loop exiting")
		return nil
	}
	if err == nil {
		slog.Info("service: stream ended")
	}
	return err
}

// runPipelines launches both pipelines with a fresh sequencer and blocks
// until one of them fails or ctx is done.
func (s *Service) runPipelines(ctx context.Context) error {
	secondary, err := engine.Launch("secondary", s.plan.Secondary)
	if err != nil {
		return err
	}
	stage, err := engine.NewStage(secondary, compose.SecondarySrc, compose.SecondaryCrop)
	if err != nil {
		return err
	}

	seq, err := sequencer.New(sequencer.Config{
		Decoder:  s.plan.Decoder,
		Geometry: s.plan.Geometry,
	}, stage, s.plan.Interpret)
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}
	seq.RegisterCompletionCallback(s.onResult)

	// GStreamer callbacks run on streaming threads; the sequencer only runs
	// on the event loop. Completions are never dropped: a lost one would
	// leave the sequencer dispatching forever.
	if err := secondary.OnTensor(compose.SecondarySink, func(data []byte) {
		s.loop.Deliver(func() { seq.OnSecondaryOutput(stream.Bytes(data)) })
	}); err != nil {
		return err
	}

	primary, err := engine.Launch("primary", s.plan.Primary)
	if err != nil {
		return err
	}
	if err := primary.OnTensor(compose.DetectorSink, func(data []byte) {
		s.loop.Post(func() {
			if err := seq.OnDetections(data); err != nil {
				slog.Debug("service: detections dropped", "error", err)
			}
		})
	}); err != nil {
		return err
	}
	if err := primary.OnSample(compose.VideoSink, func(data []byte) {
		s.frames.Tick()
		s.loop.Post(func() { seq.OnPrimaryBuffer(stream.Bytes(data)) })
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.seq, s.primary, s.secondary, s.stage = seq, primary, secondary, stage
	s.mu.Unlock()

	defer func() {
		seq.Stop()
		if err := primary.Stop(); err != nil {
			slog.Error("service: failed to stop primary pipeline", "error", err)
		}
		if err := secondary.Stop(); err != nil {
			slog.Error("service: failed to stop secondary pipeline", "error", err)
		}
		s.setPlaying(false)
	}()

	if err := secondary.Start(); err != nil {
		return err
	}
	if err := primary.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	poll := time.Duration(s.cfg.Engine.BusPollIntervalMS) * time.Millisecond
	errs := make(chan error, 2)
	for _, p := range []*engine.Pipeline{primary, secondary} {
		go func(p *engine.Pipeline) {
			errs <- p.Monitor(runCtx, poll, func() {
				if p == primary {
					s.retry.Reset()
					s.setPlaying(true)
				}
			})
		}(p)
	}

	err = <-errs
	cancel()
	<-errs
	return err
}

func (s *Service) onResult(r sequencer.Result) {
	s.results.Tick()
	s.enrollFrom(r)
	s.bus.Publish(r)
	if !r.Empty() {
		slog.Debug("service: result",
			"seq", r.Seq,
			"trace_id", r.TraceID,
			"boxes", len(r.Entries),
			"latency", r.Latency(),
		)
	}
}

func (s *Service) setPlaying(v bool) {
	s.mu.Lock()
	s.playing = v
	s.mu.Unlock()
}

// logStats logs pipeline statistics every interval and warns when a
// dispatch has been in flight longer than the stall threshold.
func (s *Service) logStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	stall := time.Duration(s.cfg.Dispatch.StallWarningMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.Stats()
			slog.Info("service: stats",
				"video_fps", fmt.Sprintf("%.1f", st.VideoFPS.FPSMean),
				"video_stable", st.VideoFPS.IsStable,
				"result_fps", fmt.Sprintf("%.1f", st.ResultFPS.FPSMean),
				"frames", st.Sequencer.Frames,
				"dispatched", st.Sequencer.Dispatched,
				"published", st.Sequencer.Published,
				"busy_drops", st.Sequencer.BusyDrops,
				"loop_dropped", st.Loop.Dropped,
				"bus_dropped", st.Bus.TotalDropped,
				"restarts", st.Restarts,
			)
			if stall > 0 && st.Sequencer.State == sequencer.StateDispatching && st.Sequencer.DispatchAge > stall {
				slog.Warn("service: secondary dispatch stalled",
					"age", st.Sequencer.DispatchAge,
					"threshold", stall,
				)
			}
		}
	}
}

// Shutdown performs graceful shutdown of all components. Run must have
// returned, or its context been cancelled, before Shutdown is called.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	seq, health := s.seq, s.health
	s.mu.Unlock()

	slog.Info("service: shutting down")

	// 1. Stop dispatching; the pipelines are stopped by runPipelines once
	// the run context is cancelled.
	if seq != nil {
		seq.Stop()
	}

	// 2. Wait for goroutines
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("service: shutdown timed out: %w", ctx.Err())
	}

	// 3. Drain the event loop and close subscribers
	s.loop.Stop()
	s.bus.Close()

	// 4. Disconnect MQTT and the health server
	if s.emitter != nil {
		s.emitter.Disconnect()
	}
	if health != nil {
		if err := health.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("service: health server shutdown failed", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("service: shutdown complete", "uptime", uptime)
	return nil
}
