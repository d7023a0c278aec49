package service

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/emitter"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/engine"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/perf"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/resultbus"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/sequencer"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/stream"
)

// Stats is a snapshot of every component counter.
type Stats struct {
	Uptime    time.Duration
	Playing   bool
	Restarts  uint32
	VideoFPS  perf.Stats
	ResultFPS perf.Stats
	Sequencer sequencer.Stats
	Loop      stream.LoopStats
	Bus       resultbus.BusStats
	Primary   engine.PipelineStats
	Secondary engine.PipelineStats
	Stage     engine.StageStats
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	st := Stats{Playing: s.playing}
	if s.isRunning {
		st.Uptime = time.Since(s.started)
	}
	seq, primary, secondary, stage := s.seq, s.primary, s.secondary, s.stage
	s.mu.RUnlock()

	st.Restarts = s.retry.Restarts()
	st.VideoFPS = s.frames.Stats()
	st.ResultFPS = s.results.Stats()
	st.Loop = s.loop.Stats()
	st.Bus = s.bus.Stats()
	if seq != nil {
		st.Sequencer = seq.Stats()
	}
	if primary != nil {
		st.Primary = primary.Stats()
	}
	if secondary != nil {
		st.Secondary = secondary.Stats()
	}
	if stage != nil {
		st.Stage = stage.Stats()
	}
	return st
}

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status        string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64   `json:"uptime_seconds"`
	Playing       bool    `json:"playing"`
	MQTTConnected bool    `json:"mqtt_connected"`
	VideoFPS      float64 `json:"video_fps"`
	ResultFPS     float64 `json:"result_fps"`
	BusyDrops     uint64  `json:"busy_drops"`
	Published     uint64  `json:"published"`
	Restarts      uint32  `json:"restarts"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	st := s.Stats()
	h := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(st.Uptime.Seconds()),
		Playing:       st.Playing,
		VideoFPS:      st.VideoFPS.FPSMean,
		ResultFPS:     st.ResultFPS.FPSMean,
		BusyDrops:     st.Sequencer.BusyDrops,
		Published:     st.Sequencer.Published + st.Sequencer.EmptyPublished,
		Restarts:      st.Restarts,
	}
	if s.emitter != nil {
		h.MQTTConnected = s.emitter.Stats().Connected
	}

	s.mu.RLock()
	running := s.isRunning
	s.mu.RUnlock()

	switch {
	case !running:
		h.Status = "unhealthy"
	case !h.Playing || (s.emitter != nil && !h.MQTTConnected):
		h.Status = "degraded"
	}
	return h
}

// LivenessHandler handles /health (process liveness)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(s.Stats().Uptime.Seconds()),
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness (detailed health)
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// LatestResult returns the most recent published Result.
func (s *Service) LatestResult() (sequencer.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.latest.TryReceive(); ok {
		s.last = &r
	}
	if s.last == nil {
		return sequencer.Result{}, false
	}
	return *s.last, true
}

// LatestHandler handles /results/latest (most recent result, 204 before any)
func (s *Service) LatestHandler(w http.ResponseWriter, r *http.Request) {
	res, ok := s.LatestResult()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(emitter.NewMessage(s.cfg.InstanceID, res))
}

// Handler returns the health and enrollment endpoints mux.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/enroll", s.EnrollHandler)
	mux.HandleFunc("/results/latest", s.LatestHandler)
	return mux
}

// StartHealthServer serves the health endpoints on addr in the background.
// Shutdown stops it.
func (s *Service) StartHealthServer(addr string) {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.health = server
	s.mu.Unlock()

	slog.Info("service: starting health server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness", "/enroll", "/results/latest"},
	)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("service: health server failed", "error", err)
		}
	}()
}
