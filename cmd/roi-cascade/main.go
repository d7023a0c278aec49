// Command roi-cascade runs a face detector on a camera stream and a second
// model on every detected face, publishing the aggregated results.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/config"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/device"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/service"
)

const defaultConfigPath = "config/roi-cascade.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	deviceID := flag.String("device", "", "Machine or SoC id (overrides config, default: detect)")
	source := flag.String("source", "", "Camera device node or file:<path> (overrides config)")
	flip := flag.Bool("flip", false, "Mirror the display")
	display := flag.Bool("display", false, "Enable the display branch")
	broker := flag.String("mqtt", "", "MQTT broker host:port, enables publishing")
	width := flag.Int("width", 0, "Camera width (overrides config)")
	height := flag.Int("height", 0, "Camera height (overrides config)")
	fps := flag.Int("fps", 0, "Camera framerate (overrides config)")
	gpu3d := flag.Bool("gpu3d", false, "Resize on the 3D GPU when present")
	score := flag.Float64("score", 0, "Detection score threshold (overrides config)")
	maxBoxes := flag.Int("max-boxes", 0, "Maximum faces per frame (overrides config)")
	enroll := flag.String("enroll", "", "Save the next single detected face under this name (facenet)")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting roi-cascade",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *deviceID != "" {
		cfg.Device = *deviceID
	}
	if *source != "" {
		cfg.Video.Source = *source
	}
	if *flip {
		cfg.Video.Flip = true
	}
	if *display {
		cfg.Display.Enabled = true
	}
	if *broker != "" {
		cfg.MQTT.Enabled = true
		cfg.MQTT.Broker = *broker
	}
	if *width > 0 && *height > 0 {
		cfg.Video.Width, cfg.Video.Height = *width, *height
	}
	if *fps > 0 {
		cfg.Video.FPS = *fps
	}
	if *gpu3d {
		cfg.Primary.UseGPU3D = true
		cfg.Secondary.UseGPU3D = true
	}
	if *score > 0 {
		cfg.Primary.ScoreThreshold = *score
	}
	if *maxBoxes > 0 {
		cfg.Primary.MaxBoxes = *maxBoxes
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	plan, err := resolve(cfg)
	if err != nil {
		slog.Error("failed to resolve pipelines", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc := service.New(cfg, plan)
	if *enroll != "" {
		if err := svc.Enroll(*enroll); err != nil {
			slog.Error("failed to request enrollment", "name", *enroll, "error", err)
			os.Exit(1)
		}
	}
	if cfg.HealthAddr != "" {
		svc.StartHealthServer(cfg.HealthAddr)
	}

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	// Wait for shutdown signal or error
	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			slog.Error("service error", "error", err)
			exitCode = 1
		}
		cancel()
	}

	// Graceful shutdown
	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		exitCode = 1
	}

	slog.Info("roi-cascade stopped")
	os.Exit(exitCode)
}

// resolve detects the device, prepares the inference runtime and composes
// both pipelines.
func resolve(cfg *config.Config) (*service.Plan, error) {
	id := cfg.Device
	if id == "" {
		detected, err := device.Detect()
		if err != nil {
			return nil, err
		}
		id = detected
	}
	caps, err := device.Resolve(id)
	if err != nil {
		return nil, err
	}
	slog.Info("device resolved", "id", id, "capabilities", caps.String())

	quirks := device.DefaultQuirks()
	if cfg.QuirksPath != "" {
		if quirks, err = device.LoadQuirksFile(cfg.QuirksPath); err != nil {
			return nil, err
		}
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		if cacheDir, err = os.UserHomeDir(); err != nil {
			return nil, fmt.Errorf("graph cache dir: %w", err)
		}
	}
	if err := device.ApplyRuntimeEnv(caps, cacheDir); err != nil {
		return nil, err
	}

	return service.NewPlan(cfg, caps, quirks)
}
