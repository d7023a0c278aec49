package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RetryConfig contains configuration for exponential backoff restarts
type RetryConfig struct {
	MaxRetries    int           // restarts allowed before giving up
	RetryDelay    time.Duration // first backoff delay
	MaxRetryDelay time.Duration // backoff cap
}

// DefaultRetryConfig returns default restart configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// RetryState tracks restart attempts. Reset clears the current streak once a
// run reaches PLAYING.
type RetryState struct {
	current  int32
	restarts uint32
}

// Reset clears the consecutive failure count.
func (s *RetryState) Reset() { atomic.StoreInt32(&s.current, 0) }

// Restarts returns the total number of restarts.
func (s *RetryState) Restarts() uint32 { return atomic.LoadUint32(&s.restarts) }

// RunFunc runs a pipeline until it fails or ctx is done.
type RunFunc func(ctx context.Context) error

// RunWithRetry calls run until it returns nil or ctx is done, restarting with
// exponential backoff after failures:
//
//	attempt 1: 1s, attempt 2: 2s, attempt 3: 4s ... capped at MaxRetryDelay
//
// End of stream is a normal completion and returns nil. A *PipelineError
// whose category is not retryable stops immediately.
func RunWithRetry(ctx context.Context, run RunFunc, cfg RetryConfig, state *RetryState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := run(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if errors.Is(err, ErrEOS) {
			slog.Info("engine: end of stream, not restarting")
			return nil
		}

		var perr *PipelineError
		if errors.As(err, &perr) && !perr.Category.Retryable() {
			slog.Error("engine: pipeline failed, not retryable", "error", err)
			return err
		}

		attempt := int(atomic.AddInt32(&state.current, 1))
		atomic.AddUint32(&state.restarts, 1)
		if attempt > cfg.MaxRetries {
			return fmt.Errorf("%w (%d attempts): %w", ErrMaxRetries, cfg.MaxRetries, err)
		}

		delay := calculateBackoff(attempt, cfg)
		slog.Warn("engine: restarting pipeline",
			"error", err,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay < 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
