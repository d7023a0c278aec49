// Package perf measures frame and result rates of the running pipelines.
package perf

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// A stream is stable when the FPS stddev stays under 15% of the mean
	// and the mean jitter under 20% of the expected interval.
	fpsStabilityThreshold    = 0.15
	jitterStabilityThreshold = 0.20
)

// Stats summarises a series of event timestamps.
type Stats struct {
	Frames       int
	Duration     time.Duration
	FPSMean      float64
	FPSStdDev    float64
	FPSMin       float64
	FPSMax       float64
	JitterMean   float64 // seconds
	JitterStdDev float64 // seconds
	JitterMax    float64 // seconds
	IsStable     bool
}

// Calculate computes rate statistics for times observed over total.
func Calculate(times []time.Time, total time.Duration) Stats {
	n := len(times)
	s := Stats{Frames: n, Duration: total}
	if n == 0 || total <= 0 {
		return s
	}
	s.FPSMean = float64(n) / total.Seconds()

	intervals := make([]float64, 0, n-1)
	instant := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		d := times[i].Sub(times[i-1]).Seconds()
		intervals = append(intervals, d)
		if d > 0 {
			instant = append(instant, 1/d)
		}
	}
	if len(instant) == 0 {
		return s
	}

	s.FPSMin = floats.Min(instant)
	s.FPSMax = floats.Max(instant)
	var sumSquares float64
	for _, fps := range instant {
		diff := fps - s.FPSMean
		sumSquares += diff * diff
	}
	s.FPSStdDev = math.Sqrt(sumSquares / float64(len(instant)))

	expected := 1 / s.FPSMean
	jitters := make([]float64, len(intervals))
	for i, d := range intervals {
		jitters[i] = math.Abs(d - expected)
	}
	s.JitterMean, s.JitterStdDev = stat.PopMeanStdDev(jitters, nil)
	s.JitterMax = floats.Max(jitters)

	s.IsStable = s.FPSStdDev < fpsStabilityThreshold*s.FPSMean &&
		s.JitterMean < jitterStabilityThreshold*expected
	return s
}
