package perf

import (
	"sync"
	"time"
)

// DefaultWindow is the number of timestamps a Meter keeps.
const DefaultWindow = 120

// Meter keeps the last window event timestamps. Safe for concurrent use.
type Meter struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
	total uint64
	now   func() time.Time
}

// NewMeter creates a meter over the last window events. window <= 1 selects
// DefaultWindow.
func NewMeter(window int) *Meter {
	if window <= 1 {
		window = DefaultWindow
	}
	return &Meter{times: make([]time.Time, window), now: time.Now}
}

// Tick records one event at the current time.
func (m *Meter) Tick() {
	m.TickAt(m.now())
}

// TickAt records one event at t.
func (m *Meter) TickAt(t time.Time) {
	m.mu.Lock()
	m.times[m.next] = t
	m.next = (m.next + 1) % len(m.times)
	if m.next == 0 {
		m.full = true
	}
	m.total++
	m.mu.Unlock()
}

// Total returns the number of events recorded since creation.
func (m *Meter) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Stats computes rate statistics over the retained window.
func (m *Meter) Stats() Stats {
	m.mu.Lock()
	var window []time.Time
	if m.full {
		window = make([]time.Time, 0, len(m.times))
		window = append(window, m.times[m.next:]...)
		window = append(window, m.times[:m.next]...)
	} else {
		window = append([]time.Time(nil), m.times[:m.next]...)
	}
	m.mu.Unlock()

	if len(window) < 2 {
		return Stats{Frames: len(window)}
	}
	// n events span n-1 intervals; scale so that Calculate's n/total rate
	// equals (n-1)/span.
	n := len(window)
	span := window[n-1].Sub(window[0])
	return Calculate(window, span*time.Duration(n)/time.Duration(n-1))
}
