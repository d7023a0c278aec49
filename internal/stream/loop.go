package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrLoopStarted is returned by Start on a running Loop.
	ErrLoopStarted = errors.New("stream: loop already started")
	// ErrLoopStopped is returned by Start after Stop.
	ErrLoopStopped = errors.New("stream: loop stopped")
)

// DefaultLoopCapacity bounds the events waiting for the loop goroutine.
const DefaultLoopCapacity = 64

// Loop runs posted events one at a time on a single goroutine.
//
// Engine callbacks arrive on streaming threads. Posting them to one Loop
// serializes every state transition of the consumer, so the consumer needs
// no locking.
//
// Semantics:
//   - Post never blocks. When the queue is full the event is dropped and
//     counted.
//   - Deliver never drops. It blocks while its queue is full, and its events
//     run ahead of posted ones.
//   - Events of one kind run in submission order.
//   - After Stop, Post and Deliver drop every event.
type Loop struct {
	queue    chan func()
	priority chan func()
	quit     chan struct{}

	posted  uint64 // atomic
	handled uint64 // atomic
	dropped uint64 // atomic

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// LoopStats is a snapshot of Loop counters.
type LoopStats struct {
	Posted  uint64
	Handled uint64
	Dropped uint64
	Pending int
}

// NewLoop returns a Loop holding up to capacity pending events. A capacity
// <= 0 selects DefaultLoopCapacity.
func NewLoop(capacity int) *Loop {
	if capacity <= 0 {
		capacity = DefaultLoopCapacity
	}
	return &Loop{
		queue:    make(chan func(), capacity),
		priority: make(chan func(), capacity),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spawns the loop goroutine. It runs until ctx is cancelled or Stop is
// called.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrLoopStopped
	}
	if l.started {
		return ErrLoopStarted
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.started = true
	go l.run(ctx)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case fn := <-l.priority:
			l.handle(fn)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case fn := <-l.priority:
			l.handle(fn)
		case fn := <-l.queue:
			l.handle(fn)
		}
	}
}

func (l *Loop) handle(fn func()) {
	fn()
	atomic.AddUint64(&l.handled, 1)
}

// Post queues fn. It reports false when fn was dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped || fn == nil {
		atomic.AddUint64(&l.dropped, 1)
		return false
	}

	select {
	case l.queue <- fn:
		atomic.AddUint64(&l.posted, 1)
		return true
	default:
		n := atomic.AddUint64(&l.dropped, 1)
		slog.Debug("stream: loop queue full - drop", "dropped", n)
		return false
	}
}

// Deliver queues fn ahead of posted events. It blocks while the priority
// queue is full and reports false only once the loop has stopped or its
// context is done.
func (l *Loop) Deliver(fn func()) bool {
	if fn == nil {
		atomic.AddUint64(&l.dropped, 1)
		return false
	}
	select {
	case <-l.quit:
		atomic.AddUint64(&l.dropped, 1)
		return false
	default:
	}

	select {
	case l.priority <- fn:
		atomic.AddUint64(&l.posted, 1)
		return true
	case <-l.quit:
	case <-l.done:
	}
	atomic.AddUint64(&l.dropped, 1)
	return false
}

// Stop ends the loop and waits for the running event to return. Pending
// events are discarded. Stop is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.quit)
	started := l.started
	cancel := l.cancel
	l.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-l.done
}

// Stats returns the loop counters.
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Posted:  atomic.LoadUint64(&l.posted),
		Handled: atomic.LoadUint64(&l.handled),
		Dropped: atomic.LoadUint64(&l.dropped),
		Pending: len(l.queue) + len(l.priority),
	}
}
