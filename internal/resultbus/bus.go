// Package resultbus fans aggregated inference results out to presentation
// subscribers (MQTT emitter, overlay, logging) without ever blocking the
// sequencer.
//
// Two drop policies are offered:
//   - DropNew: results go to a caller-owned buffered channel; a full channel
//     drops the incoming result.
//   - DropOld: the subscriber holds only the latest result; a newer result
//     replaces one not yet received.
package resultbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/sequencer"
)

var (
	ErrBusClosed          = errors.New("resultbus: bus is closed")
	ErrSubscriberExists   = errors.New("resultbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("resultbus: subscriber not found")
	ErrNilChannel         = errors.New("resultbus: nil channel provided")
)

// DropPolicy defines how the bus handles results when a subscriber cannot
// keep up.
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

// SubscriberStats tracks result distribution per subscriber.
type SubscriberStats struct {
	Policy  DropPolicy
	Sent    uint64
	Dropped uint64
}

// BusStats aggregates the bus counters.
//
// For every DropNew subscriber Sent + Dropped equals the results published
// while it was subscribed.
type BusStats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

type subscriber struct {
	policy  DropPolicy
	sent    uint64 // atomic
	dropped uint64 // atomic

	ch     chan<- sequencer.Result
	holder *Receiver
}

// Bus distributes results to subscribers. It is safe for concurrent use.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished uint64 // atomic
	closed         bool
}

// New returns an open Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch with the DropNew policy.
func (b *Bus) Subscribe(id string, ch chan<- sequencer.Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeDropOld registers a latest-result Receiver.
func (b *Bus) SubscribeDropOld(id string) (*Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	r := newReceiver()
	b.subscribers[id] = &subscriber{policy: DropOld, holder: r}
	return r, nil
}

// Publish distributes r to every subscriber without blocking.
func (b *Bus) Publish(r sequencer.Result) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- r:
				atomic.AddUint64(&sub.sent, 1)
			default:
				atomic.AddUint64(&sub.dropped, 1)
			}
		case DropOld:
			if sub.holder.set(r) {
				atomic.AddUint64(&sub.dropped, 1)
			}
			atomic.AddUint64(&sub.sent, 1)
		}
	}
}

// Unsubscribe removes a subscriber. A DropOld Receiver is closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.holder != nil {
		sub.holder.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		TotalPublished: atomic.LoadUint64(&b.totalPublished),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := SubscriberStats{
			Policy:  sub.policy,
			Sent:    atomic.LoadUint64(&sub.sent),
			Dropped: atomic.LoadUint64(&sub.dropped),
		}
		stats.Subscribers[id] = s
		stats.TotalSent += s.Sent
		if sub.policy == DropNew {
			stats.TotalDropped += s.Dropped
		}
	}
	return stats
}

// Close shuts down the bus and every Receiver. Channels registered with
// Subscribe stay open; they belong to the caller.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		if sub.holder != nil {
			sub.holder.Close()
		}
	}
	b.subscribers = nil
}

// Receiver holds the latest result for a DropOld subscriber.
type Receiver struct {
	mu      sync.Mutex
	cond    *sync.Cond
	latest  sequencer.Result
	pending bool
	closed  bool
}

func newReceiver() *Receiver {
	r := &Receiver{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// set stores res and reports whether an unreceived result was replaced.
func (r *Receiver) set(res sequencer.Result) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	replaced = r.pending
	r.latest = res
	r.pending = true
	r.cond.Broadcast()
	return replaced
}

// Receive blocks until a result newer than the last received one is
// available. ok is false once the Receiver is closed.
func (r *Receiver) Receive() (res sequencer.Result, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.pending && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return sequencer.Result{}, false
	}
	r.pending = false
	return r.latest, true
}

// TryReceive returns the pending result without blocking.
func (r *Receiver) TryReceive() (sequencer.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pending || r.closed {
		return sequencer.Result{}, false
	}
	r.pending = false
	return r.latest, true
}

// Close wakes every blocked Receive.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cond.Broadcast()
}
