package resultbus

import (
	"sync"
	"testing"
	"time"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/sequencer"
)

func result(seq uint64) sequencer.Result { return sequencer.Result{Seq: seq} }

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan sequencer.Result, 10)
	if err := bus.Subscribe("mqtt", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(result(1))

	select {
	case received := <-ch:
		if received.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", received.Seq)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for result")
	}
}

// TestNonBlockingPublish verifies Publish never blocks.
func TestNonBlockingPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan sequencer.Result, 1)
	if err := bus.Subscribe("slow", ch); err != nil {
		t.Fatal(err)
	}

	done := make(chan bool)
	go func() {
		bus.Publish(result(1))
		bus.Publish(result(2))
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	if received := <-ch; received.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", received.Seq)
	}

	sub := bus.Stats().Subscribers["slow"]
	if sub.Sent != 1 || sub.Dropped != 1 {
		t.Errorf("Expected 1 sent / 1 dropped, got %d / %d", sub.Sent, sub.Dropped)
	}
}

// TestConservation verifies sent + dropped == published for DropNew subscribers.
func TestConservation(t *testing.T) {
	bus := New()
	defer bus.Close()

	bus.Subscribe("a", make(chan sequencer.Result, 10))
	bus.Subscribe("b", make(chan sequencer.Result, 1))
	bus.Subscribe("c", make(chan sequencer.Result, 3))

	for i := uint64(1); i <= 5; i++ {
		bus.Publish(result(i))
	}

	stats := bus.Stats()
	expected := stats.TotalPublished * uint64(len(stats.Subscribers))
	if stats.TotalSent+stats.TotalDropped != expected {
		t.Errorf("Conservation law violated: %d sent + %d dropped != %d published × %d subscribers",
			stats.TotalSent, stats.TotalDropped, stats.TotalPublished, len(stats.Subscribers))
	}
	if stats.Subscribers["b"].Dropped != 4 || stats.Subscribers["c"].Dropped != 2 {
		t.Errorf("unexpected drops: %+v", stats.Subscribers)
	}
	t.Logf("✅ %d sent, %d dropped", stats.TotalSent, stats.TotalDropped)
}

// TestDropOldKeepsLatest verifies a slow DropOld subscriber sees only the newest result.
func TestDropOldKeepsLatest(t *testing.T) {
	bus := New()
	defer bus.Close()

	recv, err := bus.SubscribeDropOld("overlay")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := recv.TryReceive(); ok {
		t.Fatal("TryReceive returned a result before any publish")
	}

	for i := uint64(1); i <= 4; i++ {
		bus.Publish(result(i))
	}

	got, ok := recv.Receive()
	if !ok || got.Seq != 4 {
		t.Errorf("Receive = %d, %v; want 4", got.Seq, ok)
	}
	if _, ok := recv.TryReceive(); ok {
		t.Error("same result received twice")
	}

	sub := bus.Stats().Subscribers["overlay"]
	if sub.Sent != 4 || sub.Dropped != 3 || sub.Policy != DropOld {
		t.Errorf("stats = %+v", sub)
	}
}

// TestReceiveUnblocksOnClose verifies blocked receivers wake on Close.
func TestReceiveUnblocksOnClose(t *testing.T) {
	bus := New()
	recv, _ := bus.SubscribeDropOld("overlay")

	done := make(chan bool)
	go func() {
		_, ok := recv.Receive()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Receive reported a result after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive still blocked after Close")
	}
}

// TestSubscriptionErrors verifies error handling.
func TestSubscriptionErrors(t *testing.T) {
	bus := New()

	if err := bus.Subscribe("dup", make(chan sequencer.Result, 1)); err != nil {
		t.Fatal(err)
	}
	if err := bus.Subscribe("dup", make(chan sequencer.Result, 1)); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
	if _, err := bus.SubscribeDropOld("dup"); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
	if err := bus.Subscribe("nil", nil); err != ErrNilChannel {
		t.Errorf("Expected ErrNilChannel, got %v", err)
	}
	if err := bus.Unsubscribe("ghost"); err != ErrSubscriberNotFound {
		t.Errorf("Expected ErrSubscriberNotFound, got %v", err)
	}

	bus.Close()
	bus.Close()

	if err := bus.Subscribe("late", make(chan sequencer.Result, 1)); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	if err := bus.Unsubscribe("dup"); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	bus.Publish(result(1))
	if bus.Stats().TotalPublished != 0 {
		t.Error("Publish counted after Close")
	}
}

// TestUnsubscribe verifies an unsubscribed channel receives nothing.
func TestUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan sequencer.Result, 1)
	bus.Subscribe("test", ch)
	if err := bus.Unsubscribe("test"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	bus.Publish(result(1))

	select {
	case <-ch:
		t.Error("Received result after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestConcurrentPublish verifies thread safety with multiple publishers.
func TestConcurrentPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan sequencer.Result, 1000)
	bus.Subscribe("test", ch)
	recv, _ := bus.SubscribeDropOld("latest")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(result(uint64(id*100 + j)))
			}
		}(i)
	}
	wg.Wait()

	stats := bus.Stats()
	if stats.TotalPublished != 1000 {
		t.Errorf("Expected 1000 published, got %d", stats.TotalPublished)
	}
	if sub := stats.Subscribers["test"]; sub.Sent+sub.Dropped != 1000 {
		t.Errorf("Expected 1000 total (sent+dropped), got %d", sub.Sent+sub.Dropped)
	}
	if _, ok := recv.TryReceive(); !ok {
		t.Error("DropOld subscriber holds no result")
	}
}
