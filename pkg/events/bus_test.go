package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishReachesTypedSubscriber(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe(TypeContractCreated, func(ev Event) { got <- ev })

	b.Publish(Event{Type: TypeContractCreated, AgentID: "worker"})

	select {
	case ev := <-got:
		if ev.AgentID != "worker" || ev.Timestamp.IsZero() {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribersAreTypeScoped(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var count atomic.Int32
	b.Subscribe(TypeContractCancelled, func(Event) { count.Add(1) })

	b.Publish(Event{Type: TypeContractCreated})
	b.Publish(Event{Type: TypeSecurityThreatDetected})
	b.Close()

	if count.Load() != 0 {
		t.Fatal("subscriber received events of other types")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var count atomic.Int32
	stop := b.Subscribe(TypeContractCreated, func(Event) { count.Add(1) })

	b.Publish(Event{Type: TypeContractCreated})
	// Let the queue drain before unsubscribing.
	deadline := time.Now().Add(time.Second)
	for count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	stop()
	b.Publish(Event{Type: TypeContractCreated})
	time.Sleep(10 * time.Millisecond)

	if count.Load() != 1 {
		t.Fatalf("count = %d, want 1", count.Load())
	}
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	b := NewBus(nil)

	block := make(chan struct{})
	b.Subscribe(TypeContractCreated, func(Event) { <-block })

	done := make(chan struct{})
	go func() {
		// Far more events than the queue holds.
		for i := 0; i < subscriberQueueSize*3; i++ {
			b.Publish(Event{Type: TypeContractCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(block)
	b.Close()
}

func TestCloseDrainsQueues(t *testing.T) {
	b := NewBus(nil)

	var mu sync.Mutex
	var seen int
	b.Subscribe(TypeContractStatusChanged, func(Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TypeContractStatusChanged})
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if seen != 10 {
		t.Fatalf("seen = %d, want 10", seen)
	}
}
