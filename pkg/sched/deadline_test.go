package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFiresInDeadlineOrder(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	q := NewQueueWithClock(clock)
	defer q.Close()

	var mu sync.Mutex
	var order []string
	record := func(id string) func() {
		return func() {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}
	}

	q.Schedule("late", clock.Now().Add(2*time.Second), record("late"))
	q.Schedule("early", clock.Now().Add(time.Second), record("early"))

	clock.advance(3 * time.Second)
	q.Tick()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "early" || order[1] != "late" {
		t.Fatalf("order = %v", order)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	q := NewQueueWithClock(clock)
	defer q.Close()

	var fired atomic.Bool
	q.Schedule("x", clock.Now().Add(time.Second), func() { fired.Store(true) })
	q.Cancel("x")

	clock.advance(5 * time.Second)
	q.Tick()
	time.Sleep(20 * time.Millisecond)

	if fired.Load() {
		t.Fatal("cancelled deadline fired")
	}
	if q.Len() != 0 {
		t.Fatalf("queue length = %d", q.Len())
	}
}

func TestRescheduleReplacesDeadline(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	q := NewQueueWithClock(clock)
	defer q.Close()

	var count atomic.Int32
	q.Schedule("x", clock.Now().Add(time.Second), func() { count.Add(1) })
	q.Schedule("x", clock.Now().Add(2*time.Second), func() { count.Add(1) })

	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}

	clock.advance(3 * time.Second)
	q.Tick()

	waitFor(t, func() bool { return count.Load() == 1 })
	time.Sleep(10 * time.Millisecond)
	if count.Load() != 1 {
		t.Fatalf("fired %d times, want 1", count.Load())
	}
}

func TestRealClockFiresPromptly(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	fired := make(chan struct{})
	q.Schedule("soon", time.Now().Add(10*time.Millisecond), func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}
}

func TestCloseStopsPending(t *testing.T) {
	q := NewQueue()

	var fired atomic.Bool
	q.Schedule("far", time.Now().Add(time.Hour), func() { fired.Store(true) })
	q.Close()

	if fired.Load() {
		t.Fatal("pending deadline fired on close")
	}
	// Scheduling after close is a no-op.
	q.Schedule("more", time.Now(), func() { fired.Store(true) })
	time.Sleep(10 * time.Millisecond)
	if fired.Load() {
		t.Fatal("schedule after close fired")
	}
}
