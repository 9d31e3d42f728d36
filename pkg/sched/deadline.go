// Package sched runs deadline-driven callbacks: contract timeouts and
// override expirations. Deadlines sit in a min-heap; a single runner
// goroutine sleeps until the earliest one and fires its callback.
package sched

import (
	"container/heap"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type deadline struct {
	id     string
	at     time.Time
	seq    uint64
	fn     func()
	index  int
	popped bool
}

type deadlineHeap []*deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

// Queue schedules callbacks at deadlines. Callbacks run on the runner
// goroutine, one at a time, in deadline order.
type Queue struct {
	mu    sync.Mutex
	heap  deadlineHeap
	byID  map[string]*deadline
	seq   uint64
	clock Clock

	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewQueue builds a queue and starts its runner.
func NewQueue() *Queue {
	return newQueue(wallClock{})
}

// NewQueueWithClock builds a queue on an injected clock. With a fake
// clock, call Tick after advancing it to fire due deadlines.
func NewQueueWithClock(c Clock) *Queue {
	return newQueue(c)
}

func newQueue(c Clock) *Queue {
	q := &Queue{
		byID:  make(map[string]*deadline),
		clock: c,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Schedule registers fn to run at deadline. A second schedule with the
// same id replaces the first.
func (q *Queue) Schedule(id string, at time.Time, fn func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if old, ok := q.byID[id]; ok {
		q.removeLocked(old)
	}
	q.seq++
	d := &deadline{id: id, at: at, seq: q.seq, fn: fn}
	heap.Push(&q.heap, d)
	q.byID[id] = d
	q.mu.Unlock()
	q.signal()
}

// Cancel removes a pending deadline. Canceling an unknown or already
// fired id is a no-op.
func (q *Queue) Cancel(id string) {
	q.mu.Lock()
	if d, ok := q.byID[id]; ok {
		q.removeLocked(d)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) removeLocked(d *deadline) {
	if !d.popped {
		heap.Remove(&q.heap, d.index)
		d.popped = true
	}
	delete(q.byID, d.id)
}

// Len returns the number of pending deadlines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Tick wakes the runner so it re-reads the clock. Intended for tests
// with a fake clock.
func (q *Queue) Tick() { q.signal() }

// Close stops the runner. Pending deadlines do not fire.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()
	q.signal()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}

		// Fire everything already due.
		if len(q.heap) > 0 && !q.heap[0].at.After(q.clock.Now()) {
			d := heap.Pop(&q.heap).(*deadline)
			d.popped = true
			delete(q.byID, d.id)
			q.mu.Unlock()
			d.fn()
			continue
		}

		wait := time.Hour
		if len(q.heap) > 0 {
			wait = q.heap[0].at.Sub(q.clock.Now())
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-q.wake:
		}
	}
}
