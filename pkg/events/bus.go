// Package events is the control plane's typed event bus. Components
// publish lifecycle and security events; subscribers register per event
// type. Delivery is asynchronous with bounded per-subscriber queues so
// a slow consumer never stalls admission.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the control plane.
const (
	TypeContractCreated        = "contract_created"
	TypeContractStatusChanged  = "contract_status_changed"
	TypeContractCancelled      = "contract_cancelled"
	TypeSecurityThreatDetected = "security_threat_detected"
	TypeOverrideRequested      = "override_requested"
	TypeEmergencyEscalation    = "emergency_escalation"
)

// Event is one published occurrence.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler consumes events of one type.
type Handler func(Event)

const subscriberQueueSize = 64

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus routes events to type-scoped subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	logger *slog.Logger
	closed bool

	wg sync.WaitGroup
}

// NewBus builds an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*subscriber),
		logger: logger,
	}
}

// Subscribe registers h for eventType. Each subscriber gets its own
// goroutine and bounded queue; events overflowing the queue are dropped
// with a log. The returned function unsubscribes.
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	sub := &subscriber{
		ch:   make(chan Event, subscriberQueueSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-sub.ch:
				h(ev)
			case <-sub.done:
				// Drain anything already queued.
				for {
					select {
					case ev := <-sub.ch:
						h(ev)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[eventType]
			for i, s := range list {
				if s == sub {
					b.subs[eventType] = append(list[:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Publish delivers ev to every subscriber of its type without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[ev.Type]...)
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("event dropped: subscriber queue full", "type", ev.Type)
		}
	}
}

// Close stops all subscribers after draining their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			close(sub.done)
		}
	}
	b.wg.Wait()
}
