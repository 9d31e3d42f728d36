package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSPublisher mirrors bus events onto NATS subjects so external
// systems can observe the control plane. Subjects follow
// covenant.events.<type>.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
	stops  []func()
}

// NewNATSPublisher connects to url. The connection reconnects
// indefinitely; publish failures are logged, never propagated.
func NewNATSPublisher(url string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("covenant-events"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Attach subscribes the publisher to the given event types on bus.
func (p *NATSPublisher) Attach(bus *Bus, eventTypes ...string) {
	for _, et := range eventTypes {
		stop := bus.Subscribe(et, p.publish)
		p.stops = append(p.stops, stop)
	}
}

func (p *NATSPublisher) publish(ev Event) {
	subject := "covenant.events." + ev.Type
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("event serialization failed", "type", ev.Type, "error", err)
		return
	}
	if err := p.conn.Publish(subject, body); err != nil {
		p.logger.Warn("NATS publish failed", "subject", subject, "error", err)
	}
}

// Close detaches from the bus and drains the connection.
func (p *NATSPublisher) Close() {
	for _, stop := range p.stops {
		stop()
	}
	_ = p.conn.Drain()
}
