// Package audit records control-plane accountability events and exports
// evidence packs for offline review.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/store"
)

// Logger records audit events. Recording must never fail an admission:
// implementations surface persistence errors to the caller, and callers
// decide whether to log-and-continue.
type Logger interface {
	Record(ctx context.Context, eventType contracts.AuditEventType, agentID, contractID string, data any) error
}

// storeLogger writes events to the durable hash-chained audit log.
type storeLogger struct {
	log    *store.AuditLog
	slog   *slog.Logger
	source string
}

// NewStoreLogger builds a Logger over the durable audit log.
func NewStoreLogger(l *store.AuditLog, logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &storeLogger{log: l, slog: logger, source: "covenant"}
}

func (s *storeLogger) Record(ctx context.Context, eventType contracts.AuditEventType, agentID, contractID string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return contracts.ErrInvalidRequest("serializing audit payload: %v", err)
		}
		raw = b
	}
	_, err := s.log.Append(ctx, contracts.AuditEvent{
		EventType:            eventType,
		AgentID:              agentID,
		EventData:            raw,
		DelegationContractID: contractID,
		SourceSystem:         s.source,
	})
	if err != nil {
		s.slog.Error("audit append failed",
			"event_type", string(eventType), "agent_id", agentID, "error", err)
		return err
	}
	s.slog.Debug("audit event recorded",
		"event_type", string(eventType), "agent_id", agentID, "contract_id", contractID)
	return nil
}

// nopLogger discards events; used when auditing is disabled in tests.
type nopLogger struct{}

// NewNopLogger returns a Logger that records nothing.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Record(context.Context, contracts.AuditEventType, string, string, any) error {
	return nil
}
