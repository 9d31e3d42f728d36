package contracts

import (
	"encoding/json"
	"time"
)

// AuditEventType categorizes control-plane audit events.
type AuditEventType string

const (
	EventDelegationCreated      AuditEventType = "delegation_created"
	EventDelegationVerified     AuditEventType = "delegation_verified"
	EventContractStatusChanged  AuditEventType = "contract_status_changed"
	EventContractCancelled      AuditEventType = "contract_cancelled"
	EventSecurityThreatDetected AuditEventType = "security_threat_detected"
	EventClearanceDecision      AuditEventType = "clearance_decision"
	EventOverrideRequested      AuditEventType = "override_requested"
	EventEmergencyEscalation    AuditEventType = "emergency_escalation"
)

// AuditEvent is one append-only accountability record.
type AuditEvent struct {
	EventID              string          `json:"event_id"`
	EventType            AuditEventType  `json:"event_type"`
	Timestamp            time.Time       `json:"timestamp"`
	AgentID              string          `json:"agent_id"`
	AgentName            string          `json:"agent_name,omitempty"`
	EventData            json.RawMessage `json:"event_data,omitempty"`
	DelegationContractID string          `json:"delegation_contract_id,omitempty"`
	SourceSystem         string          `json:"source_system"`
}
