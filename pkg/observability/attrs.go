package observability

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// AdmissionAttrs builds the standard attribute set for an admission
// attempt.
func AdmissionAttrs(taskID, delegator, delegatee string, depth int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("covenant.task.id", taskID),
		attribute.String("covenant.delegator.id", delegator),
		attribute.String("covenant.delegatee.id", delegatee),
		attribute.Int("covenant.delegation.depth", depth),
	}
}

// ContractAttrs builds the standard attribute set for a contract
// lifecycle transition.
func ContractAttrs(contractID string, status contracts.ContractStatus) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("covenant.contract.id", contractID),
		attribute.String("covenant.contract.status", string(status)),
	}
}

// GateForError maps an admission error to the gate that raised it, for
// the covenant.admission.blocks counter. Errors that do not belong to a
// gate report as "validation" or "internal".
func GateForError(err error) string {
	switch contracts.KindOf(err) {
	case contracts.KindClearanceInsufficient:
		return "classification"
	case contracts.KindSecurityThreat:
		return "security"
	case contracts.KindReputationInsufficient:
		return "reputation"
	case contracts.KindFirebreakBlocked:
		return "firebreak"
	case contracts.KindLoopDetected, contracts.KindMaxDepthExceeded:
		return "chain"
	case contracts.KindPermissionAttenuation:
		return "attenuation"
	case contracts.KindInvalidRequest, contracts.KindNotFound:
		return "validation"
	default:
		return "internal"
	}
}
