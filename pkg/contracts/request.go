package contracts

import "encoding/json"

// DelegationRequest is the wire form of a request to create a contract.
// Unknown top-level JSON fields are preserved in Metadata rather than dropped.
type DelegationRequest struct {
	TaskID          string `json:"task_id"`
	TaskDescription string `json:"task_description"`

	Delegator AgentRef `json:"delegator"`
	// Delegatee may be empty, in which case the capability registry binds one.
	Delegatee AgentRef `json:"delegatee,omitempty"`

	RequiredCapabilities []string           `json:"required_capabilities"`
	VerificationPolicy   VerificationPolicy `json:"verification_policy,omitempty"`
	SuccessCriteria      SuccessCriteria    `json:"success_criteria,omitempty"`

	PermissionToken      *PermissionToken      `json:"permission_token,omitempty"`
	ResourceRequirements *ResourceRequirements `json:"resource_requirements,omitempty"`
	RetryPolicy          *RetryPolicy          `json:"retry_policy,omitempty"`

	Priority  int   `json:"priority,omitempty"`
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	TLPClassification TLPLevel `json:"tlp_classification,omitempty"`

	ParentContractID string `json:"parent_contract_id,omitempty"`

	Firebreak              *FirebreakLimits        `json:"firebreak,omitempty"`
	ReputationRequirements *ReputationRequirements `json:"reputation_requirements,omitempty"`

	// EstimatedValue feeds the firebreak evaluation.
	EstimatedValue float64 `json:"estimated_value,omitempty"`
	// InvolvesCriticalSystems and IsExternalDelegation feed the firebreak.
	InvolvesCriticalSystems bool `json:"involves_critical_systems,omitempty"`
	IsExternalDelegation    bool `json:"is_external_delegation,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// knownRequestFields mirrors the json tags above. Kept in sync by
// TestRequestUnknownFieldPreservation.
var knownRequestFields = map[string]bool{
	"task_id": true, "task_description": true,
	"delegator": true, "delegatee": true,
	"required_capabilities": true, "verification_policy": true,
	"success_criteria": true, "permission_token": true,
	"resource_requirements": true, "retry_policy": true,
	"priority": true, "timeout_ms": true, "tlp_classification": true,
	"parent_contract_id": true, "firebreak": true,
	"reputation_requirements": true, "estimated_value": true,
	"involves_critical_systems": true, "is_external_delegation": true,
	"metadata": true,
}

// UnmarshalJSON decodes a request, folding unknown fields into Metadata.
func (r *DelegationRequest) UnmarshalJSON(data []byte) error {
	type alias DelegationRequest
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		if knownRequestFields[key] {
			continue
		}
		if a.Metadata == nil {
			a.Metadata = make(map[string]any)
		}
		var v any
		if err := json.Unmarshal(val, &v); err != nil {
			continue
		}
		a.Metadata[key] = v
	}

	*r = DelegationRequest(a)
	return nil
}
