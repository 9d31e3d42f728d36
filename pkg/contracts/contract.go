package contracts

import "time"

// ContractStatus tracks the lifecycle of a delegation contract.
type ContractStatus string

const (
	StatusPending   ContractStatus = "pending"
	StatusActive    ContractStatus = "active"
	StatusCompleted ContractStatus = "completed"
	StatusFailed    ContractStatus = "failed"
	StatusTimeout   ContractStatus = "timeout"
	StatusCancelled ContractStatus = "cancelled"
	StatusRevoked   ContractStatus = "revoked"
)

// allowedTransitions encodes the contract state machine:
// pending -> {active, cancelled, revoked}
// active  -> {completed, failed, timeout, cancelled, revoked}
var allowedTransitions = map[ContractStatus][]ContractStatus{
	StatusPending: {StatusActive, StatusCancelled, StatusRevoked},
	StatusActive:  {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusRevoked},
}

// Terminal reports whether the status admits no further transitions.
func (s ContractStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusRevoked:
		return true
	}
	return false
}

// Valid reports whether the status is a defined lifecycle state.
func (s ContractStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusFailed,
		StatusTimeout, StatusCancelled, StatusRevoked:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to ContractStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// VerificationPolicy states how the delegator validates the delegatee's output.
type VerificationPolicy string

const (
	VerifyDirectInspection   VerificationPolicy = "direct_inspection"
	VerifyThirdPartyAudit    VerificationPolicy = "third_party_audit"
	VerifyCryptographicProof VerificationPolicy = "cryptographic_proof"
	VerifyHumanRequired      VerificationPolicy = "human_required"
	VerifyNone               VerificationPolicy = "none"
)

// Valid reports whether the policy is one of the defined variants.
func (p VerificationPolicy) Valid() bool {
	switch p {
	case VerifyDirectInspection, VerifyThirdPartyAudit, VerifyCryptographicProof,
		VerifyHumanRequired, VerifyNone:
		return true
	}
	return false
}

// AgentRef identifies a party to a contract.
type AgentRef struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
}

// SuccessCriteria states what "done" means for a contract.
type SuccessCriteria struct {
	RequiredChecks   []string `json:"required_checks,omitempty"`
	QualityThreshold *float64 `json:"quality_threshold,omitempty"`
}

// RetryPolicy bounds automatic re-delegation on failure.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts"`
	BackoffMs   int64 `json:"backoff_ms"`
}

// FirebreakLimits optionally tightens the accountability limits for one contract.
type FirebreakLimits struct {
	MaxDepth      *int     `json:"max_depth,omitempty"`
	MaxValue      *float64 `json:"max_value,omitempty"`
	AllowCritical *bool    `json:"allow_critical,omitempty"`
	AllowExternal *bool    `json:"allow_external,omitempty"`
}

// ReputationRequirements encodes per-dimension admission thresholds.
// Nil fields are not enforced.
type ReputationRequirements struct {
	MinAggregate   *float64 `json:"min_aggregate,omitempty"`
	MinReliability *float64 `json:"min_reliability,omitempty"`
	MinSpeed       *float64 `json:"min_speed,omitempty"`
	MinQuality     *float64 `json:"min_quality,omitempty"`
	MinSecurity    *float64 `json:"min_security,omitempty"`
}

// VerificationResult records the outcome check that accompanied a terminal
// transition.
type VerificationResult struct {
	Verified   bool     `json:"verified"`
	Method     string   `json:"method,omitempty"`
	Checks     []string `json:"checks,omitempty"`
	Quality    *float64 `json:"quality,omitempty"`
	VerifiedBy string   `json:"verified_by,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// DelegationContract is the atomic unit of accountability: a durable record
// that one agent authorized another to perform a task, under constraints.
type DelegationContract struct {
	ContractID      string `json:"contract_id"`
	TaskID          string `json:"task_id"`
	TaskDescription string `json:"task_description"`

	Delegator AgentRef `json:"delegator"`
	Delegatee AgentRef `json:"delegatee"`

	RequiredCapabilities []string           `json:"required_capabilities"`
	VerificationPolicy   VerificationPolicy `json:"verification_policy"`
	SuccessCriteria      SuccessCriteria    `json:"success_criteria"`

	PermissionToken      *PermissionToken      `json:"permission_token,omitempty"`
	ResourceRequirements *ResourceRequirements `json:"resource_requirements,omitempty"`
	RetryPolicy          *RetryPolicy          `json:"retry_policy,omitempty"`

	Priority  int   `json:"priority"` // 1 low .. 10 critical
	TimeoutMs int64 `json:"timeout_ms"`

	TLPClassification TLPLevel `json:"tlp_classification"`

	ParentContractID string `json:"parent_contract_id,omitempty"`
	DelegationDepth  int    `json:"delegation_depth"`

	Firebreak              *FirebreakLimits        `json:"firebreak,omitempty"`
	ReputationRequirements *ReputationRequirements `json:"reputation_requirements,omitempty"`

	Status ContractStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	VerificationResult *VerificationResult `json:"verification_result,omitempty"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
}
