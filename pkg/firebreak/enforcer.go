// Package firebreak evaluates liability firebreaks: policy checks that
// insert a human-authority requirement into a delegation chain so
// liability cannot propagate unbounded. Firebreaks run independently of
// the security gates.
package firebreak

import (
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Authority levels, least to most powerful.
const (
	AuthorityAgent      = "agent"
	AuthoritySupervisor = "supervisor"
	AuthorityManager    = "manager"
	AuthorityExecutive  = "executive"
	AuthorityEmergency  = "emergency"
)

var authorityRank = map[string]int{
	AuthorityAgent:      0,
	AuthoritySupervisor: 1,
	AuthorityManager:    2,
	AuthorityExecutive:  3,
	AuthorityEmergency:  4,
}

// AuthorityDominates reports whether have grants at least the power of want.
func AuthorityDominates(have, want string) bool {
	hr, ok := authorityRank[have]
	if !ok {
		return false
	}
	wr, ok := authorityRank[want]
	if !ok {
		return false
	}
	return hr >= wr
}

// Liability levels assigned to the delegator.
const (
	LiabilityNone    = "none"
	LiabilityLimited = "limited"
	LiabilityShared  = "shared"
	LiabilityFull    = "full"
)

// Firebreak trigger names.
const (
	TriggerExcessiveDepth = "excessive_depth"
	TriggerHighValue      = "high_value_delegation"
	TriggerCritical       = "critical_systems_delegation"
	TriggerExternal       = "external_delegation"
)

// Context describes the delegation under evaluation.
type Context struct {
	DelegationDepth         int      `json:"delegation_depth"`
	EstimatedValue          float64  `json:"estimated_value"`
	InvolvesCriticalSystems bool     `json:"involves_critical_systems"`
	IsExternalDelegation    bool     `json:"is_external_delegation"`
	ChainAgents             []string `json:"chain_agents,omitempty"`
}

// Result is the outcome of one firebreak evaluation.
type Result struct {
	FirebreaksPassed        bool      `json:"firebreaks_passed"`
	BlockingFirebreaks      []string  `json:"blocking_firebreaks"`
	LiabilityLevel          string    `json:"liability_level"`
	ChainLength             int       `json:"chain_length"`
	ManualOverrideAvailable bool      `json:"manual_override_available"`
	RequiredAuthority       string    `json:"required_authority"`
	ValidationTimestamp     time.Time `json:"validation_timestamp"`
}

// Config holds the authority thresholds and value limits.
type Config struct {
	SupervisorDepth int
	ManagerDepth    int
	ExecutiveDepth  int
	EmergencyDepth  int

	HighValueLimit float64
	LowValueLimit  float64

	// AllowExternal disables the external-delegation firebreak.
	AllowExternal bool
}

func (c *Config) applyDefaults() {
	if c.SupervisorDepth == 0 {
		c.SupervisorDepth = 3
	}
	if c.ManagerDepth == 0 {
		c.ManagerDepth = 5
	}
	if c.ExecutiveDepth == 0 {
		c.ExecutiveDepth = 7
	}
	if c.EmergencyDepth == 0 {
		c.EmergencyDepth = 10
	}
	if c.HighValueLimit == 0 {
		c.HighValueLimit = 10000
	}
	if c.LowValueLimit == 0 {
		c.LowValueLimit = 100
	}
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Enforcer evaluates firebreak policy.
type Enforcer struct {
	cfg   Config
	clock Clock
}

// NewEnforcer builds an enforcer with defaults applied.
func NewEnforcer(cfg Config) *Enforcer {
	cfg.applyDefaults()
	return &Enforcer{cfg: cfg, clock: wallClock{}}
}

// WithClock overrides the clock for deterministic testing.
func (e *Enforcer) WithClock(c Clock) *Enforcer {
	e.clock = c
	return e
}

// Evaluate applies the firebreak table to ctx. Blocking firebreaks do
// not reject the delegation by themselves; they demand an authority
// override before the contract may proceed.
func (e *Enforcer) Evaluate(fbCtx Context) *Result {
	res := &Result{
		FirebreaksPassed:    true,
		LiabilityLevel:      LiabilityNone,
		ChainLength:         len(fbCtx.ChainAgents),
		RequiredAuthority:   AuthorityAgent,
		ValidationTimestamp: e.clock.Now(),
	}

	// Depth tiers set the baseline liability for a passing chain.
	switch {
	case fbCtx.DelegationDepth >= 4:
		res.LiabilityLevel = LiabilityShared
	case fbCtx.DelegationDepth > 1:
		res.LiabilityLevel = LiabilityLimited
	case fbCtx.DelegationDepth == 1 && fbCtx.EstimatedValue <= e.cfg.LowValueLimit:
		res.LiabilityLevel = LiabilityNone
	}

	raise := func(trigger, authority, liability string) {
		res.FirebreaksPassed = false
		res.BlockingFirebreaks = append(res.BlockingFirebreaks, trigger)
		res.ManualOverrideAvailable = true
		if !AuthorityDominates(res.RequiredAuthority, authority) {
			res.RequiredAuthority = authority
		}
		if liability != "" {
			res.LiabilityLevel = liability
		}
	}

	if fbCtx.DelegationDepth > e.cfg.ExecutiveDepth {
		raise(TriggerExcessiveDepth, AuthorityEmergency, "")
	}
	if fbCtx.EstimatedValue > e.cfg.HighValueLimit {
		raise(TriggerHighValue, AuthorityManager, LiabilityFull)
	}
	if fbCtx.InvolvesCriticalSystems {
		raise(TriggerCritical, AuthorityManager, LiabilityFull)
	}
	if fbCtx.IsExternalDelegation && !e.cfg.AllowExternal {
		raise(TriggerExternal, AuthorityExecutive, LiabilityFull)
	}

	return res
}

// Check evaluates fbCtx and converts a blocked result into a typed error.
func (e *Enforcer) Check(fbCtx Context) (*Result, error) {
	res := e.Evaluate(fbCtx)
	if res.FirebreaksPassed {
		return res, nil
	}
	return res, contracts.ErrFirebreakBlocked(res.BlockingFirebreaks, res.RequiredAuthority)
}
