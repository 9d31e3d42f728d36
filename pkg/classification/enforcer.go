// Package classification enforces TLP clearance dominance at admission time.
// A contract is admitted only when the delegatee's registered clearance
// dominates the contract's classification.
package classification

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Clock provides time to the enforcer. Inject a fixed clock in tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Decision is one allow/block verdict appended to the decision log.
type Decision struct {
	DecisionID string             `json:"decision_id"`
	AgentID    string             `json:"agent_id"`
	TLPLevel   contracts.TLPLevel `json:"tlp_level"`
	// AgentClearance is the clearance the agent held at decision time,
	// or "" when the agent had none registered.
	AgentClearance contracts.TLPLevel `json:"agent_clearance,omitempty"`
	Allowed        bool               `json:"allowed"`
	Reason         string             `json:"reason"`
	ContractID     string             `json:"contract_id,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// QueryFilter selects decisions from the log.
type QueryFilter struct {
	AgentID  string
	TLPLevel contracts.TLPLevel
	// Decision filters on verdict: "allow", "block", or "" for both.
	Decision string
	Limit    int
}

// Enforcer holds per-agent clearances and the append-only decision log.
type Enforcer struct {
	mu         sync.RWMutex
	clearances map[string]contracts.TLPLevel
	decisions  []Decision
	clock      Clock
}

// NewEnforcer creates an enforcer with no registered clearances.
func NewEnforcer(clock ...Clock) *Enforcer {
	var c Clock = wallClock{}
	if len(clock) > 0 && clock[0] != nil {
		c = clock[0]
	}
	return &Enforcer{
		clearances: make(map[string]contracts.TLPLevel),
		clock:      c,
	}
}

// SetClearance registers or updates an agent's clearance.
func (e *Enforcer) SetClearance(agentID string, level contracts.TLPLevel) error {
	if !level.Valid() {
		return contracts.ErrInvalidRequest("invalid TLP level %q", level)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearances[agentID] = level
	return nil
}

// Clearance returns the agent's registered clearance, if any.
func (e *Enforcer) Clearance(agentID string) (contracts.TLPLevel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	level, ok := e.clearances[agentID]
	return level, ok
}

// RemoveClearance drops an agent's clearance registration.
func (e *Enforcer) RemoveClearance(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clearances, agentID)
}

// Check verifies that agentID may take work classified at level. Every
// decision, allow or block, is appended to the decision log. On block the
// returned error is a typed ClearanceInsufficient error.
func (e *Enforcer) Check(agentID string, level contracts.TLPLevel, contractID string) error {
	if !level.Valid() {
		return contracts.ErrInvalidRequest("invalid TLP classification %q", level)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	clearance, registered := e.clearances[agentID]

	d := Decision{
		DecisionID: uuid.New().String(),
		AgentID:    agentID,
		TLPLevel:   level,
		ContractID: contractID,
		Timestamp:  e.clock.Now().UTC(),
	}
	if registered {
		d.AgentClearance = clearance
	}

	switch {
	case registered && clearance.Dominates(level):
		d.Allowed = true
		d.Reason = "clearance dominates classification"
	case !registered && level == contracts.TLPClear:
		// No clearance on file still admits CLEAR work.
		d.Allowed = true
		d.Reason = "no clearance required for CLEAR"
	case !registered:
		d.Allowed = false
		d.Reason = "agent has no registered clearance"
	default:
		d.Allowed = false
		d.Reason = "clearance does not dominate classification"
	}

	e.decisions = append(e.decisions, d)

	if !d.Allowed {
		have := clearance
		if !registered {
			have = "" // reported as empty clearance
		}
		return contracts.ErrClearanceInsufficient(agentID, have, level)
	}
	return nil
}

// Decisions returns log entries matching the filter, oldest first.
func (e *Enforcer) Decisions(filter QueryFilter) []Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Decision, 0)
	for _, d := range e.decisions {
		if filter.AgentID != "" && d.AgentID != filter.AgentID {
			continue
		}
		if filter.TLPLevel != "" && d.TLPLevel != filter.TLPLevel {
			continue
		}
		if filter.Decision == "allow" && !d.Allowed {
			continue
		}
		if filter.Decision == "block" && d.Allowed {
			continue
		}
		out = append(out, d)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}
