// Package chain reconstructs and analyzes delegation lineage: the path
// from a contract up to its root delegator, loop detection over the
// agents on that path, and depth bounds.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// ContractSource resolves contracts by ID. The contract manager's store
// satisfies this.
type ContractSource interface {
	GetContract(ctx context.Context, contractID string) (*contracts.DelegationContract, error)
}

// Analysis is the result of analyzing one delegation chain.
type Analysis struct {
	Depth              int        `json:"depth"`
	ContractIDs        []string   `json:"contract_ids"`
	Agents             []string   `json:"agents"`
	HasLoops           bool       `json:"has_loops"`
	Loops              [][]string `json:"loops,omitempty"`
	FirebreakContracts []string   `json:"firebreak_contracts,omitempty"`
	Valid              bool       `json:"valid"`
	Errors             []string   `json:"errors,omitempty"`
}

// Tracker walks parent links and caches recent analyses.
type Tracker struct {
	source        ContractSource
	maxChainDepth int
	analyses      *cache.Cache
}

// NewTracker builds a tracker over source. maxChainDepth <= 0 takes the
// default of 5. Analyses are cached briefly; chains are append-only
// upward so a short TTL only delays loop visibility on the same key.
func NewTracker(source ContractSource, maxChainDepth int) *Tracker {
	if maxChainDepth <= 0 {
		maxChainDepth = 5
	}
	return &Tracker{
		source:        source,
		maxChainDepth: maxChainDepth,
		analyses:      cache.New(30*time.Second, time.Minute),
	}
}

// MaxChainDepth returns the configured depth bound.
func (t *Tracker) MaxChainDepth() int { return t.maxChainDepth }

// BuildChain walks parent_contract_id upward from contractID and returns
// the chain ordered root first.
func (t *Tracker) BuildChain(ctx context.Context, contractID string) ([]*contracts.DelegationContract, error) {
	var chain []*contracts.DelegationContract
	seen := make(map[string]bool)

	id := contractID
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("parent cycle at contract %s", id)
		}
		seen[id] = true

		c, err := t.source.GetContract(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("walking chain at %s: %w", id, err)
		}
		chain = append(chain, c)
		id = c.ParentContractID

		// Structural guard against corrupted parent links.
		if len(chain) > t.maxChainDepth*4 {
			return nil, fmt.Errorf("chain exceeds structural limit walking from %s", contractID)
		}
	}

	// Reverse so the root delegation comes first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// AnalyzeChain builds the chain for contractID and reports depth, loops,
// firebreak-bearing contracts, and validity against the depth bound.
func (t *Tracker) AnalyzeChain(ctx context.Context, contractID string) (*Analysis, error) {
	if v, ok := t.analyses.Get(contractID); ok {
		return v.(*Analysis), nil
	}

	chain, err := t.BuildChain(ctx, contractID)
	if err != nil {
		return nil, err
	}

	a := t.analyze(chain, "")
	t.analyses.Set(contractID, a, cache.DefaultExpiration)
	return a, nil
}

// AnalyzeCandidate analyzes the chain that would result from delegating
// to candidateDelegatee under parentContractID. Admission uses this
// before any child contract exists.
func (t *Tracker) AnalyzeCandidate(ctx context.Context, parentContractID, candidateDelegatee string) (*Analysis, error) {
	var chain []*contracts.DelegationContract
	if parentContractID != "" {
		var err error
		chain, err = t.BuildChain(ctx, parentContractID)
		if err != nil {
			return nil, err
		}
	}
	return t.analyze(chain, candidateDelegatee), nil
}

// analyze inspects a root-first chain plus an optional candidate
// delegatee appended at the end.
func (t *Tracker) analyze(chain []*contracts.DelegationContract, candidateDelegatee string) *Analysis {
	a := &Analysis{Valid: true}

	// The agent sequence starts at the root delegator, then every
	// delegatee down the chain, then the candidate under test.
	var agents []string
	for i, c := range chain {
		if i == 0 {
			agents = append(agents, c.Delegator.AgentID)
		}
		a.ContractIDs = append(a.ContractIDs, c.ContractID)
		agents = append(agents, c.Delegatee.AgentID)
		if c.Firebreak != nil {
			a.FirebreakContracts = append(a.FirebreakContracts, c.ContractID)
		}
	}
	if candidateDelegatee != "" {
		agents = append(agents, candidateDelegatee)
	}
	a.Agents = agents

	// Depth counts delegation edges, not agents.
	a.Depth = len(chain)
	if candidateDelegatee != "" {
		a.Depth++
	}

	if loop := findLoop(agents); loop != nil {
		a.HasLoops = true
		a.Loops = append(a.Loops, loop)
		a.Valid = false
		a.Errors = append(a.Errors, fmt.Sprintf("delegation loop: %v", loop))
	}

	if a.Depth > t.maxChainDepth {
		a.Valid = false
		a.Errors = append(a.Errors,
			fmt.Sprintf("chain depth %d exceeds max chain depth %d", a.Depth, t.maxChainDepth))
	}
	return a
}

// findLoop returns the subsequence from the first repeated agent's first
// occurrence through its repeat, or nil when all agents are distinct.
func findLoop(agents []string) []string {
	first := make(map[string]int)
	for i, agent := range agents {
		if agent == "" {
			continue
		}
		if j, ok := first[agent]; ok {
			return append([]string(nil), agents[j:i+1]...)
		}
		first[agent] = i
	}
	return nil
}

// CheckCandidate is the admission-facing form: it converts an invalid
// candidate analysis into a typed error.
func (t *Tracker) CheckCandidate(ctx context.Context, parentContractID, candidateDelegatee string) (*Analysis, error) {
	a, err := t.AnalyzeCandidate(ctx, parentContractID, candidateDelegatee)
	if err != nil {
		return nil, err
	}
	if a.HasLoops {
		return a, contracts.ErrLoopDetected(a.Loops[0])
	}
	if a.Depth > t.maxChainDepth {
		return a, contracts.ErrMaxDepthExceeded(a.Depth, t.maxChainDepth)
	}
	return a, nil
}
