// Package capability stores agent capability manifests and matches them
// against task requirements.
package capability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// workloadDamping scales match scores down as an agent approaches its
// concurrency limit.
const workloadDamping = 0.3

// MatchQuery selects and constrains candidate agents.
type MatchQuery struct {
	RequiredCategories   []string
	MinConfidence        float64
	MaxCompletionTimeMs  int64
	RequiredTLPClearance contracts.TLPLevel
	MinSuccessRate       float64
	ExcludeAgents        []string
	OnlyAvailable        bool
	ConsiderWorkload     bool
}

// Match is one ranked candidate.
type Match struct {
	AgentID             string                 `json:"agent_id"`
	AgentName           string                 `json:"agent_name"`
	Score               float64                `json:"score"`
	Rank                int                    `json:"rank"`
	MatchedCapabilities []contracts.Capability `json:"matched_capabilities"`
	TotalCompletions    int                    `json:"total_completions"`
}

// RankOptions tunes RankAgents.
type RankOptions struct {
	ConfidenceWeight float64
	ConsiderWorkload bool
}

// Statistics summarizes the registry contents.
type Statistics struct {
	TotalAgents             int            `json:"total_agents"`
	TotalCapabilities       int            `json:"total_capabilities"`
	AvgCapabilitiesPerAgent float64        `json:"avg_capabilities_per_agent"`
	AvgConfidence           float64        `json:"avg_confidence"`
	AvailableAgents         int            `json:"available_agents"`
	CapabilityDistribution  map[string]int `json:"capability_distribution"`
}

// Registry owns all registered manifests. All access is internally
// synchronized; callers never share the stored manifests directly.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]*contracts.AgentCapabilityManifest

	// attempts counts outcome observations per "agentID/capabilityID",
	// including failures, which the manifest itself does not store.
	attempts map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		manifests: make(map[string]*contracts.AgentCapabilityManifest),
		attempts:  make(map[string]int),
	}
}

func validateManifest(m *contracts.AgentCapabilityManifest) error {
	if m.AgentID == "" {
		return contracts.ErrInvalidRequest("manifest missing agent_id")
	}
	if m.MaxConcurrentTasks <= 0 {
		return contracts.ErrInvalidRequest("agent %s: max_concurrent_tasks must be positive", m.AgentID)
	}
	if m.CurrentWorkload > m.MaxConcurrentTasks {
		return contracts.ErrInvalidRequest("agent %s: current_workload %d exceeds max_concurrent_tasks %d",
			m.AgentID, m.CurrentWorkload, m.MaxConcurrentTasks)
	}
	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return contracts.ErrInvalidRequest("agent %s: version %q is not semver", m.AgentID, m.Version).WithCause(err)
		}
	}
	for _, c := range m.Capabilities {
		if c.CapabilityID == "" {
			return contracts.ErrInvalidRequest("agent %s: capability missing capability_id", m.AgentID)
		}
		if c.ConfidenceLevel < 0 || c.ConfidenceLevel > 1 {
			return contracts.ErrInvalidRequest("agent %s capability %s: confidence_level %f out of [0,1]",
				m.AgentID, c.CapabilityID, c.ConfidenceLevel)
		}
		if c.CompletionTimeEstimateMs < 0 {
			return contracts.ErrInvalidRequest("agent %s capability %s: negative completion time estimate",
				m.AgentID, c.CapabilityID)
		}
		if c.SuccessRate != nil && (*c.SuccessRate < 0 || *c.SuccessRate > 1) {
			return contracts.ErrInvalidRequest("agent %s capability %s: success_rate out of [0,1]",
				m.AgentID, c.CapabilityID)
		}
		if c.SuccessfulCompletions < 0 {
			return contracts.ErrInvalidRequest("agent %s capability %s: negative successful_completions",
				m.AgentID, c.CapabilityID)
		}
		if !c.TLPClearance.Valid() {
			return contracts.ErrInvalidRequest("agent %s capability %s: invalid tlp_clearance %q",
				m.AgentID, c.CapabilityID, c.TLPClearance)
		}
	}
	return nil
}

func cloneManifest(m *contracts.AgentCapabilityManifest) *contracts.AgentCapabilityManifest {
	c := *m
	c.Capabilities = append([]contracts.Capability(nil), m.Capabilities...)
	c.Specializations = append([]string(nil), m.Specializations...)
	c.PreferredTaskTypes = append([]string(nil), m.PreferredTaskTypes...)
	c.AvoidedTaskTypes = append([]string(nil), m.AvoidedTaskTypes...)
	return &c
}

// RegisterManifest stores a new manifest. Duplicate agent IDs are rejected;
// use UpdateManifest to replace an existing one.
func (r *Registry) RegisterManifest(m *contracts.AgentCapabilityManifest) error {
	if err := validateManifest(m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[m.AgentID]; exists {
		return contracts.ErrInvalidRequest("agent %s already registered", m.AgentID)
	}

	stored := cloneManifest(m)
	stored.RecomputeOverallConfidence()
	if stored.Availability == "" {
		stored.Availability = contracts.AvailabilityAvailable
	}
	r.manifests[m.AgentID] = stored
	return nil
}

// UpdateManifest replaces an existing manifest.
func (r *Registry) UpdateManifest(m *contracts.AgentCapabilityManifest) error {
	if err := validateManifest(m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[m.AgentID]; !exists {
		return contracts.ErrNotFound("agent %s not registered", m.AgentID)
	}
	stored := cloneManifest(m)
	stored.RecomputeOverallConfidence()
	r.manifests[m.AgentID] = stored
	return nil
}

// GetManifest returns a copy of the stored manifest.
func (r *Registry) GetManifest(agentID string) (*contracts.AgentCapabilityManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[agentID]
	if !ok {
		return nil, contracts.ErrNotFound("agent %s not registered", agentID)
	}
	return cloneManifest(m), nil
}

// UnregisterManifest removes the agent from the registry.
func (r *Registry) UnregisterManifest(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.manifests[agentID]; !ok {
		return contracts.ErrNotFound("agent %s not registered", agentID)
	}
	delete(r.manifests, agentID)
	return nil
}

// capabilityMatches reports whether a capability satisfies one required
// category, matching on capability ID or tags.
func capabilityMatches(c contracts.Capability, category string) bool {
	if strings.EqualFold(c.CapabilityID, category) {
		return true
	}
	for _, tag := range c.Tags {
		if strings.EqualFold(tag, category) {
			return true
		}
	}
	return false
}

// scoreAgent computes the match score for one candidate, or (0,nil) when the
// agent matches no required category.
func scoreAgent(m *contracts.AgentCapabilityManifest, q MatchQuery) (float64, []contracts.Capability) {
	if len(q.RequiredCategories) == 0 {
		return 0, nil
	}

	matched := make([]contracts.Capability, 0, len(q.RequiredCategories))
	seen := make(map[string]bool)
	for _, category := range q.RequiredCategories {
		for _, c := range m.Capabilities {
			if seen[c.CapabilityID] || !capabilityMatches(c, category) {
				continue
			}
			if q.MaxCompletionTimeMs > 0 && c.CompletionTimeEstimateMs > q.MaxCompletionTimeMs {
				continue
			}
			if q.MinSuccessRate > 0 && (c.SuccessRate == nil || *c.SuccessRate < q.MinSuccessRate) {
				continue
			}
			seen[c.CapabilityID] = true
			matched = append(matched, c)
			break
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}

	var confidenceSum float64
	for _, c := range matched {
		confidenceSum += c.ConfidenceLevel
	}
	score := (confidenceSum / float64(len(matched))) *
		(float64(len(matched)) / float64(len(q.RequiredCategories)))

	if q.ConsiderWorkload && m.MaxConcurrentTasks > 0 {
		factor := 1 - workloadDamping*float64(m.CurrentWorkload)/float64(m.MaxConcurrentTasks)
		if factor < 0 {
			factor = 0
		}
		score *= factor
	}
	return score, matched
}

// MatchAgents returns ranked candidates for the query. Agents whose maximum
// clearance does not dominate RequiredTLPClearance are excluded, not
// penalized. Returns an empty slice when no candidate meets MinConfidence.
func (r *Registry) MatchAgents(q MatchQuery) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	excluded := make(map[string]bool, len(q.ExcludeAgents))
	for _, id := range q.ExcludeAgents {
		excluded[id] = true
	}

	matches := make([]Match, 0)
	for _, m := range r.manifests {
		if excluded[m.AgentID] {
			continue
		}
		if q.OnlyAvailable && m.Availability != contracts.AvailabilityAvailable {
			continue
		}
		if q.RequiredTLPClearance != "" && !m.MaxClearance().Dominates(q.RequiredTLPClearance) {
			continue
		}

		score, matched := scoreAgent(m, q)
		if len(matched) == 0 || score < q.MinConfidence {
			continue
		}
		matches = append(matches, Match{
			AgentID:             m.AgentID,
			AgentName:           m.AgentName,
			Score:               score,
			MatchedCapabilities: matched,
			TotalCompletions:    m.TotalCompletions,
		})
	}

	rankMatches(matches)
	return matches
}

// rankMatches sorts by score descending with deterministic tie-breaks
// (completions descending, then agent ID ascending) and assigns 1-based ranks.
func rankMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].TotalCompletions != matches[j].TotalCompletions {
			return matches[i].TotalCompletions > matches[j].TotalCompletions
		}
		return matches[i].AgentID < matches[j].AgentID
	})
	for i := range matches {
		matches[i].Rank = i + 1
	}
}

// RankAgents ranks agents for a plain capability list.
func (r *Registry) RankAgents(requiredCaps []string, opts RankOptions) []Match {
	q := MatchQuery{
		RequiredCategories: requiredCaps,
		ConsiderWorkload:   opts.ConsiderWorkload,
	}
	matches := r.MatchAgents(q)
	if opts.ConfidenceWeight > 0 && opts.ConfidenceWeight != 1 {
		for i := range matches {
			matches[i].Score *= opts.ConfidenceWeight
		}
		rankMatches(matches)
	}
	return matches
}

// CapabilityEntry pairs a capability with its owning agent for flat queries.
type CapabilityEntry struct {
	AgentID    string               `json:"agent_id"`
	AgentName  string               `json:"agent_name"`
	Capability contracts.Capability `json:"capability"`
}

// QueryCapabilities enumerates every capability across all agents, ordered by
// (agent_id, capability_id).
func (r *Registry) QueryCapabilities() []CapabilityEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]CapabilityEntry, 0)
	for _, m := range r.manifests {
		for _, c := range m.Capabilities {
			entries = append(entries, CapabilityEntry{
				AgentID:    m.AgentID,
				AgentName:  m.AgentName,
				Capability: c,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AgentID != entries[j].AgentID {
			return entries[i].AgentID < entries[j].AgentID
		}
		return entries[i].Capability.CapabilityID < entries[j].Capability.CapabilityID
	})
	return entries
}

// IncrementWorkload bumps the agent's active contract count. Admission must
// keep current_workload within max_concurrent_tasks.
func (r *Registry) IncrementWorkload(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[agentID]
	if !ok {
		return contracts.ErrNotFound("agent %s not registered", agentID)
	}
	if m.CurrentWorkload >= m.MaxConcurrentTasks {
		return contracts.ErrInvalidRequest("agent %s at max concurrent tasks (%d)", agentID, m.MaxConcurrentTasks)
	}
	m.CurrentWorkload++
	return nil
}

// DecrementWorkload releases one active contract slot.
func (r *Registry) DecrementWorkload(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[agentID]
	if !ok {
		return contracts.ErrNotFound("agent %s not registered", agentID)
	}
	if m.CurrentWorkload > 0 {
		m.CurrentWorkload--
	}
	return nil
}

// UpdateAvailability sets the agent's availability state.
func (r *Registry) UpdateAvailability(agentID string, availability contracts.Availability) error {
	switch availability {
	case contracts.AvailabilityAvailable, contracts.AvailabilityBusy,
		contracts.AvailabilityOffline, contracts.AvailabilityMaintenance:
	default:
		return contracts.ErrInvalidRequest("invalid availability %q", availability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[agentID]
	if !ok {
		return contracts.ErrNotFound("agent %s not registered", agentID)
	}
	m.Availability = availability
	return nil
}

// RecordOutcome folds a completed contract back into the manifest counters.
func (r *Registry) RecordOutcome(agentID, capabilityID string, success bool, completionTime time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[agentID]
	if !ok {
		return contracts.ErrNotFound("agent %s not registered", agentID)
	}

	m.TotalCompletions++
	total := int64(m.TotalCompletions)
	m.AvgCompletionTimeMs = ((total-1)*m.AvgCompletionTimeMs + completionTime.Milliseconds()) / total

	for i := range m.Capabilities {
		c := &m.Capabilities[i]
		if c.CapabilityID != capabilityID {
			continue
		}
		if success {
			c.SuccessfulCompletions++
		}
		key := agentID + "/" + capabilityID
		r.attempts[key]++
		rate := float64(c.SuccessfulCompletions) / float64(r.attempts[key])
		c.SuccessRate = &rate
		c.LastUpdated = time.Now().UTC()
		break
	}
	return nil
}

// AgentOutcomeStats reports the agent's overall success rate and
// completion count across all capabilities.
func (r *Registry) AgentOutcomeStats(agentID string) (successRate float64, completions int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, found := r.manifests[agentID]
	if !found {
		return 0, 0, false
	}

	var successes, attempts int
	for _, c := range m.Capabilities {
		successes += c.SuccessfulCompletions
		attempts += r.attempts[agentID+"/"+c.CapabilityID]
	}
	if attempts == 0 {
		return 0, m.TotalCompletions, true
	}
	return float64(successes) / float64(attempts), m.TotalCompletions, true
}

// Stats computes registry-wide statistics.
func (r *Registry) Stats() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Statistics{CapabilityDistribution: make(map[string]int)}
	var confidenceSum float64
	var capCount int

	for _, m := range r.manifests {
		s.TotalAgents++
		if m.Availability == contracts.AvailabilityAvailable {
			s.AvailableAgents++
		}
		for _, c := range m.Capabilities {
			capCount++
			confidenceSum += c.ConfidenceLevel
			if len(c.Tags) == 0 {
				s.CapabilityDistribution[c.CapabilityID]++
			}
			for _, tag := range c.Tags {
				s.CapabilityDistribution[tag]++
			}
		}
	}

	s.TotalCapabilities = capCount
	if s.TotalAgents > 0 {
		s.AvgCapabilitiesPerAgent = float64(capCount) / float64(s.TotalAgents)
	}
	if capCount > 0 {
		s.AvgConfidence = confidenceSum / float64(capCount)
	}
	return s
}
