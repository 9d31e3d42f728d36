package contracts

import "time"

// Availability describes whether an agent can currently accept work.
type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityBusy        Availability = "busy"
	AvailabilityOffline     Availability = "offline"
	AvailabilityMaintenance Availability = "maintenance"
)

// ResourceRequirements declares the resources a capability (or contract) needs.
type ResourceRequirements struct {
	MemoryMB     int      `json:"memory_mb,omitempty"`
	CPUCores     float64  `json:"cpu_cores,omitempty"`
	NetworkMbps  float64  `json:"network_mbps,omitempty"`
	DiskMB       int      `json:"disk_mb,omitempty"`
	EnvVars      []string `json:"env_vars,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Capability is one entry of an agent's self-declared capability catalog.
type Capability struct {
	CapabilityID             string               `json:"capability_id"`
	Name                     string               `json:"name"`
	Description              string               `json:"description,omitempty"`
	ConfidenceLevel          float64              `json:"confidence_level"`
	CompletionTimeEstimateMs int64                `json:"completion_time_estimate_ms"`
	SuccessRate              *float64             `json:"success_rate,omitempty"`
	SuccessfulCompletions    int                  `json:"successful_completions,omitempty"`
	ResourceRequirements     ResourceRequirements `json:"resource_requirements,omitempty"`
	SupportedPatterns        []string             `json:"supported_patterns,omitempty"`
	Limitations              []string             `json:"limitations,omitempty"`
	TLPClearance             TLPLevel             `json:"tlp_clearance"`
	Tags                     []string             `json:"tags,omitempty"`
	LastUpdated              time.Time            `json:"last_updated"`
}

// AgentCapabilityManifest describes everything an agent claims to be able to do.
type AgentCapabilityManifest struct {
	AgentID             string       `json:"agent_id"`
	AgentName           string       `json:"agent_name"`
	Version             string       `json:"version"`
	Capabilities        []Capability `json:"capabilities"`
	OverallConfidence   float64      `json:"overall_confidence"`
	Availability        Availability `json:"availability"`
	CurrentWorkload     int          `json:"current_workload"`
	MaxConcurrentTasks  int          `json:"max_concurrent_tasks"`
	Specializations     []string     `json:"specializations,omitempty"`
	PreferredTaskTypes  []string     `json:"preferred_task_types,omitempty"`
	AvoidedTaskTypes    []string     `json:"avoided_task_types,omitempty"`
	ReputationScore     float64      `json:"reputation_score"`
	TotalCompletions    int          `json:"total_completions"`
	AvgCompletionTimeMs int64        `json:"avg_completion_time_ms"`
}

// RecomputeOverallConfidence sets OverallConfidence to the arithmetic mean
// over the manifest's capabilities. Empty manifests get 0.
func (m *AgentCapabilityManifest) RecomputeOverallConfidence() {
	if len(m.Capabilities) == 0 {
		m.OverallConfidence = 0
		return
	}
	var sum float64
	for _, c := range m.Capabilities {
		sum += c.ConfidenceLevel
	}
	m.OverallConfidence = sum / float64(len(m.Capabilities))
}

// MaxClearance returns the most restrictive clearance the agent holds on any
// capability. Agents with no capabilities have CLEAR.
func (m *AgentCapabilityManifest) MaxClearance() TLPLevel {
	max := TLPClear
	for _, c := range m.Capabilities {
		if c.TLPClearance.Rank() > max.Rank() {
			max = c.TLPClearance
		}
	}
	return max
}

// HasCapability reports whether the manifest declares the given capability ID.
func (m *AgentCapabilityManifest) HasCapability(capabilityID string) bool {
	for _, c := range m.Capabilities {
		if c.CapabilityID == capabilityID {
			return true
		}
	}
	return false
}
