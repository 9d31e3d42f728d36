package contracts

import "time"

// Reputation dimension weights. The aggregate score is the weighted sum.
const (
	WeightReliability = 0.40
	WeightSpeed       = 0.20
	WeightQuality     = 0.30
	WeightSecurity    = 0.10
)

// ReputationAlpha is the EMA smoothing factor applied per observation.
const ReputationAlpha = 0.3

// ReputationRecord is the time-evolving multi-dimensional score for one agent.
// Every dimension stays in [0,1]; Aggregate is recomputed whenever any
// dimension changes.
type ReputationRecord struct {
	AgentID string `json:"agent_id"`

	Reliability float64 `json:"reliability"`
	Speed       float64 `json:"speed"`
	Quality     float64 `json:"quality"`
	Security    float64 `json:"security"`
	Aggregate   float64 `json:"aggregate"`

	ConsecutiveSuccesses int `json:"consecutive_successes"`
	ConsecutiveFailures  int `json:"consecutive_failures"`
	TotalCompletions     int `json:"total_completions"`

	Specializations []string  `json:"specializations,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RecomputeAggregate refreshes the weighted aggregate from the dimensions.
func (r *ReputationRecord) RecomputeAggregate() {
	r.Aggregate = WeightReliability*r.Reliability +
		WeightSpeed*r.Speed +
		WeightQuality*r.Quality +
		WeightSecurity*r.Security
}
