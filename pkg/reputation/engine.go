// Package reputation maintains multi-dimensional, exponentially smoothed
// reputation records for agents and answers admission-time adequacy checks.
package reputation

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

const shardCount = 32

// Outcome describes one terminal contract transition for an agent.
type Outcome struct {
	Success      bool
	TargetTimeMs int64
	ActualTimeMs int64
}

// Engine owns reputation records. Updates for the same agent are
// serialized through a per-agent shard lock so EMA application order
// is well defined even under concurrent terminal transitions.
type Engine struct {
	mu      sync.RWMutex
	records map[string]*contracts.ReputationRecord

	shards [shardCount]sync.Mutex
	clock  Clock

	// InitialScore seeds every dimension for a first-seen agent.
	initialScore float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithInitialScore overrides the seed value for unseen agents.
func WithInitialScore(s float64) Option {
	return func(e *Engine) { e.initialScore = s }
}

// NewEngine returns an engine with default seed score 0.5.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		records:      make(map[string]*contracts.ReputationRecord),
		clock:        wallClock{},
		initialScore: 0.5,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func shardFor(agentID string) int {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return int(h.Sum32() % shardCount)
}

// ema folds one observation into the previous value with alpha smoothing.
func ema(prev, observation float64) float64 {
	return prev + contracts.ReputationAlpha*(observation-prev)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// update runs fn against the live record for agentID under the engine
// lock, creating a seeded record if the agent has never been observed.
// Callers must hold the agent's shard so updates stay ordered per agent.
func (e *Engine) update(agentID string, fn func(*contracts.ReputationRecord)) *contracts.ReputationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[agentID]
	if !ok {
		r = &contracts.ReputationRecord{
			AgentID:     agentID,
			Reliability: e.initialScore,
			Speed:       e.initialScore,
			Quality:     e.initialScore,
			Security:    e.initialScore,
			UpdatedAt:   e.clock.Now(),
		}
		r.RecomputeAggregate()
		e.records[agentID] = r
	}
	if fn != nil {
		fn(r)
	}
	return snapshot(r)
}

// RecordOutcome applies one terminal-transition observation for agentID.
// Success feeds 1.0 into reliability and quality, failure feeds 0.0.
// Speed observes clamp(target/actual, 0, 1) when both times are known.
func (e *Engine) RecordOutcome(agentID string, out Outcome) *contracts.ReputationRecord {
	shard := &e.shards[shardFor(agentID)]
	shard.Lock()
	defer shard.Unlock()

	return e.update(agentID, func(r *contracts.ReputationRecord) {
		obs := 0.0
		if out.Success {
			obs = 1.0
		}
		r.Reliability = ema(r.Reliability, obs)
		r.Quality = ema(r.Quality, obs)

		if out.TargetTimeMs > 0 && out.ActualTimeMs > 0 {
			speedObs := clamp01(float64(out.TargetTimeMs) / float64(out.ActualTimeMs))
			r.Speed = ema(r.Speed, speedObs)
		}

		if out.Success {
			r.ConsecutiveSuccesses++
			r.ConsecutiveFailures = 0
			r.TotalCompletions++
		} else {
			r.ConsecutiveFailures++
			r.ConsecutiveSuccesses = 0
		}

		r.RecomputeAggregate()
		r.UpdatedAt = e.clock.Now()
	})
}

// RecordSecurityBlock feeds a zero observation into the security dimension
// after a security gate blocked a delegation by this agent.
func (e *Engine) RecordSecurityBlock(agentID string) *contracts.ReputationRecord {
	shard := &e.shards[shardFor(agentID)]
	shard.Lock()
	defer shard.Unlock()

	return e.update(agentID, func(r *contracts.ReputationRecord) {
		r.Security = ema(r.Security, 0.0)
		r.RecomputeAggregate()
		r.UpdatedAt = e.clock.Now()
	})
}

// Get returns a copy of the agent's record, or nil if never observed.
func (e *Engine) Get(agentID string) *contracts.ReputationRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.records[agentID]
	if !ok {
		return nil
	}
	return snapshot(r)
}

// GetOrSeed returns a copy of the agent's record, seeding a fresh one
// when the agent has never been observed.
func (e *Engine) GetOrSeed(agentID string) *contracts.ReputationRecord {
	shard := &e.shards[shardFor(agentID)]
	shard.Lock()
	defer shard.Unlock()
	return e.update(agentID, nil)
}

// MeetsRequirements checks the agent against every non-nil threshold.
// A nil requirements struct admits unconditionally.
func (e *Engine) MeetsRequirements(agentID string, reqs *contracts.ReputationRequirements) error {
	if reqs == nil {
		return nil
	}
	r := e.GetOrSeed(agentID)

	check := func(name string, have float64, want *float64) error {
		if want != nil && have < *want {
			return contracts.ErrReputationInsufficient(agentID,
				fmt.Sprintf("%s %.3f below required %.3f", name, have, *want))
		}
		return nil
	}
	if err := check("aggregate", r.Aggregate, reqs.MinAggregate); err != nil {
		return err
	}
	if err := check("reliability", r.Reliability, reqs.MinReliability); err != nil {
		return err
	}
	if err := check("speed", r.Speed, reqs.MinSpeed); err != nil {
		return err
	}
	if err := check("quality", r.Quality, reqs.MinQuality); err != nil {
		return err
	}
	return check("security", r.Security, reqs.MinSecurity)
}

// All returns copies of every known record.
func (e *Engine) All() []*contracts.ReputationRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*contracts.ReputationRecord, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, snapshot(r))
	}
	return out
}

func snapshot(r *contracts.ReputationRecord) *contracts.ReputationRecord {
	cp := *r
	cp.Specializations = append([]string(nil), r.Specializations...)
	return &cp
}
