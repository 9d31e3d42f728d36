// Package security runs pre-admission heuristic threat detection over
// delegation requests. Four detectors run on every request; the worst
// severity finding decides the action.
package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Threat severities, least to most serious.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Threat types emitted by the detectors.
const (
	ThreatPermissionEscalation = "permission_escalation"
	ThreatReputationGaming     = "reputation_gaming"
	ThreatAbusePattern         = "abuse_pattern"
	ThreatAnomaly              = "anomaly"
)

// Actions a validation can resolve to.
const (
	ActionAllow     = "allow"
	ActionAllowWarn = "allow_with_warning"
	ActionBlock     = "block"
)

// actionFor maps a worst severity to a resolution.
func actionFor(severity string) string {
	switch severity {
	case SeverityHigh, SeverityCritical:
		return ActionBlock
	case SeverityLow, SeverityMedium:
		return ActionAllowWarn
	default:
		return ActionAllow
	}
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Threat is one detector finding.
type Threat struct {
	Type        string    `json:"threat_type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Indicators  []string  `json:"indicators,omitempty"`
	AgentID     string    `json:"agent_id"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Result is the outcome of validating one request.
type Result struct {
	Allowed       bool     `json:"allowed"`
	Action        string   `json:"action"`
	WorstSeverity string   `json:"worst_severity,omitempty"`
	Threats       []Threat `json:"threats,omitempty"`
}

// AgentStats supplies outcome statistics for the gaming detector.
// A nil source disables the perfect-success-rate check.
type AgentStats interface {
	AgentOutcomeStats(agentID string) (successRate float64, completions int, ok bool)
}

// RateStore answers whether one more delegation by a delegator fits
// under the hourly cap. Used when rate limiting must be shared across
// processes; the in-process limiter is the default.
type RateStore interface {
	Allow(ctx context.Context, delegatorID string, perHour int) (bool, error)
}

// Config tunes the detectors. Zero values take the defaults below.
type Config struct {
	MaxChainDepth       int
	MaxActions          int
	GamingWindow        time.Duration
	GamingPairThreshold int
	MinHonestSample     int

	MemoryCapMB int
	CPUCapCores float64
	DiskCapMB   int

	MaxContractsPerHour int

	AnomalyBaselineN  int
	AnomalyMultiplier float64

	RecentThreatsSize int
}

func (c *Config) applyDefaults() {
	if c.MaxChainDepth == 0 {
		c.MaxChainDepth = 5
	}
	if c.MaxActions == 0 {
		c.MaxActions = 5
	}
	if c.GamingWindow == 0 {
		c.GamingWindow = 24 * time.Hour
	}
	if c.GamingPairThreshold == 0 {
		c.GamingPairThreshold = 4
	}
	if c.MinHonestSample == 0 {
		c.MinHonestSample = 10
	}
	if c.MemoryCapMB == 0 {
		c.MemoryCapMB = 8192
	}
	if c.CPUCapCores == 0 {
		c.CPUCapCores = 8
	}
	if c.DiskCapMB == 0 {
		c.DiskCapMB = 100000
	}
	if c.MaxContractsPerHour == 0 {
		c.MaxContractsPerHour = 100
	}
	if c.AnomalyBaselineN == 0 {
		c.AnomalyBaselineN = 20
	}
	if c.AnomalyMultiplier == 0 {
		c.AnomalyMultiplier = 10
	}
	if c.RecentThreatsSize == 0 {
		c.RecentThreatsSize = 50
	}
}

type baselineSample struct {
	tlpRank    int
	durationMs int64
}

// Validator runs the four detectors.
type Validator struct {
	cfg    Config
	clock  Clock
	logger *slog.Logger

	stats     AgentStats
	rateStore RateStore

	// pairWindows counts A->B delegations inside the gaming window.
	pairWindows *cache.Cache

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	baselines map[string][]baselineSample

	statsMu        sync.Mutex
	totalValidated int
	threatsFound   int
	byType         map[string]int
	bySeverity     map[string]int
	byAction       map[string]int
	recent         []Threat
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(v *Validator) { v.clock = c }
}

// WithAgentStats wires the outcome-statistics source for gaming detection.
func WithAgentStats(s AgentStats) Option {
	return func(v *Validator) { v.stats = s }
}

// WithRateStore replaces the in-process hourly limiter with a shared store.
func WithRateStore(s RateStore) Option {
	return func(v *Validator) { v.rateStore = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// NewValidator builds a validator with the given configuration.
func NewValidator(cfg Config, opts ...Option) *Validator {
	cfg.applyDefaults()
	v := &Validator{
		cfg:         cfg,
		clock:       wallClock{},
		logger:      slog.Default(),
		pairWindows: cache.New(cfg.GamingWindow, cfg.GamingWindow/2),
		limiters:    make(map[string]*rate.Limiter),
		baselines:   make(map[string][]baselineSample),
		byType:      make(map[string]int),
		bySeverity:  make(map[string]int),
		byAction:    make(map[string]int),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate runs all detectors against req. parent is the contract the
// request delegates under, nil for a root delegation. The returned error
// is non-nil exactly when the request is blocked.
func (v *Validator) Validate(ctx context.Context, req *contracts.DelegationRequest, parent *contracts.DelegationContract) (*Result, error) {
	now := v.clock.Now()

	var threats []Threat
	threats = append(threats, v.detectEscalation(req, parent, now)...)
	threats = append(threats, v.detectGaming(req, now)...)

	abuse, err := v.detectAbuse(ctx, req, now)
	if err != nil {
		return nil, err
	}
	threats = append(threats, abuse...)
	threats = append(threats, v.detectAnomaly(req, now)...)

	v.recordBaseline(req)

	worst := ""
	for _, t := range threats {
		if severityRank[t.Severity] > severityRank[worst] {
			worst = t.Severity
		}
	}
	action := actionFor(worst)
	res := &Result{
		Allowed:       action != ActionBlock,
		Action:        action,
		WorstSeverity: worst,
		Threats:       threats,
	}

	v.recordStats(res)

	if !res.Allowed {
		t := threats[0]
		for _, candidate := range threats {
			if severityRank[candidate.Severity] > severityRank[t.Severity] {
				t = candidate
			}
		}
		v.logger.Warn("delegation blocked by security validator",
			"delegator", req.Delegator.AgentID,
			"threat_type", t.Type,
			"severity", t.Severity)
		return res, contracts.ErrSecurityThreat(t.Type, t.Severity, t.Description)
	}
	if len(threats) > 0 {
		v.logger.Warn("delegation allowed with warnings",
			"delegator", req.Delegator.AgentID,
			"threats", len(threats))
	}
	return res, nil
}

func (v *Validator) recordStats(res *Result) {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	v.totalValidated++
	v.byAction[res.Action]++
	for _, t := range res.Threats {
		v.threatsFound++
		v.byType[t.Type]++
		v.bySeverity[t.Severity]++
		v.recent = append(v.recent, t)
		if len(v.recent) > v.cfg.RecentThreatsSize {
			v.recent = v.recent[1:]
		}
	}
}

// Statistics is a snapshot of validator counters.
type Statistics struct {
	TotalValidations int            `json:"total_validations"`
	ThreatsDetected  int            `json:"threats_detected"`
	ThreatTypes      map[string]int `json:"threat_types"`
	Severities       map[string]int `json:"severities"`
	Actions          map[string]int `json:"actions"`
	RecentThreats    []Threat       `json:"recent_threats"`
}

// Stats returns a copy of the current counters.
func (v *Validator) Stats() Statistics {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	s := Statistics{
		TotalValidations: v.totalValidated,
		ThreatsDetected:  v.threatsFound,
		ThreatTypes:      make(map[string]int, len(v.byType)),
		Severities:       make(map[string]int, len(v.bySeverity)),
		Actions:          make(map[string]int, len(v.byAction)),
		RecentThreats:    append([]Threat(nil), v.recent...),
	}
	for k, n := range v.byType {
		s.ThreatTypes[k] = n
	}
	for k, n := range v.bySeverity {
		s.Severities[k] = n
	}
	for k, n := range v.byAction {
		s.Actions[k] = n
	}
	return s
}
