package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// privilegedKeywords mark scope or action names that grant elevated control.
var privilegedKeywords = []string{"admin", "root", "execute", "delete", "manage", "modify_system"}

func containsPrivileged(s string) (string, bool) {
	lower := strings.ToLower(s)
	for _, kw := range privilegedKeywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

// detectEscalation flags permission-escalation attempts. Severity grows
// with the number of sub-conditions that fire; three or more is critical.
func (v *Validator) detectEscalation(req *contracts.DelegationRequest, parent *contracts.DelegationContract, now time.Time) []Threat {
	var indicators []string

	if tok := req.PermissionToken; tok != nil {
		seen := map[string]bool{}
		for _, s := range append(append([]string{}, tok.Scopes...), tok.Actions...) {
			if kw, ok := containsPrivileged(s); ok && !seen[kw] {
				seen[kw] = true
				indicators = append(indicators, fmt.Sprintf("privileged keyword %q in %q", kw, s))
			}
		}
		if len(tok.Actions) > v.cfg.MaxActions {
			indicators = append(indicators, fmt.Sprintf("action count %d exceeds %d", len(tok.Actions), v.cfg.MaxActions))
		}
	}

	depth := 0
	if req.PermissionToken != nil && req.PermissionToken.DelegationDepth > 0 {
		depth = req.PermissionToken.DelegationDepth
	} else if parent != nil {
		depth = parent.DelegationDepth + 1
	}
	if depth > v.cfg.MaxChainDepth {
		indicators = append(indicators, fmt.Sprintf("declared depth %d exceeds max chain depth %d", depth, v.cfg.MaxChainDepth))
	}

	if parent != nil && req.TLPClassification.Valid() &&
		req.TLPClassification.Rank() > parent.TLPClassification.Rank() {
		if _, ok := req.Metadata["justification"]; !ok {
			indicators = append(indicators, fmt.Sprintf("TLP escalation %s -> %s without justification",
				parent.TLPClassification, req.TLPClassification))
		}
	}

	if len(indicators) == 0 {
		return nil
	}
	severity := SeverityMedium
	switch {
	case len(indicators) >= 3:
		severity = SeverityCritical
	case len(indicators) == 2:
		severity = SeverityHigh
	}
	return []Threat{{
		Type:        ThreatPermissionEscalation,
		Severity:    severity,
		Description: fmt.Sprintf("permission escalation indicators: %s", strings.Join(indicators, "; ")),
		Indicators:  indicators,
		AgentID:     req.Delegator.AgentID,
		DetectedAt:  now,
	}}
}

// pairKey is direction-insensitive so mutual A<->B traffic shares a counter.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// detectGaming flags mutual delegation loops inside the sliding window
// and suspiciously perfect track records on thin samples.
func (v *Validator) detectGaming(req *contracts.DelegationRequest, now time.Time) []Threat {
	var threats []Threat

	delegator := req.Delegator.AgentID
	delegatee := req.Delegatee.AgentID

	if delegator != "" && delegatee != "" {
		key := pairKey(delegator, delegatee)
		count, err := v.pairWindows.IncrementInt(key, 1)
		if err != nil {
			count = 1
			v.pairWindows.Set(key, count, cache.DefaultExpiration)
		}
		if count > v.cfg.GamingPairThreshold {
			threats = append(threats, Threat{
				Type:     ThreatReputationGaming,
				Severity: SeverityMedium,
				Description: fmt.Sprintf("%d delegations between %s and %s inside %s window",
					count, delegator, delegatee, v.cfg.GamingWindow),
				AgentID:    delegator,
				DetectedAt: now,
			})
		}
	}

	if v.stats != nil && delegatee != "" {
		if successRate, completions, ok := v.stats.AgentOutcomeStats(delegatee); ok {
			if successRate == 1.0 && completions > 0 && completions < v.cfg.MinHonestSample {
				threats = append(threats, Threat{
					Type:     ThreatReputationGaming,
					Severity: SeverityMedium,
					Description: fmt.Sprintf("agent %s has perfect success rate over only %d completions",
						delegatee, completions),
					AgentID:    delegatee,
					DetectedAt: now,
				})
			}
		}
	}
	return threats
}

// detectAbuse flags resource requests above the configured caps and
// delegators exceeding the hourly contract rate.
func (v *Validator) detectAbuse(ctx context.Context, req *contracts.DelegationRequest, now time.Time) ([]Threat, error) {
	var indicators []string

	if rr := req.ResourceRequirements; rr != nil {
		if rr.MemoryMB > v.cfg.MemoryCapMB {
			indicators = append(indicators, fmt.Sprintf("memory_mb %d exceeds cap %d", rr.MemoryMB, v.cfg.MemoryCapMB))
		}
		if rr.CPUCores > v.cfg.CPUCapCores {
			indicators = append(indicators, fmt.Sprintf("cpu_cores %.1f exceeds cap %.1f", rr.CPUCores, v.cfg.CPUCapCores))
		}
		if rr.DiskMB > v.cfg.DiskCapMB {
			indicators = append(indicators, fmt.Sprintf("disk_mb %d exceeds cap %d", rr.DiskMB, v.cfg.DiskCapMB))
		}
	}

	allowed, err := v.allowRate(ctx, req.Delegator.AgentID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		indicators = append(indicators, fmt.Sprintf("delegation rate exceeds %d contracts per hour", v.cfg.MaxContractsPerHour))
	}

	if len(indicators) == 0 {
		return nil, nil
	}
	return []Threat{{
		Type:        ThreatAbusePattern,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("abuse pattern: %s", strings.Join(indicators, "; ")),
		Indicators:  indicators,
		AgentID:     req.Delegator.AgentID,
		DetectedAt:  now,
	}}, nil
}

func (v *Validator) allowRate(ctx context.Context, delegatorID string) (bool, error) {
	if delegatorID == "" {
		return true, nil
	}
	if v.rateStore != nil {
		return v.rateStore.Allow(ctx, delegatorID, v.cfg.MaxContractsPerHour)
	}

	v.mu.Lock()
	lim, ok := v.limiters[delegatorID]
	if !ok {
		perSecond := rate.Limit(float64(v.cfg.MaxContractsPerHour) / 3600.0)
		lim = rate.NewLimiter(perSecond, v.cfg.MaxContractsPerHour)
		v.limiters[delegatorID] = lim
	}
	v.mu.Unlock()
	return lim.Allow(), nil
}

// detectAnomaly compares the request against the delegator's recent
// baseline. Too few samples means no judgment.
const anomalyMinSamples = 5

func (v *Validator) detectAnomaly(req *contracts.DelegationRequest, now time.Time) []Threat {
	v.mu.Lock()
	samples := append([]baselineSample(nil), v.baselines[req.Delegator.AgentID]...)
	v.mu.Unlock()

	if len(samples) < anomalyMinSamples {
		return nil
	}
	var rankSum, durSum float64
	for _, s := range samples {
		rankSum += float64(s.tlpRank)
		durSum += float64(s.durationMs)
	}
	meanRank := rankSum / float64(len(samples))
	meanDur := durSum / float64(len(samples))

	var indicators []string
	if req.TLPClassification.Valid() && meanRank > 0 &&
		float64(req.TLPClassification.Rank()) > v.cfg.AnomalyMultiplier*meanRank {
		indicators = append(indicators, fmt.Sprintf("TLP level %s is >%.0fx the delegator baseline",
			req.TLPClassification, v.cfg.AnomalyMultiplier))
	}
	if req.TimeoutMs > 0 && meanDur > 0 &&
		float64(req.TimeoutMs) > v.cfg.AnomalyMultiplier*meanDur {
		indicators = append(indicators, fmt.Sprintf("estimated duration %dms is >%.0fx the delegator baseline",
			req.TimeoutMs, v.cfg.AnomalyMultiplier))
	}
	if len(indicators) == 0 {
		return nil
	}
	return []Threat{{
		Type:        ThreatAnomaly,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("request deviates from delegator baseline: %s", strings.Join(indicators, "; ")),
		Indicators:  indicators,
		AgentID:     req.Delegator.AgentID,
		DetectedAt:  now,
	}}
}

func (v *Validator) recordBaseline(req *contracts.DelegationRequest) {
	if req.Delegator.AgentID == "" {
		return
	}
	sample := baselineSample{durationMs: req.TimeoutMs}
	if req.TLPClassification.Valid() {
		sample.tlpRank = req.TLPClassification.Rank()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	list := append(v.baselines[req.Delegator.AgentID], sample)
	if len(list) > v.cfg.AnomalyBaselineN {
		list = list[len(list)-v.cfg.AnomalyBaselineN:]
	}
	v.baselines[req.Delegator.AgentID] = list
}
