package firebreak

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Override statuses.
const (
	OverrideStatusPending  = "pending"
	OverrideStatusApproved = "approved"
	OverrideStatusRejected = "rejected"
	OverrideStatusExpired  = "expired"
)

// OverrideRequest asks a human authority to let a blocked delegation pass.
type OverrideRequest struct {
	RequestingAgent string         `json:"requesting_agent"`
	TargetAgent     string         `json:"target_agent"`
	AuthorityLevel  string         `json:"authority_level"`
	Reason          string         `json:"reason"`
	Justification   string         `json:"justification"`
	Context         Context        `json:"context"`
	ExpiresAt       time.Time      `json:"expires_at"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Override is a stored override record.
type Override struct {
	OverrideID        string          `json:"override_id"`
	Request           OverrideRequest `json:"request"`
	RequiredAuthority string          `json:"required_authority"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
	Resolver          string          `json:"resolver,omitempty"`
}

// Escalation records an emergency escalation to a human contact.
// Escalation never bypasses the firebreak by itself.
type Escalation struct {
	EscalationID     string    `json:"escalation_id"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason"`
	EmergencyContact string    `json:"emergency_contact"`
	Timestamp        time.Time `json:"timestamp"`
	BypassGranted    bool      `json:"bypass_granted"`
}

// OverrideManager stores pending overrides and resolves them. Expiry is
// lazy: an expired pending override flips to expired when next touched.
type OverrideManager struct {
	mu        sync.Mutex
	overrides map[string]*Override
	clock     Clock

	emergencyContact string
}

// NewOverrideManager builds a manager routing emergencies to contact.
func NewOverrideManager(emergencyContact string) *OverrideManager {
	return &OverrideManager{
		overrides:        make(map[string]*Override),
		clock:            wallClock{},
		emergencyContact: emergencyContact,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *OverrideManager) WithClock(c Clock) *OverrideManager {
	m.clock = c
	return m
}

// RequestOverride files an override for a blocked evaluation. The
// requester's authority must dominate the evaluation's required
// authority or the request is rejected outright.
func (m *OverrideManager) RequestOverride(ctx context.Context, req OverrideRequest, required string) (*Override, error) {
	_ = ctx
	if !AuthorityDominates(req.AuthorityLevel, required) {
		return nil, fmt.Errorf("Insufficient authority level. Required: %s", required)
	}

	now := m.clock.Now()
	expires := req.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(time.Hour)
		req.ExpiresAt = expires
	}

	o := &Override{
		OverrideID:        uuid.New().String(),
		Request:           req,
		RequiredAuthority: required,
		Status:            OverrideStatusPending,
		CreatedAt:         now,
	}

	m.mu.Lock()
	m.overrides[o.OverrideID] = o
	m.mu.Unlock()
	return cloneOverride(o), nil
}

// touch applies lazy expiry. Caller holds the lock.
func (m *OverrideManager) touch(o *Override) {
	if o.Status == OverrideStatusPending && m.clock.Now().After(o.Request.ExpiresAt) {
		o.Status = OverrideStatusExpired
	}
}

// Get returns a copy of an override by ID.
func (m *OverrideManager) Get(overrideID string) (*Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overrides[overrideID]
	if !ok {
		return nil, fmt.Errorf("override %q not found", overrideID)
	}
	m.touch(o)
	return cloneOverride(o), nil
}

// Resolve approves or rejects a pending override.
func (m *OverrideManager) Resolve(overrideID, resolver string, approve bool) (*Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overrides[overrideID]
	if !ok {
		return nil, fmt.Errorf("override %q not found", overrideID)
	}
	m.touch(o)
	if o.Status != OverrideStatusPending {
		return nil, fmt.Errorf("override %q is not pending (status=%s)", overrideID, o.Status)
	}

	now := m.clock.Now()
	if approve {
		o.Status = OverrideStatusApproved
	} else {
		o.Status = OverrideStatusRejected
	}
	o.ResolvedAt = &now
	o.Resolver = resolver
	return cloneOverride(o), nil
}

// SweepExpired flips every pending override past its expiry to expired
// and reports how many flipped. Lazy expiry on read makes the sweep
// optional; it exists so operators can reconcile the table eagerly.
func (m *OverrideManager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.overrides {
		if o.Status != OverrideStatusPending {
			continue
		}
		m.touch(o)
		if o.Status == OverrideStatusExpired {
			n++
		}
	}
	return n
}

// Pending lists pending, unexpired overrides.
func (m *OverrideManager) Pending() []*Override {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Override
	for _, o := range m.overrides {
		m.touch(o)
		if o.Status == OverrideStatusPending {
			out = append(out, cloneOverride(o))
		}
	}
	return out
}

// EscalateEmergency records an emergency escalation. Human approval is
// still required: bypass is never granted automatically.
func (m *OverrideManager) EscalateEmergency(ctx context.Context, reason string) *Escalation {
	_ = ctx
	return &Escalation{
		EscalationID:     uuid.New().String(),
		Status:           "escalated",
		Reason:           reason,
		EmergencyContact: m.emergencyContact,
		Timestamp:        m.clock.Now(),
		BypassGranted:    false,
	}
}

func cloneOverride(o *Override) *Override {
	cp := *o
	if o.ResolvedAt != nil {
		t := *o.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
