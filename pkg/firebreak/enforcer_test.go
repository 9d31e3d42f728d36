package firebreak

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

type fixedClock struct{ t time.Time }

func (f *fixedClock) Now() time.Time { return f.t }

func TestHighValueTriggersManagerFullLiability(t *testing.T) {
	e := NewEnforcer(Config{})

	res := e.Evaluate(Context{
		DelegationDepth: 2,
		EstimatedValue:  75000,
	})

	if res.FirebreaksPassed {
		t.Fatal("expected firebreak trigger")
	}
	if len(res.BlockingFirebreaks) != 1 || res.BlockingFirebreaks[0] != TriggerHighValue {
		t.Fatalf("blocking = %v", res.BlockingFirebreaks)
	}
	if res.RequiredAuthority != AuthorityManager {
		t.Fatalf("authority = %s, want manager", res.RequiredAuthority)
	}
	if res.LiabilityLevel != LiabilityFull {
		t.Fatalf("liability = %s, want full", res.LiabilityLevel)
	}
	if !res.ManualOverrideAvailable {
		t.Fatal("override should be available")
	}
}

func TestDepthLiabilityTiers(t *testing.T) {
	e := NewEnforcer(Config{})

	cases := []struct {
		depth int
		value float64
		want  string
	}{
		{1, 50, LiabilityNone},
		{2, 50, LiabilityLimited},
		{3, 50, LiabilityLimited},
		{4, 50, LiabilityShared},
		{6, 50, LiabilityShared},
	}
	for _, tc := range cases {
		res := e.Evaluate(Context{DelegationDepth: tc.depth, EstimatedValue: tc.value})
		if res.LiabilityLevel != tc.want {
			t.Fatalf("depth %d: liability = %s, want %s", tc.depth, res.LiabilityLevel, tc.want)
		}
		if !res.FirebreaksPassed {
			t.Fatalf("depth %d should pass, blocked on %v", tc.depth, res.BlockingFirebreaks)
		}
	}
}

func TestExcessiveDepthRequiresEmergency(t *testing.T) {
	e := NewEnforcer(Config{})
	res := e.Evaluate(Context{DelegationDepth: 8})
	if res.FirebreaksPassed || res.RequiredAuthority != AuthorityEmergency {
		t.Fatalf("unexpected result: %+v", res)
	}
	// Depth firebreak leaves the depth-tier liability unchanged.
	if res.LiabilityLevel != LiabilityShared {
		t.Fatalf("liability = %s, want shared", res.LiabilityLevel)
	}
}

func TestCriticalAndExternalCombine(t *testing.T) {
	e := NewEnforcer(Config{})
	res := e.Evaluate(Context{
		DelegationDepth:         1,
		InvolvesCriticalSystems: true,
		IsExternalDelegation:    true,
	})
	if len(res.BlockingFirebreaks) != 2 {
		t.Fatalf("blocking = %v", res.BlockingFirebreaks)
	}
	// Executive outranks manager, so the stricter requirement wins.
	if res.RequiredAuthority != AuthorityExecutive {
		t.Fatalf("authority = %s, want executive", res.RequiredAuthority)
	}
}

func TestAllowExternalDisablesTrigger(t *testing.T) {
	e := NewEnforcer(Config{AllowExternal: true})
	res := e.Evaluate(Context{DelegationDepth: 1, IsExternalDelegation: true, EstimatedValue: 10})
	if !res.FirebreaksPassed {
		t.Fatalf("external should pass when allowed: %+v", res)
	}
}

func TestCheckReturnsTypedError(t *testing.T) {
	e := NewEnforcer(Config{})
	_, err := e.Check(Context{DelegationDepth: 1, EstimatedValue: 50000})
	if err == nil {
		t.Fatal("expected firebreak error")
	}
	var ce *contracts.Error
	if !errors.As(err, &ce) || ce.Kind != contracts.KindFirebreakBlocked {
		t.Fatalf("expected FirebreakBlocked, got %v", err)
	}
	if len(ce.Blocking) != 1 || ce.Blocking[0] != TriggerHighValue {
		t.Fatalf("blocking = %v", ce.Blocking)
	}
}

func TestOverrideAuthorityDominance(t *testing.T) {
	m := NewOverrideManager("oncall@example.com")

	_, err := m.RequestOverride(context.Background(), OverrideRequest{
		RequestingAgent: "orchestrator",
		AuthorityLevel:  AuthoritySupervisor,
		Reason:          "quarterly close",
	}, AuthorityManager)
	if err == nil {
		t.Fatal("supervisor must not override a manager firebreak")
	}
	if !strings.Contains(err.Error(), "Insufficient authority level. Required: manager") {
		t.Fatalf("unexpected message: %v", err)
	}

	o, err := m.RequestOverride(context.Background(), OverrideRequest{
		RequestingAgent: "orchestrator",
		AuthorityLevel:  AuthorityExecutive,
		Reason:          "quarterly close",
	}, AuthorityManager)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != OverrideStatusPending {
		t.Fatalf("status = %s, want pending", o.Status)
	}
}

func TestOverrideResolveAndLazyExpiry(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1000, 0)}
	m := NewOverrideManager("oncall@example.com").WithClock(clock)

	o, err := m.RequestOverride(context.Background(), OverrideRequest{
		AuthorityLevel: AuthorityManager,
		ExpiresAt:      clock.t.Add(time.Minute),
	}, AuthorityManager)
	if err != nil {
		t.Fatal(err)
	}

	approved, err := m.Resolve(o.OverrideID, "human-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != OverrideStatusApproved || approved.Resolver != "human-1" {
		t.Fatalf("unexpected: %+v", approved)
	}

	// A second override expires lazily when touched after its deadline.
	o2, err := m.RequestOverride(context.Background(), OverrideRequest{
		AuthorityLevel: AuthorityManager,
		ExpiresAt:      clock.t.Add(time.Minute),
	}, AuthorityManager)
	if err != nil {
		t.Fatal(err)
	}
	clock.t = clock.t.Add(2 * time.Minute)

	got, err := m.Get(o2.OverrideID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OverrideStatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if _, err := m.Resolve(o2.OverrideID, "human-1", true); err == nil {
		t.Fatal("expired override must not resolve")
	}
	if len(m.Pending()) != 0 {
		t.Fatal("no overrides should be pending")
	}
}

func TestSweepExpiredOverrides(t *testing.T) {
	clock := &fixedClock{t: time.Unix(1000, 0)}
	m := NewOverrideManager("oncall@example.com").WithClock(clock)

	for i := 0; i < 2; i++ {
		if _, err := m.RequestOverride(context.Background(), OverrideRequest{
			AuthorityLevel: AuthorityManager,
			ExpiresAt:      clock.t.Add(time.Minute),
		}, AuthorityManager); err != nil {
			t.Fatal(err)
		}
	}
	resolved, err := m.RequestOverride(context.Background(), OverrideRequest{
		AuthorityLevel: AuthorityManager,
		ExpiresAt:      clock.t.Add(time.Hour),
	}, AuthorityManager)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve(resolved.OverrideID, "human-1", true); err != nil {
		t.Fatal(err)
	}

	if n := m.SweepExpired(); n != 0 {
		t.Fatalf("swept %d before expiry, want 0", n)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	if n := m.SweepExpired(); n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	// The sweep only counts pending-to-expired flips.
	if n := m.SweepExpired(); n != 0 {
		t.Fatalf("second sweep flipped %d, want 0", n)
	}

	got, err := m.Get(resolved.OverrideID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OverrideStatusApproved {
		t.Fatalf("approved override flipped to %s", got.Status)
	}
}

func TestEmergencyEscalationNeverBypasses(t *testing.T) {
	m := NewOverrideManager("oncall@example.com")
	esc := m.EscalateEmergency(context.Background(), "production incident")
	if esc.Status != "escalated" || esc.EmergencyContact != "oncall@example.com" {
		t.Fatalf("unexpected escalation: %+v", esc)
	}
	if esc.Reason != "production incident" {
		t.Fatalf("reason = %q", esc.Reason)
	}
	if esc.BypassGranted {
		t.Fatal("bypass must require human approval")
	}
}
