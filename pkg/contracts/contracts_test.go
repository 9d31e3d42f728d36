package contracts

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTLPDominance(t *testing.T) {
	cases := []struct {
		have, need TLPLevel
		want       bool
	}{
		{TLPRed, TLPClear, true},
		{TLPRed, TLPRed, true},
		{TLPClear, TLPClear, true},
		{TLPClear, TLPAmber, false},
		{TLPGreen, TLPAmber, false},
		{TLPAmber, TLPGreen, true},
	}
	for _, tc := range cases {
		if got := tc.have.Dominates(tc.need); got != tc.want {
			t.Fatalf("%s dominates %s = %v, want %v", tc.have, tc.need, got, tc.want)
		}
	}

	if MaxTLP(TLPClear, TLPAmber, TLPGreen) != TLPAmber {
		t.Fatal("MaxTLP should pick the most restrictive level")
	}
	if TLPLevel("purple").Valid() {
		t.Fatal("unknown level must be invalid")
	}
}

func TestContractStateMachine(t *testing.T) {
	allowed := []struct{ from, to ContractStatus }{
		{StatusPending, StatusActive},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusRevoked},
		{StatusActive, StatusCompleted},
		{StatusActive, StatusFailed},
		{StatusActive, StatusTimeout},
		{StatusActive, StatusCancelled},
		{StatusActive, StatusRevoked},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to ContractStatus }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusCompleted, StatusActive},
		{StatusCancelled, StatusActive},
		{StatusRevoked, StatusPending},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("%s -> %s should be forbidden", tc.from, tc.to)
		}
	}

	for _, s := range []ContractStatus{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusRevoked} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if StatusPending.Terminal() || StatusActive.Terminal() {
		t.Fatal("pending/active are not terminal")
	}
}

func TestRequestUnknownKeysFoldIntoMetadata(t *testing.T) {
	payload := `{
		"task_id": "t1",
		"task_description": "review the diff",
		"delegator": {"agent_id": "planner"},
		"required_capabilities": ["code_review"],
		"session_label": "sprint-12",
		"origin": "scheduler"
	}`

	var req DelegationRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatal(err)
	}
	if req.TaskID != "t1" || req.Delegator.AgentID != "planner" {
		t.Fatalf("known fields lost: %+v", req)
	}
	if req.Metadata["session_label"] != "sprint-12" || req.Metadata["origin"] != "scheduler" {
		t.Fatalf("unknown keys not folded: %v", req.Metadata)
	}
	if _, ok := req.Metadata["task_id"]; ok {
		t.Fatal("known field leaked into metadata")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	err := ErrFirebreakBlocked([]string{"high_value_delegation"}, "manager")
	if KindOf(err) != KindFirebreakBlocked {
		t.Fatalf("kind = %s", KindOf(err))
	}
	if !IsKind(err, KindFirebreakBlocked) {
		t.Fatal("IsKind mismatch")
	}

	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatal("errors.As should extract *Error")
	}
	if len(ce.Blocking) != 1 || ce.Blocking[0] != "high_value_delegation" {
		t.Fatalf("blocking = %v", ce.Blocking)
	}

	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors have no kind")
	}

	loop := ErrLoopDetected([]string{"a", "b", "a"})
	var le *Error
	if !errors.As(loop, &le) || len(le.Cycle) != 3 {
		t.Fatalf("cycle = %+v", le)
	}
}
