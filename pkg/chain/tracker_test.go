package chain

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

type memSource struct {
	byID map[string]*contracts.DelegationContract
}

func newMemSource() *memSource {
	return &memSource{byID: make(map[string]*contracts.DelegationContract)}
}

func (s *memSource) GetContract(_ context.Context, id string) (*contracts.DelegationContract, error) {
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("contract %q not found", id)
	}
	return c, nil
}

func (s *memSource) add(id, parent, delegator, delegatee string) {
	s.byID[id] = &contracts.DelegationContract{
		ContractID:       id,
		ParentContractID: parent,
		Delegator:        contracts.AgentRef{AgentID: delegator},
		Delegatee:        contracts.AgentRef{AgentID: delegatee},
	}
}

func TestBuildChainRootFirst(t *testing.T) {
	s := newMemSource()
	s.add("c1", "", "A", "B")
	s.add("c2", "c1", "B", "C")
	s.add("c3", "c2", "C", "D")

	chain, err := NewTracker(s, 5).BuildChain(context.Background(), "c3")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range chain {
		ids = append(ids, c.ContractID)
	}
	if !reflect.DeepEqual(ids, []string{"c1", "c2", "c3"}) {
		t.Fatalf("chain order = %v", ids)
	}
}

func TestLoopDetectionThroughRootDelegator(t *testing.T) {
	s := newMemSource()
	s.add("c1", "", "A", "B")
	s.add("c2", "c1", "B", "C")

	tr := NewTracker(s, 5)
	a, err := tr.AnalyzeCandidate(context.Background(), "c2", "A")
	if err != nil {
		t.Fatal(err)
	}
	if !a.HasLoops || a.Valid {
		t.Fatalf("expected loop: %+v", a)
	}
	if !reflect.DeepEqual(a.Loops[0], []string{"A", "B", "C", "A"}) {
		t.Fatalf("loop = %v, want [A B C A]", a.Loops[0])
	}

	_, err = tr.CheckCandidate(context.Background(), "c2", "A")
	var ce *contracts.Error
	if !errors.As(err, &ce) || ce.Kind != contracts.KindLoopDetected {
		t.Fatalf("expected LoopDetected, got %v", err)
	}
	if !reflect.DeepEqual(ce.Cycle, []string{"A", "B", "C", "A"}) {
		t.Fatalf("cycle = %v", ce.Cycle)
	}
}

func TestNoLoopOnDistinctAgents(t *testing.T) {
	s := newMemSource()
	s.add("c1", "", "A", "B")
	s.add("c2", "c1", "B", "C")

	a, err := NewTracker(s, 5).AnalyzeCandidate(context.Background(), "c2", "D")
	if err != nil {
		t.Fatal(err)
	}
	if a.HasLoops || !a.Valid || a.Depth != 3 {
		t.Fatalf("unexpected analysis: %+v", a)
	}
}

func TestDepthBoundErrorMessage(t *testing.T) {
	s := newMemSource()
	s.add("c1", "", "a0", "a1")
	s.add("c2", "c1", "a1", "a2")
	s.add("c3", "c2", "a2", "a3")

	tr := NewTracker(s, 3)
	a, err := tr.AnalyzeCandidate(context.Background(), "c3", "a4")
	if err != nil {
		t.Fatal(err)
	}
	if a.Valid {
		t.Fatalf("depth %d should be invalid", a.Depth)
	}
	msg := strings.Join(a.Errors, " ")
	if !strings.Contains(msg, "max") || !strings.Contains(msg, "depth") {
		t.Fatalf("error must name max depth: %q", msg)
	}

	_, err = tr.CheckCandidate(context.Background(), "c3", "a4")
	var ce *contracts.Error
	if !errors.As(err, &ce) || ce.Kind != contracts.KindMaxDepthExceeded {
		t.Fatalf("expected MaxDepthExceeded, got %v", err)
	}
}

func TestAnalyzeChainReportsFirebreakContracts(t *testing.T) {
	s := newMemSource()
	s.add("c1", "", "A", "B")
	s.add("c2", "c1", "B", "C")
	maxDepth := 2
	s.byID["c2"].Firebreak = &contracts.FirebreakLimits{MaxDepth: &maxDepth}

	a, err := NewTracker(s, 5).AnalyzeChain(context.Background(), "c2")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.FirebreakContracts, []string{"c2"}) {
		t.Fatalf("firebreaks = %v", a.FirebreakContracts)
	}
	if a.Depth != 2 || !a.Valid {
		t.Fatalf("unexpected analysis: %+v", a)
	}
}

func TestAnalyzeChainCachesResult(t *testing.T) {
	s := newMemSource()
	s.add("c1", "", "A", "B")

	tr := NewTracker(s, 5)
	if _, err := tr.AnalyzeChain(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	// Remove the backing contract; the cached analysis still answers.
	delete(s.byID, "c1")
	a, err := tr.AnalyzeChain(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.ContractIDs) != 1 {
		t.Fatalf("unexpected cached analysis: %+v", a)
	}
}

func TestBrokenParentLinkFails(t *testing.T) {
	s := newMemSource()
	s.add("c2", "missing", "B", "C")

	if _, err := NewTracker(s, 5).BuildChain(context.Background(), "c2"); err == nil {
		t.Fatal("expected error on broken parent link")
	}
}

func TestCorruptedParentCycleFails(t *testing.T) {
	s := newMemSource()
	s.add("c1", "c2", "A", "B")
	s.add("c2", "c1", "B", "A")

	if _, err := NewTracker(s, 5).BuildChain(context.Background(), "c1"); err == nil {
		t.Fatal("expected error on parent-pointer cycle")
	}
}
