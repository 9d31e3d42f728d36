package token

import (
	"errors"
	"testing"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func parentToken() *contracts.PermissionToken {
	return &contracts.PermissionToken{
		TokenID:   "parent",
		Scopes:    []string{"repo.docs", "ci"},
		Actions:   []string{"read", "write"},
		Resources: []string{"docs/*", "!docs/internal/*"},
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
		Constraints: map[string]float64{
			"max_value": 500,
		},
	}
}

func TestAttenuateNarrows(t *testing.T) {
	e := NewEngine()
	parent := parentToken()

	child, err := e.Attenuate(parent, &contracts.PermissionToken{
		Scopes:    []string{"repo.docs.readme"},
		Actions:   []string{"read"},
		Resources: []string{"docs/readme.md"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if child.DelegationDepth != parent.DelegationDepth+1 {
		t.Fatalf("expected depth %d, got %d", parent.DelegationDepth+1, child.DelegationDepth)
	}
	if !child.ExpiresAt.Equal(parent.ExpiresAt) {
		t.Fatal("expected expiry clamped to parent")
	}
	if child.TokenID == "" {
		t.Fatal("expected generated token ID")
	}
	// Parent negation preserved.
	found := false
	for _, r := range child.Resources {
		if r == "!docs/internal/*" {
			found = true
		}
	}
	if !found {
		t.Fatalf("parent negation missing from %v", child.Resources)
	}
}

func TestAttenuateRejectsScopeWidening(t *testing.T) {
	e := NewEngine()
	parent := &contracts.PermissionToken{
		Scopes:    []string{"read"},
		Actions:   []string{"read"},
		ExpiresAt: time.Now().Add(time.Hour),
	}

	_, err := e.Attenuate(parent, &contracts.PermissionToken{
		Scopes:  []string{"read", "write"},
		Actions: []string{"read"},
	})
	if err == nil {
		t.Fatal("expected rejection")
	}
	var ce *contracts.Error
	if !errors.As(err, &ce) || ce.Kind != contracts.KindPermissionAttenuation {
		t.Fatalf("expected PermissionAttenuationViolation, got %v", err)
	}
}

func TestAttenuateRejectsActionWidening(t *testing.T) {
	e := NewEngine()
	parent := parentToken()

	_, err := e.Attenuate(parent, &contracts.PermissionToken{
		Scopes:  []string{"ci"},
		Actions: []string{"delete"},
	})
	if err == nil {
		t.Fatal("expected action rejection")
	}
}

func TestAttenuateRejectsResourceWidening(t *testing.T) {
	e := NewEngine()
	parent := parentToken()

	_, err := e.Attenuate(parent, &contracts.PermissionToken{
		Scopes:    []string{"ci"},
		Actions:   []string{"read"},
		Resources: []string{"secrets/key.pem"},
	})
	if err == nil {
		t.Fatal("expected resource rejection")
	}

	// A wildcard child broader than the parent pattern is widening too.
	_, err = e.Attenuate(parent, &contracts.PermissionToken{
		Scopes:    []string{"ci"},
		Actions:   []string{"read"},
		Resources: []string{"*"},
	})
	if err == nil {
		t.Fatal("expected wildcard rejection")
	}
}

func TestAttenuateExpiryNeverExtends(t *testing.T) {
	e := NewEngine()
	parent := parentToken()

	child, err := e.Attenuate(parent, &contracts.PermissionToken{
		Scopes:    []string{"ci"},
		Actions:   []string{"read"},
		ExpiresAt: parent.ExpiresAt.Add(48 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if child.ExpiresAt.After(parent.ExpiresAt) {
		t.Fatal("child expiry exceeds parent")
	}
}

func TestConstraintsMergeByMinimum(t *testing.T) {
	e := NewEngine()
	parent := parentToken()

	child, err := e.Attenuate(parent, &contracts.PermissionToken{
		Scopes:      []string{"ci"},
		Actions:     []string{"read"},
		Constraints: map[string]float64{"max_value": 1000, "max_files": 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if child.Constraints["max_value"] != 500 {
		t.Fatalf("expected min-merge 500, got %f", child.Constraints["max_value"])
	}
	if child.Constraints["max_files"] != 5 {
		t.Fatalf("expected child-only constraint preserved, got %f", child.Constraints["max_files"])
	}
}

func TestScopePrefixInclusion(t *testing.T) {
	cases := []struct {
		parent string
		child  string
		want   bool
	}{
		{"repo.docs", "repo.docs", true},
		{"repo.docs", "repo.docs.write", true},
		{"repo.docs", "repo.docsx", false},
		{"repo", "repository", false},
	}
	for _, tc := range cases {
		got := scopeCovered([]string{tc.parent}, tc.child)
		if got != tc.want {
			t.Fatalf("scopeCovered(%q, %q) = %v, want %v", tc.parent, tc.child, got, tc.want)
		}
	}
}

func TestJWTRoundTrip(t *testing.T) {
	codec := NewCodec([]byte("test-secret"), "covenant")
	tok := parentToken()

	raw, err := codec.Mint(tok)
	if err != nil {
		t.Fatal(err)
	}
	back, err := codec.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.TokenID != tok.TokenID {
		t.Fatalf("expected token ID %s, got %s", tok.TokenID, back.TokenID)
	}
	if len(back.Scopes) != len(tok.Scopes) || back.Scopes[0] != tok.Scopes[0] {
		t.Fatalf("scopes did not survive round trip: %v", back.Scopes)
	}
	if back.Constraints["max_value"] != 500 {
		t.Fatal("constraints did not survive round trip")
	}
}

func TestJWTRejectsTampering(t *testing.T) {
	codec := NewCodec([]byte("test-secret"), "covenant")
	other := NewCodec([]byte("wrong-secret"), "covenant")

	raw, err := codec.Mint(parentToken())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Parse(raw); err == nil {
		t.Fatal("expected signature rejection")
	}
}
