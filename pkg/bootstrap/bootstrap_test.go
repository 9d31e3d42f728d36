package bootstrap

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func newBootstrapper(t *testing.T, cfg Config) *Bootstrapper {
	t.Helper()
	b, err := NewBootstrapper(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func capability(t *testing.T, res *Result, capID string) contracts.Capability {
	t.Helper()
	for _, c := range res.Manifest.Capabilities {
		if c.CapabilityID == capID {
			return c
		}
	}
	t.Fatalf("capability %s not in manifest: %+v", capID, res.Manifest.Capabilities)
	return contracts.Capability{}
}

func TestParseFrontmatterDefinition(t *testing.T) {
	def, err := ParseDefinition(`---
name: Review Bot
tier: proprietary
---
Reviews every diff before merge.`)
	if err != nil {
		t.Fatal(err)
	}
	if def.Name != "Review Bot" {
		t.Fatalf("name %q", def.Name)
	}
	if def.Description != "Reviews every diff before merge." {
		t.Fatalf("description %q", def.Description)
	}
	if def.Metadata["tier"] != "proprietary" {
		t.Fatalf("tier metadata lost: %v", def.Metadata)
	}
}

func TestParseJSONDefinitionFoldsUnknownKeys(t *testing.T) {
	def, err := ParseDefinition(`{"name":"helper","description":"d","team":"infra"}`)
	if err != nil {
		t.Fatal(err)
	}
	if def.Metadata["team"] != "infra" {
		t.Fatalf("unknown key not folded into metadata: %v", def.Metadata)
	}
}

func TestParseDefinitionFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.md")
	content := "---\nname: File Agent\n---\nbody text"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	def, err := ParseDefinition(path)
	if err != nil {
		t.Fatal(err)
	}
	if def.Name != "File Agent" || def.Description != "body text" {
		t.Fatalf("unexpected definition: %+v", def)
	}
}

func TestParseDefinitionRejections(t *testing.T) {
	for _, input := range []any{
		`{"description":"nameless"}`,
		`{"name": 7}`,
		"--- unterminated",
		"plain text that is not a readable path",
		42,
	} {
		if _, err := ParseDefinition(input); contracts.KindOf(err) != contracts.KindInvalidRequest {
			t.Fatalf("input %v: expected invalid_request, got %v", input, err)
		}
	}
}

func TestKeywordDetection(t *testing.T) {
	b := newBootstrapper(t, Config{})
	res, err := b.Bootstrap(map[string]any{
		"name":        "Helper",
		"description": "review code quality and lint every diff",
	})
	if err != nil {
		t.Fatal(err)
	}

	var d *DetectedCapability
	for i := range res.DetectedCapabilities {
		if res.DetectedCapabilities[i].CapabilityID == "code_review" {
			d = &res.DetectedCapabilities[i]
		}
	}
	if d == nil {
		t.Fatalf("code_review not detected: %+v", res.DetectedCapabilities)
	}
	if len(d.MatchedKeywords) != 4 {
		t.Fatalf("expected 4 keyword hits, got %v", d.MatchedKeywords)
	}

	// Word-boundary matching: "reviews" must not hit "review".
	res2, err := b.Bootstrap(map[string]any{
		"name":        "Helper",
		"description": "previews screenshots",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range res2.DetectedCapabilities {
		if d.CapabilityID == "code_review" {
			t.Fatal("substring must not satisfy a word-boundary keyword")
		}
	}
}

func TestNameSlugMatchLowersThreshold(t *testing.T) {
	b := newBootstrapper(t, Config{})
	res, err := b.Bootstrap(map[string]any{
		"name":        "Deployment Helper",
		"description": "can provision environments",
	})
	if err != nil {
		t.Fatal(err)
	}
	var found *DetectedCapability
	for i := range res.DetectedCapabilities {
		if res.DetectedCapabilities[i].CapabilityID == "deployment" {
			found = &res.DetectedCapabilities[i]
		}
	}
	if found == nil {
		t.Fatal("deployment should be included via name match with a single keyword hit")
	}
	if !found.NameMatch {
		t.Fatalf("expected name match: %+v", found)
	}
}

func TestMandatoryCapabilityAlwaysPresent(t *testing.T) {
	b := newBootstrapper(t, Config{})
	res, err := b.Bootstrap(map[string]any{
		"name":        "Docs Agent",
		"description": "maintains the readme and the user guide",
	})
	if err != nil {
		t.Fatal(err)
	}
	capability(t, res, "pattern_enforcement")
	capability(t, res, "documentation")
}

func TestEmptyDetectionFallsBack(t *testing.T) {
	b := newBootstrapper(t, Config{})
	res, err := b.Bootstrap(map[string]any{
		"name":        "Widget",
		"description": "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	capability(t, res, "code_review")
	if len(res.Warnings) == 0 {
		t.Fatal("fallback must warn")
	}
}

func TestConfidenceLadder(t *testing.T) {
	b := newBootstrapper(t, Config{})
	base := map[string]any{
		"name":        "Docs Agent",
		"description": "maintains the readme and the user guide",
	}

	// Proven: completions at the threshold.
	proven := map[string]any{
		"name":        base["name"],
		"description": base["description"],
		"completions": map[string]any{"documentation": float64(10)},
	}
	res, err := b.Bootstrap(proven)
	if err != nil {
		t.Fatal(err)
	}
	if c := capability(t, res, "documentation"); c.ConfidenceLevel != 0.95 {
		t.Fatalf("proven confidence: %f", c.ConfidenceLevel)
	}

	// Halfway: validated..proven interpolation.
	half := map[string]any{
		"name":        base["name"],
		"description": base["description"],
		"completions": map[string]any{"documentation": float64(5)},
	}
	res, err = b.Bootstrap(half)
	if err != nil {
		t.Fatal(err)
	}
	if c := capability(t, res, "documentation"); math.Abs(c.ConfidenceLevel-0.90) > 1e-9 {
		t.Fatalf("interpolated confidence: %f", c.ConfidenceLevel)
	}

	// Validated with no completions.
	validated := map[string]any{
		"name":                   base["name"],
		"description":            base["description"],
		"validated_capabilities": []any{"documentation"},
	}
	res, err = b.Bootstrap(validated)
	if err != nil {
		t.Fatal(err)
	}
	if c := capability(t, res, "documentation"); c.ConfidenceLevel != 0.85 {
		t.Fatalf("validated confidence: %f", c.ConfidenceLevel)
	}

	// Fresh: 0.7·initial + 0.3·detection, detection = 3 hits / 5 keywords.
	res, err = b.Bootstrap(base)
	if err != nil {
		t.Fatal(err)
	}
	want := 0.7*0.6 + 0.3*(3.0/5.0)
	if c := capability(t, res, "documentation"); math.Abs(c.ConfidenceLevel-want) > 1e-9 {
		t.Fatalf("fresh confidence %f, want %f", c.ConfidenceLevel, want)
	}
}

func TestConfidenceClamping(t *testing.T) {
	b := newBootstrapper(t, Config{ProvenConfidence: 1.5})
	res, err := b.Bootstrap(map[string]any{
		"name":        "Docs Agent",
		"description": "maintains the readme and the user guide",
		"completions": map[string]any{"documentation": float64(20)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c := capability(t, res, "documentation"); c.ConfidenceLevel != 0.98 {
		t.Fatalf("expected ceiling clamp, got %f", c.ConfidenceLevel)
	}
}

func TestTierClearance(t *testing.T) {
	b := newBootstrapper(t, Config{})

	res, err := b.Bootstrap(map[string]any{
		"name":        "Docs Agent",
		"description": "maintains the readme and the user guide",
		"tier":        "proprietary",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c := capability(t, res, "documentation"); c.TLPClearance != contracts.TLPRed {
		t.Fatalf("proprietary tier clearance: %s", c.TLPClearance)
	}

	res, err = b.Bootstrap(map[string]any{
		"name":        "Docs Agent",
		"description": "maintains the readme and the user guide",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c := capability(t, res, "documentation"); c.TLPClearance != contracts.TLPGreen {
		t.Fatalf("workspace tier clearance: %s", c.TLPClearance)
	}
}

func TestManifestShape(t *testing.T) {
	b := newBootstrapper(t, Config{})
	res, err := b.Bootstrap(map[string]any{
		"name":        "PR Review Bot",
		"description": "review code quality and lint every diff",
		"version":     "2.1.0",
	})
	if err != nil {
		t.Fatal(err)
	}
	m := res.Manifest
	if m.AgentID != "pr_review_bot" {
		t.Fatalf("agent_id %q", m.AgentID)
	}
	if m.Version != "2.1.0" {
		t.Fatalf("version %q", m.Version)
	}
	if m.Availability != contracts.AvailabilityAvailable {
		t.Fatalf("availability %q", m.Availability)
	}
	if m.OverallConfidence <= 0 {
		t.Fatal("overall confidence not recomputed")
	}
}
