package bootstrap

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Clearance tiers.
const (
	TierProprietary = "proprietary"
	TierWorkspace   = "workspace"
)

// Confidence bounds. Out-of-range and NaN results are clamped here.
const (
	confidenceFloor   = 0.1
	confidenceCeiling = 0.98
)

// KeywordRule maps one capability to its detection keywords.
type KeywordRule struct {
	CapabilityID string
	Keywords     []string
	// Fuzzy matches keywords as substrings; otherwise matching requires
	// word boundaries.
	Fuzzy bool
}

// DefaultKeywordTable covers the capabilities the control plane can infer
// out of the box. Callers with richer taxonomies supply their own table.
func DefaultKeywordTable() []KeywordRule {
	return []KeywordRule{
		{CapabilityID: "code_review", Keywords: []string{"review", "code", "pull request", "diff", "lint"}},
		{CapabilityID: "documentation", Keywords: []string{"documentation", "docs", "readme", "guide", "changelog"}},
		{CapabilityID: "testing", Keywords: []string{"test", "coverage", "regression", "qa"}},
		{CapabilityID: "refactoring", Keywords: []string{"refactor", "cleanup", "restructure", "simplify"}},
		{CapabilityID: "security_audit", Keywords: []string{"security", "vulnerability", "audit", "cve"}, Fuzzy: true},
		{CapabilityID: "data_analysis", Keywords: []string{"data", "analysis", "metrics", "report"}, Fuzzy: true},
		{CapabilityID: "deployment", Keywords: []string{"deploy", "release", "rollout", "provision"}},
		{CapabilityID: "pattern_enforcement", Keywords: []string{"pattern", "convention", "style", "enforce"}},
	}
}

// Config tunes the bootstrap algorithm. Zero values take the documented
// defaults.
type Config struct {
	MinimumKeywordMatches int     // default 2
	NameMatchConfidence   float64 // default 0.75
	InitialConfidence     float64 // default 0.6
	ValidatedConfidence   float64 // default 0.85
	ProvenConfidence      float64 // default 0.95
	CompletionsForProven  int     // default 10

	// MandatoryCapabilities are included unconditionally.
	MandatoryCapabilities []string // default {pattern_enforcement}
	// FallbackCapabilities replace an empty detection result.
	FallbackCapabilities []string // default {code_review}

	// DefaultTier applies when the definition metadata names none.
	DefaultTier string // default workspace

	MaxConcurrentTasks int // default 4

	Keywords []KeywordRule // default DefaultKeywordTable()
}

func (c Config) withDefaults() Config {
	if c.MinimumKeywordMatches <= 0 {
		c.MinimumKeywordMatches = 2
	}
	if c.NameMatchConfidence <= 0 {
		c.NameMatchConfidence = 0.75
	}
	if c.InitialConfidence <= 0 {
		c.InitialConfidence = 0.6
	}
	if c.ValidatedConfidence <= 0 {
		c.ValidatedConfidence = 0.85
	}
	if c.ProvenConfidence <= 0 {
		c.ProvenConfidence = 0.95
	}
	if c.CompletionsForProven <= 0 {
		c.CompletionsForProven = 10
	}
	if c.MandatoryCapabilities == nil {
		c.MandatoryCapabilities = []string{"pattern_enforcement"}
	}
	if c.FallbackCapabilities == nil {
		c.FallbackCapabilities = []string{"code_review"}
	}
	if c.DefaultTier == "" {
		c.DefaultTier = TierWorkspace
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 4
	}
	if c.Keywords == nil {
		c.Keywords = DefaultKeywordTable()
	}
	return c
}

// DetectedCapability records how one capability was inferred.
type DetectedCapability struct {
	CapabilityID    string   `json:"capability_id"`
	Confidence      float64  `json:"confidence"`
	MatchedKeywords []string `json:"matched_keywords,omitempty"`
	NameMatch       bool     `json:"name_match,omitempty"`
	Mandatory       bool     `json:"mandatory,omitempty"`
	Fallback        bool     `json:"fallback,omitempty"`
}

// Result is the full bootstrap outcome.
type Result struct {
	Manifest             *contracts.AgentCapabilityManifest `json:"manifest"`
	DetectedCapabilities []DetectedCapability               `json:"detected_capabilities"`
	Warnings             []string                           `json:"warnings,omitempty"`
	Suggestions          []string                           `json:"suggestions,omitempty"`
}

const definitionSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"metadata": {"type": "object"}
	}
}`

// Bootstrapper turns agent definitions into capability manifests.
type Bootstrapper struct {
	cfg      Config
	schema   *jsonschema.Schema
	matchers map[string][]*regexp.Regexp
	clock    Clock
}

// Option customizes a Bootstrapper.
type Option func(*Bootstrapper)

// WithClock substitutes the time source.
func WithClock(c Clock) Option {
	return func(b *Bootstrapper) { b.clock = c }
}

// NewBootstrapper compiles the definition schema and the word-boundary
// matchers for the keyword table.
func NewBootstrapper(cfg Config, opts ...Option) (*Bootstrapper, error) {
	b := &Bootstrapper{
		cfg:      cfg.withDefaults(),
		matchers: make(map[string][]*regexp.Regexp),
		clock:    wallClock{},
	}
	for _, o := range opts {
		o(b)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://covenant.schemas.local/bootstrap/definition.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(definitionSchema)); err != nil {
		return nil, err
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, err
	}
	b.schema = compiled

	for _, rule := range b.cfg.Keywords {
		if rule.Fuzzy {
			continue
		}
		for _, kw := range rule.Keywords {
			b.matchers[rule.CapabilityID] = append(b.matchers[rule.CapabilityID],
				regexp.MustCompile(`\b`+regexp.QuoteMeta(strings.ToLower(kw))+`\b`))
		}
	}
	return b, nil
}

// Bootstrap parses the definition, validates it, infers capabilities, and
// builds the manifest.
func (b *Bootstrapper) Bootstrap(input any) (*Result, error) {
	def, err := ParseDefinition(input)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"name":        def.Name,
		"description": def.Description,
	}
	if def.Metadata != nil {
		payload["metadata"] = def.Metadata
	}
	if err := b.schema.Validate(payload); err != nil {
		return nil, contracts.ErrInvalidRequest("definition failed schema validation: %v", err)
	}

	res := &Result{}
	detected := b.detect(def, res)

	// Mandatory capabilities are present regardless of detection.
	for _, capID := range b.cfg.MandatoryCapabilities {
		if hasCapability(detected, capID) {
			continue
		}
		detected = append(detected, DetectedCapability{
			CapabilityID: capID,
			Confidence:   b.cfg.InitialConfidence,
			Mandatory:    true,
		})
	}

	if onlyMandatory(detected) {
		res.Warnings = append(res.Warnings,
			"no capabilities detected; falling back to "+strings.Join(b.cfg.FallbackCapabilities, ", "))
		for _, capID := range b.cfg.FallbackCapabilities {
			if hasCapability(detected, capID) {
				continue
			}
			detected = append(detected, DetectedCapability{
				CapabilityID: capID,
				Confidence:   b.cfg.InitialConfidence,
				Fallback:     true,
			})
		}
	}

	clearance := b.clearanceFor(def)
	now := b.clock.Now()

	manifest := &contracts.AgentCapabilityManifest{
		AgentID:            slug(def.Name),
		AgentName:          def.Name,
		Version:            metadataString(def.Metadata, "version", "1.0.0"),
		Availability:       contracts.AvailabilityAvailable,
		MaxConcurrentTasks: b.cfg.MaxConcurrentTasks,
	}
	for i, d := range detected {
		conf := b.initialConfidence(def, d)
		detected[i].Confidence = conf
		manifest.Capabilities = append(manifest.Capabilities, contracts.Capability{
			CapabilityID:    d.CapabilityID,
			Name:            strings.ReplaceAll(d.CapabilityID, "_", " "),
			ConfidenceLevel: conf,
			TLPClearance:    clearance,
			LastUpdated:     now,
		})
	}
	manifest.RecomputeOverallConfidence()

	res.Manifest = manifest
	res.DetectedCapabilities = detected
	return res, nil
}

// detect runs the keyword table over the definition text and appends
// near-miss suggestions to the result.
func (b *Bootstrapper) detect(def *Definition, res *Result) []DetectedCapability {
	text := strings.ToLower(def.Name + " " + def.Description)
	nameSlug := slug(def.Name)

	var detected []DetectedCapability
	for _, rule := range b.cfg.Keywords {
		var matched []string
		if rule.Fuzzy {
			for _, kw := range rule.Keywords {
				if strings.Contains(text, strings.ToLower(kw)) {
					matched = append(matched, kw)
				}
			}
		} else {
			for i, re := range b.matchers[rule.CapabilityID] {
				if re.MatchString(text) {
					matched = append(matched, rule.Keywords[i])
				}
			}
		}

		nameMatch := strings.Contains(nameSlug, rule.CapabilityID) ||
			strings.Contains(nameSlug, slug(rule.CapabilityID))

		switch {
		case len(matched) >= b.cfg.MinimumKeywordMatches:
			detected = append(detected, DetectedCapability{
				CapabilityID:    rule.CapabilityID,
				Confidence:      float64(len(matched)) / float64(len(rule.Keywords)),
				MatchedKeywords: matched,
				NameMatch:       nameMatch,
			})
		case len(matched) >= 1 && nameMatch:
			detected = append(detected, DetectedCapability{
				CapabilityID:    rule.CapabilityID,
				Confidence:      b.cfg.NameMatchConfidence,
				MatchedKeywords: matched,
				NameMatch:       true,
			})
		case len(matched) == 1:
			res.Suggestions = append(res.Suggestions,
				"capability "+rule.CapabilityID+" nearly matched (keyword "+matched[0]+"); extend the description if intended")
		}
	}
	return detected
}

// initialConfidence applies the confidence ladder: detection blend for new
// capabilities, the validated floor once validated, linear interpolation
// toward proven as completions accrue.
func (b *Bootstrapper) initialConfidence(def *Definition, d DetectedCapability) float64 {
	completions := metadataCompletions(def.Metadata, d.CapabilityID)
	validated := metadataValidated(def.Metadata, d.CapabilityID)

	var conf float64
	switch {
	case completions >= b.cfg.CompletionsForProven:
		conf = b.cfg.ProvenConfidence
	case completions > 0:
		frac := float64(completions) / float64(b.cfg.CompletionsForProven)
		conf = b.cfg.ValidatedConfidence + (b.cfg.ProvenConfidence-b.cfg.ValidatedConfidence)*frac
	case validated:
		conf = b.cfg.ValidatedConfidence
	default:
		conf = 0.7*b.cfg.InitialConfidence + 0.3*d.Confidence
	}
	return clampConfidence(conf)
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < confidenceFloor {
		return confidenceFloor
	}
	if v > confidenceCeiling {
		return confidenceCeiling
	}
	return v
}

// clearanceFor maps the definition's tier to the most restrictive TLP
// level its capabilities may hold.
func (b *Bootstrapper) clearanceFor(def *Definition) contracts.TLPLevel {
	tier := metadataString(def.Metadata, "tier", b.cfg.DefaultTier)
	if tier == TierProprietary {
		return contracts.TLPRed
	}
	return contracts.TLPGreen
}

func hasCapability(detected []DetectedCapability, capID string) bool {
	for _, d := range detected {
		if d.CapabilityID == capID {
			return true
		}
	}
	return false
}

func onlyMandatory(detected []DetectedCapability) bool {
	for _, d := range detected {
		if !d.Mandatory {
			return false
		}
	}
	return true
}

func metadataString(meta map[string]any, key, fallback string) string {
	if s, ok := meta[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// metadataCompletions reads metadata["completions"][capID] as a number.
func metadataCompletions(meta map[string]any, capID string) int {
	m, ok := meta["completions"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := m[capID].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// metadataValidated reads metadata["validated_capabilities"] membership.
func metadataValidated(meta map[string]any, capID string) bool {
	list, ok := meta["validated_capabilities"].([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if s, ok := v.(string); ok && s == capID {
			return true
		}
	}
	return false
}
