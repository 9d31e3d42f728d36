// Package bootstrap generates an agent capability manifest from an agent
// definition. Capabilities are inferred from keyword detection over the
// definition text; confidences are initialized from detection strength and
// any recorded completion history.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Definition is the deterministic triple every input form reduces to.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

const frontmatterDelimiter = "---"

// ParseDefinition accepts an agent definition in one of four forms:
// frontmatter-prefixed markdown, a raw JSON document, an already-parsed
// map, or a filesystem path resolving to one of the former.
func ParseDefinition(input any) (*Definition, error) {
	switch v := input.(type) {
	case *Definition:
		return v, nil
	case map[string]any:
		return definitionFromMap(v)
	case []byte:
		return parseText(string(v))
	case string:
		return parseStringInput(v)
	default:
		return nil, contracts.ErrInvalidRequest("unsupported definition input %T", input)
	}
}

// parseStringInput disambiguates a path from inline content. Anything that
// does not parse as content is tried as a path.
func parseStringInput(s string) (*Definition, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, frontmatterDelimiter) {
		return parseText(s)
	}
	data, err := os.ReadFile(s)
	if err != nil {
		return nil, contracts.ErrInvalidRequest("definition is neither inline content nor a readable file: %v", err)
	}
	return parseText(string(data))
}

func parseText(text string) (*Definition, error) {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var raw map[string]any
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return nil, contracts.ErrInvalidRequest("invalid JSON definition: %v", err)
		}
		return definitionFromMap(raw)
	case strings.HasPrefix(trimmed, frontmatterDelimiter):
		return parseFrontmatter(trimmed)
	default:
		return nil, contracts.ErrInvalidRequest("definition must be JSON or frontmatter markdown")
	}
}

// parseFrontmatter splits "--- yaml --- body" and reads the YAML block as
// metadata. The markdown body becomes the description when the metadata
// carries none.
func parseFrontmatter(text string) (*Definition, error) {
	rest := strings.TrimPrefix(text, frontmatterDelimiter)
	idx := strings.Index(rest, "\n"+frontmatterDelimiter)
	if idx < 0 {
		return nil, contracts.ErrInvalidRequest("unterminated frontmatter block")
	}
	head := rest[:idx]
	body := strings.TrimPrefix(rest[idx+1+len(frontmatterDelimiter):], "\n")

	var meta map[string]any
	if err := yaml.Unmarshal([]byte(head), &meta); err != nil {
		return nil, contracts.ErrInvalidRequest("invalid frontmatter YAML: %v", err)
	}

	def, err := definitionFromMap(meta)
	if err != nil {
		return nil, err
	}
	if def.Description == "" {
		def.Description = strings.TrimSpace(body)
	}
	return def, nil
}

func definitionFromMap(raw map[string]any) (*Definition, error) {
	def := &Definition{Metadata: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "name":
			s, ok := v.(string)
			if !ok {
				return nil, contracts.ErrInvalidRequest("definition name must be a string, got %T", v)
			}
			def.Name = s
		case "description":
			if s, ok := v.(string); ok {
				def.Description = s
			}
		case "metadata":
			if m, ok := v.(map[string]any); ok {
				for mk, mv := range m {
					def.Metadata[mk] = mv
				}
			}
		default:
			def.Metadata[k] = v
		}
	}
	if def.Name == "" {
		return nil, contracts.ErrInvalidRequest("definition has no name")
	}
	return def, nil
}

// slug lowercases and joins words with underscores. "PR Review Bot" and
// "pr-review-bot" both reduce to "pr_review_bot".
func slug(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func (d *Definition) String() string {
	return fmt.Sprintf("%s: %s", d.Name, d.Description)
}
