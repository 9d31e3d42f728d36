// Package token derives strictly-narrower permission tokens across
// delegation boundaries. A child token may never widen its parent: scopes,
// actions, and resources must each be subsets, and expiry only shrinks.
package token

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Engine attenuates permission tokens.
type Engine struct{}

// NewEngine creates an attenuation engine.
func NewEngine() *Engine { return &Engine{} }

// scopeCovered reports whether scope is equal to or nested under any parent
// scope (dotted prefix inclusion: "repo.docs" covers "repo.docs.write").
func scopeCovered(parentScopes []string, scope string) bool {
	for _, p := range parentScopes {
		if p == scope || strings.HasPrefix(scope, p+".") {
			return true
		}
	}
	return false
}

func actionCovered(parentActions []string, action string) bool {
	for _, a := range parentActions {
		if a == action {
			return true
		}
	}
	return false
}

// globCovers reports whether the parent glob pattern admits every resource
// the child pattern can name. Equality always covers; a trailing-star parent
// covers any child sharing the prefix; otherwise the child must be a literal
// matched by the parent pattern.
func globCovers(parent, child string) bool {
	if parent == child {
		return true
	}
	if strings.HasSuffix(parent, "*") && !strings.ContainsAny(strings.TrimSuffix(parent, "*"), "*?[") {
		return strings.HasPrefix(child, strings.TrimSuffix(parent, "*"))
	}
	if strings.ContainsAny(child, "*?[") {
		// A wildcard child under a non-wildcard parent names more than the
		// parent admits.
		return false
	}
	ok, err := path.Match(parent, child)
	return err == nil && ok
}

// splitResources partitions resource patterns into positives and negations
// (the "!"-prefixed exclusions, returned without the prefix).
func splitResources(resources []string) (positives, negations []string) {
	for _, r := range resources {
		if strings.HasPrefix(r, "!") {
			negations = append(negations, strings.TrimPrefix(r, "!"))
		} else {
			positives = append(positives, r)
		}
	}
	return positives, negations
}

func resourceCovered(parentPositives []string, resource string) bool {
	for _, p := range parentPositives {
		if globCovers(p, resource) {
			return true
		}
	}
	return false
}

// Attenuate derives the child token authorized by parent for the requested
// grant. The result is normalized: depth is parent+1, expiry never exceeds
// the parent's, parent resource negations are preserved, and numeric
// constraints merge by minimum. Any widening yields a typed
// PermissionAttenuationViolation.
func (e *Engine) Attenuate(parent, requested *contracts.PermissionToken) (*contracts.PermissionToken, error) {
	if parent == nil {
		return nil, contracts.ErrPermissionAttenuation("parent token is required")
	}
	if requested == nil {
		return nil, contracts.ErrPermissionAttenuation("requested child token is required")
	}

	for _, s := range requested.Scopes {
		if !scopeCovered(parent.Scopes, s) {
			return nil, contracts.ErrPermissionAttenuation(
				"scope %q is not covered by the parent token", s)
		}
	}
	for _, a := range requested.Actions {
		if !actionCovered(parent.Actions, a) {
			return nil, contracts.ErrPermissionAttenuation(
				"action %q is not covered by the parent token", a)
		}
	}

	parentPos, parentNeg := splitResources(parent.Resources)
	childPos, childNeg := splitResources(requested.Resources)
	for _, r := range childPos {
		if len(parentPos) > 0 && !resourceCovered(parentPos, r) {
			return nil, contracts.ErrPermissionAttenuation(
				"resource %q is not covered by the parent token", r)
		}
	}

	child := requested.Clone()
	if child.TokenID == "" {
		child.TokenID = uuid.New().String()
	}
	child.DelegationDepth = parent.DelegationDepth + 1
	if child.IssuedAt.IsZero() {
		child.IssuedAt = time.Now().UTC()
	}

	// Expiry only shrinks.
	if child.ExpiresAt.IsZero() || (!parent.ExpiresAt.IsZero() && child.ExpiresAt.After(parent.ExpiresAt)) {
		child.ExpiresAt = parent.ExpiresAt
	}

	// Parent negations carry into the child, deduplicated.
	negSeen := make(map[string]bool, len(childNeg)+len(parentNeg))
	merged := make([]string, 0, len(childPos)+len(childNeg)+len(parentNeg))
	merged = append(merged, childPos...)
	for _, n := range append(childNeg, parentNeg...) {
		if negSeen[n] {
			continue
		}
		negSeen[n] = true
		merged = append(merged, "!"+n)
	}
	child.Resources = merged

	// Numeric constraints merge by minimum; parent-only constraints carry.
	if len(parent.Constraints) > 0 {
		if child.Constraints == nil {
			child.Constraints = make(map[string]float64, len(parent.Constraints))
		}
		for k, pv := range parent.Constraints {
			cv, ok := child.Constraints[k]
			if !ok || pv < cv {
				child.Constraints[k] = pv
			}
		}
	}

	return child, nil
}

// Verify checks an existing parent/child pair without normalizing.
func (e *Engine) Verify(parent, child *contracts.PermissionToken) error {
	if child.DelegationDepth != parent.DelegationDepth+1 {
		return contracts.ErrPermissionAttenuation(
			"child depth %d is not parent depth %d + 1", child.DelegationDepth, parent.DelegationDepth)
	}
	if !parent.ExpiresAt.IsZero() && child.ExpiresAt.After(parent.ExpiresAt) {
		return contracts.ErrPermissionAttenuation("child token expires after its parent")
	}
	_, err := e.Attenuate(parent, child)
	return err
}
