//go:build property

package token

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Attenuation must be monotone: whatever the requested token asks for,
// a successful child never holds authority its parent lacked.
func TestAttenuationMonotone(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	e := NewEngine()

	properties.Property("child scopes and actions are subsets of parent", prop.ForAll(
		func(parentScopes, childScopes, parentActions, childActions []string) bool {
			parent := &contracts.PermissionToken{
				TokenID:   "p",
				Scopes:    parentScopes,
				Actions:   parentActions,
				ExpiresAt: time.Now().Add(time.Hour),
			}
			child, err := e.Attenuate(parent, &contracts.PermissionToken{
				Scopes:  childScopes,
				Actions: childActions,
			})
			if err != nil {
				return true
			}
			for _, s := range child.Scopes {
				if !scopeCovered(parent.Scopes, s) {
					return false
				}
			}
			for _, a := range child.Actions {
				if !actionCovered(parent.Actions, a) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("child expiry never exceeds parent expiry", prop.ForAll(
		func(offsetMinutes int64) bool {
			parentExpiry := time.Now().Add(time.Hour)
			parent := &contracts.PermissionToken{
				TokenID:   "p",
				Scopes:    []string{"a"},
				Actions:   []string{"read"},
				ExpiresAt: parentExpiry,
			}
			child, err := e.Attenuate(parent, &contracts.PermissionToken{
				Scopes:    []string{"a"},
				Actions:   []string{"read"},
				ExpiresAt: parentExpiry.Add(time.Duration(offsetMinutes) * time.Minute),
			})
			if err != nil {
				return true
			}
			return !child.ExpiresAt.After(parentExpiry)
		},
		gen.Int64Range(-120, 120),
	))

	properties.Property("depth always increments by one", prop.ForAll(
		func(depth int) bool {
			parent := &contracts.PermissionToken{
				TokenID:         "p",
				Scopes:          []string{"a"},
				Actions:         []string{"read"},
				DelegationDepth: depth,
				ExpiresAt:       time.Now().Add(time.Hour),
			}
			child, err := e.Attenuate(parent, &contracts.PermissionToken{
				Scopes:  []string{"a"},
				Actions: []string{"read"},
			})
			if err != nil {
				return true
			}
			return child.DelegationDepth == depth+1
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
