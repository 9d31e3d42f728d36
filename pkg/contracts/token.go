package contracts

import "time"

// PermissionToken carries the delegated authority attached to a contract.
// Resources use glob patterns; a "!" prefix marks an exclusion.
type PermissionToken struct {
	TokenID         string    `json:"token_id"`
	Scopes          []string  `json:"scopes"`
	Actions         []string  `json:"actions"`
	Resources       []string  `json:"resources"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	DelegationDepth int       `json:"delegation_depth"`

	// Constraints holds numeric limits (e.g. "max_value"). Attenuation
	// merges them by taking the minimum of parent and child.
	Constraints map[string]float64 `json:"constraints,omitempty"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *PermissionToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Clone returns a deep copy of the token.
func (t *PermissionToken) Clone() *PermissionToken {
	if t == nil {
		return nil
	}
	c := *t
	c.Scopes = append([]string(nil), t.Scopes...)
	c.Actions = append([]string(nil), t.Actions...)
	c.Resources = append([]string(nil), t.Resources...)
	if t.Constraints != nil {
		c.Constraints = make(map[string]float64, len(t.Constraints))
		for k, v := range t.Constraints {
			c.Constraints[k] = v
		}
	}
	return &c
}
