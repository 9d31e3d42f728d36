package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Claims is the JWT wire form of a permission token.
type Claims struct {
	Scopes          []string           `json:"scopes"`
	Actions         []string           `json:"actions"`
	Resources       []string           `json:"resources"`
	DelegationDepth int                `json:"delegation_depth"`
	Constraints     map[string]float64 `json:"constraints,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and parses permission tokens for transport between agents.
type Codec struct {
	secret []byte
	issuer string
}

// NewCodec creates a codec with an HMAC signing secret.
func NewCodec(secret []byte, issuer string) *Codec {
	return &Codec{secret: secret, issuer: issuer}
}

// Mint serializes a permission token as a signed JWT.
func (c *Codec) Mint(t *contracts.PermissionToken) (string, error) {
	claims := Claims{
		Scopes:          t.Scopes,
		Actions:         t.Actions,
		Resources:       t.Resources,
		DelegationDepth: t.DelegationDepth,
		Constraints:     t.Constraints,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.TokenID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Parse verifies a signed wire token and reconstructs the permission token.
func (c *Codec) Parse(raw string) (*contracts.PermissionToken, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, contracts.ErrInvalidRequest("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithIssuer(c.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, contracts.ErrInvalidRequest("invalid permission token").WithCause(err)
	}
	if !parsed.Valid {
		return nil, contracts.ErrInvalidRequest("permission token failed validation")
	}

	t := &contracts.PermissionToken{
		TokenID:         claims.ID,
		Scopes:          claims.Scopes,
		Actions:         claims.Actions,
		Resources:       claims.Resources,
		DelegationDepth: claims.DelegationDepth,
		Constraints:     claims.Constraints,
	}
	if claims.IssuedAt != nil {
		t.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		t.ExpiresAt = claims.ExpiresAt.Time
	}
	return t, nil
}

// MintAttenuated attenuates parent for the requested grant and immediately
// signs the resulting child.
func (c *Codec) MintAttenuated(e *Engine, parent, requested *contracts.PermissionToken) (string, *contracts.PermissionToken, error) {
	child, err := e.Attenuate(parent, requested)
	if err != nil {
		return "", nil, err
	}
	if child.ExpiresAt.IsZero() {
		// JWT wire tokens always expire.
		child.ExpiresAt = time.Now().UTC().Add(24 * time.Hour)
	}
	raw, err := c.Mint(child)
	if err != nil {
		return "", nil, err
	}
	return raw, child, nil
}
