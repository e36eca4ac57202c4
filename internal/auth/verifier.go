// Package auth verifies viewer access tokens.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/elecbits/heartbeat-relay/internal/model"
)

var (
	ErrMissingToken = errors.New("token cannot be empty")
	ErrForbidden    = errors.New("token does not grant this scope")
)

// wildcard grants every tenant, including the all-tenants stream
const wildcard = "*"

// Claims are the viewer token claims. An empty Tenants list grants every
// tenant.
type Claims struct {
	Tenants []string `json:"tenants,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256-signed viewer tokens
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier for the shared secret
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("HS256 requires secret key")
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// VerifyToken verifies a JWT token and returns its claims
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Authorize reports whether claims grant access to scope
func Authorize(claims *Claims, scope model.Scope) error {
	if len(claims.Tenants) == 0 || slices.Contains(claims.Tenants, wildcard) {
		return nil
	}
	if scope.Kind == model.ScopeKindTenant && slices.Contains(claims.Tenants, scope.TenantID) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrForbidden, scope)
}

// TokenFromRequest extracts a bearer token from an Authorization header
// value or falls back to the query token
func TokenFromRequest(authorization, queryToken string) string {
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
		return strings.TrimSpace(authorization[len(prefix):])
	}
	return queryToken
}
