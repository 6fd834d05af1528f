// Package auth issues and verifies the JWTs used by the HTTP service. Tokens
// carry the caller's organization so write operations can be scoped to it.
package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
)

type JwtManager struct {
	auth *jwtauth.JWTAuth
}

func NewJwtManager(secret []byte) *JwtManager {
	return &JwtManager{auth: jwtauth.New("HS256", secret, nil)}
}

func (m *JwtManager) Verifier() func(http.Handler) http.Handler {
	return jwtauth.Verifier(m.auth)
}

func (m *JwtManager) Authenticator() func(http.Handler) http.Handler {
	return jwtauth.Authenticator(m.auth)
}

const (
	userKey     = "user"
	ownerOrgKey = "owner_org"
	sysadminKey = "sysadmin"
)

// CreateToken issues a token for a user acting on behalf of one organization.
// Sysadmin tokens may act on any organization.
func (m *JwtManager) CreateToken(user, ownerOrg string, sysadmin bool, exp time.Duration) (string, error) {
	claims := map[string]interface{}{
		userKey:     user,
		ownerOrgKey: ownerOrg,
		sysadminKey: sysadmin,
		"exp":       time.Now().Add(exp),
	}
	_, token, err := m.auth.Encode(claims)
	if err != nil {
		slog.Error("error generating jwt", "error", err)
		return "", fmt.Errorf("error generating access token: %w", err)
	}
	return token, nil
}

// Identity is the verified caller of a request.
type Identity struct {
	User     string
	OwnerOrg string
	Sysadmin bool
}

// CanAccessOrg reports whether the identity may operate on the organization's
// datasets.
func (id Identity) CanAccessOrg(ownerOrg string) bool {
	return id.Sysadmin || id.OwnerOrg == ownerOrg
}

// IdentityFromContext reads the verified claims attached by the Verifier
// middleware.
func IdentityFromContext(r *http.Request) (Identity, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return Identity{}, fmt.Errorf("error retrieving auth claims: %w", err)
	}

	user, ok := claims[userKey].(string)
	if !ok {
		return Identity{}, fmt.Errorf("invalid token: missing %v claim", userKey)
	}
	ownerOrg, _ := claims[ownerOrgKey].(string)
	sysadmin, _ := claims[sysadminKey].(bool)

	return Identity{User: user, OwnerOrg: ownerOrg, Sysadmin: sysadmin}, nil
}
