// Package auth provides JWT bearer authentication with JWKS key caching
// and tenant role resolution.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrMalformedHeader is returned when the Authorization header or the
	// token itself cannot be parsed.
	ErrMalformedHeader = errors.New("malformed authorization header")
	// ErrUnknownKey is returned when the token's key id is not present in
	// the issuer's key set even after a refetch.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrBadAudience is returned when the aud claim does not match.
	ErrBadAudience = errors.New("invalid token audience")
	// ErrBadIssuer is returned when the iss claim does not match.
	ErrBadIssuer = errors.New("invalid token issuer")
	// ErrMissingTenant is returned when no tenant claim is present.
	ErrMissingTenant = errors.New("token has no tenant claim")
	// ErrInvalidTenant is returned when the tenant claim is not a UUID.
	ErrInvalidTenant = errors.New("invalid tenant claim")
)

// VerifiedPrincipal is the immutable result of a successful verification.
type VerifiedPrincipal struct {
	UserID    string
	Email     string
	TenantID  uuid.UUID
	Role      Role
	ExpiresAt time.Time
	Issuer    string

	// Permissions are the caller's access groups, used to filter which
	// documents retrieval may surface. Empty means unrestricted within
	// the tenant.
	Permissions []string
}

// VerifierConfig holds configuration for the token verifier.
type VerifierConfig struct {
	Issuer   string
	Audience string
	// ClaimNamespace is the URL prefix used by namespaced custom claims,
	// e.g. "https://askdocs.io" yields "https://askdocs.io/tenant_id".
	ClaimNamespace string
}

// Verifier verifies RS256 bearer tokens against a JWKS cache.
type Verifier struct {
	jwks   *JWKSCache
	cfg    VerifierConfig
	parser *jwt.Parser
	logger *slog.Logger
}

// NewVerifier creates a token verifier bound to one issuer and audience.
func NewVerifier(jwks *JWKSCache, cfg VerifierConfig, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		jwks: jwks,
		cfg:  cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithAudience(cfg.Audience),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
		),
		logger: logger,
	}
}

// VerifyBearer verifies a raw "Bearer <token>" header value and resolves
// the acting principal.
func (v *Verifier) VerifyBearer(ctx context.Context, header string) (*VerifiedPrincipal, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, ErrMalformedHeader
	}
	return v.Verify(ctx, strings.TrimSpace(parts[1]))
}

// Verify verifies a raw token string and resolves the acting principal.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*VerifiedPrincipal, error) {
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKey
		}
		return v.jwks.Key(ctx, v.cfg.Issuer, kid)
	})
	if err != nil {
		return nil, mapParseError(err)
	}
	if !token.Valid {
		return nil, ErrMalformedHeader
	}

	tenantID, err := extractTenantID(claims, v.cfg.ClaimNamespace)
	if err != nil {
		return nil, err
	}

	role := v.extractRole(claims)

	exp, _ := claims.GetExpirationTime()
	sub, _ := claims.GetSubject()
	email, _ := claims["email"].(string)

	return &VerifiedPrincipal{
		UserID:      sub,
		Email:       email,
		TenantID:    tenantID,
		Role:        role,
		ExpiresAt:   exp.Time,
		Issuer:      v.cfg.Issuer,
		Permissions: extractPermissions(claims, v.cfg.ClaimNamespace),
	}, nil
}

// mapParseError converts golang-jwt errors into the package's typed errors.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKey), errors.Is(err, ErrJWKSFetch):
		return ErrUnknownKey
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrBadAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrBadIssuer
	default:
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
}

// extractTenantID reads the tenant id claim, trying in order:
// custom:tenant_id, <namespace>/tenant_id, tenant_id.
func extractTenantID(claims jwt.MapClaims, namespace string) (uuid.UUID, error) {
	candidates := []string{
		"custom:tenant_id",
		strings.TrimSuffix(namespace, "/") + "/tenant_id",
		"tenant_id",
	}
	for _, key := range candidates {
		raw, ok := claims[key].(string)
		if !ok || raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, ErrInvalidTenant
		}
		return id, nil
	}
	return uuid.Nil, ErrMissingTenant
}

// extractPermissions reads the caller's access groups using the same
// fallback forms as the tenant claim.
func extractPermissions(claims jwt.MapClaims, namespace string) []string {
	candidates := []string{
		"custom:permissions",
		strings.TrimSuffix(namespace, "/") + "/permissions",
		"permissions",
	}
	for _, key := range candidates {
		raw, ok := claims[key].([]any)
		if !ok {
			continue
		}
		perms := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				perms = append(perms, s)
			}
		}
		if len(perms) > 0 {
			return perms
		}
	}
	return nil
}

// extractRole reads the role claim using the same fallback forms as the
// tenant claim, then the first cognito group. Unknown values default to
// viewer with a warning.
func (v *Verifier) extractRole(claims jwt.MapClaims) Role {
	candidates := []string{
		"custom:role",
		strings.TrimSuffix(v.cfg.ClaimNamespace, "/") + "/role",
		"role",
	}

	var raw string
	for _, key := range candidates {
		if s, ok := claims[key].(string); ok && s != "" {
			raw = s
			break
		}
	}
	if raw == "" {
		if groups, ok := claims["cognito:groups"].([]any); ok && len(groups) > 0 {
			raw, _ = groups[0].(string)
		}
	}
	if raw == "" {
		return RoleViewer
	}

	role, known := ParseRole(raw)
	if !known {
		v.logger.Warn("unknown role in token, defaulting to viewer", "role", raw)
	}
	return role
}
