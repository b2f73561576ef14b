package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const principalContextKey contextKey = "principal"

// Authenticator returns middleware that verifies the bearer token and
// stores the resulting principal in the request context.
func Authenticator(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := verifier.VerifyBearer(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns middleware that admits only principals whose role
// rank is at least the required role's rank.
func RequireRole(required Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeAuthError(w, r, ErrMalformedHeader)
				return
			}
			if !principal.Role.AtLeast(required) {
				writeEnvelope(w, r, http.StatusForbidden, "FORBIDDEN",
					"requires role "+string(required)+" or higher")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext extracts the verified principal from the context.
func PrincipalFromContext(ctx context.Context) (*VerifiedPrincipal, bool) {
	principal, ok := ctx.Value(principalContextKey).(*VerifiedPrincipal)
	return principal, ok
}

// MustPrincipalFromContext extracts the principal or panics. Handlers
// behind Authenticator may rely on its presence.
func MustPrincipalFromContext(ctx context.Context) *VerifiedPrincipal {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		panic("principal not found in context")
	}
	return principal
}

// writeAuthError maps verification errors onto the uniform error envelope.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := "UNAUTHORIZED"
	if errors.Is(err, ErrExpiredToken) {
		code = "TOKEN_EXPIRED"
	}
	writeEnvelope(w, r, http.StatusUnauthorized, code, err.Error())
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error_code": code,
		"message":    message,
		"request_id": middleware.GetReqID(r.Context()),
	})
}
