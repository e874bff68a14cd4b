package mgmt

import (
	"context"
	"net/http"
	"strings"

	"github.com/videowall-io/controlplane/pkg/api"
)

type claimsKey struct{}

// ClaimsFrom returns the verified claims attached to the request context.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Authenticate verifies the bearer token and attaches the claims to the
// request context. Missing or invalid tokens end the request with 401.
func (s *Service) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			api.WriteUnauthorized(w, "missing_authorization")
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			api.WriteUnauthorized(w, "invalid_authorization_scheme")
			return
		}
		claims, err := s.Verifier.Verify(token)
		if err != nil {
			api.WriteUnauthorized(w, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole wraps a handler with a minimum-role check. admin passes every
// check.
func requireRole(role string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			api.WriteUnauthorized(w, "missing_authorization")
			return
		}
		if !claims.HasRole(role) {
			api.WriteForbidden(w, "insufficient_role")
			return
		}
		h(w, r)
	}
}
