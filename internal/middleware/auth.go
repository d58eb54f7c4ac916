package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/hongminglow/coop-ledger/internal/auth"
	"github.com/hongminglow/coop-ledger/internal/http/respond"
)

type callerKey struct{}

// TokenParser verifies bearer tokens.
type TokenParser interface {
	Parse(raw string) (auth.Claims, error)
}

// Authenticate rejects requests without a valid bearer token and stores the
// caller in the request context.
func Authenticate(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				respond.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := tokens.Parse(strings.TrimSpace(raw))
			if err != nil {
				respond.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), claims)))
		})
	}
}

// RequireAdmin only lets admin callers through. It must run after
// Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := CallerFrom(r.Context())
		if !ok || c.Role != auth.RoleAdmin {
			respond.Error(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, c auth.Claims) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored by Authenticate.
func CallerFrom(ctx context.Context) (auth.Claims, bool) {
	c, ok := ctx.Value(callerKey{}).(auth.Claims)
	return c, ok
}
