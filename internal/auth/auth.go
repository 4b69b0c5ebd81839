// Package auth provides the identity source for the per-user rate
// dimension and the token gate in front of the admin surface. Both are
// deliberately simple; real deployments swap in their own
// authenticator and only need to populate the same context key.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey int

const keyIdentity ctxKey = 0

// WithIdentity injects an authenticated identity into the context.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFrom extracts the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyIdentity)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// Store maps API-key secrets to stable identities.
type Store struct {
	header   string
	bySecret map[string]string
}

// NewStatic builds a static in-memory store. header names the HTTP
// header carrying the secret (default X-API-Key).
func NewStatic(header string, pairs map[string]string) *Store {
	if header == "" {
		header = "X-API-Key"
	}
	return &Store{header: header, bySecret: pairs}
}

// Middleware resolves the caller's identity from the API-key header
// and stores it in the request context. Requests without a key pass
// through anonymously; the limiter then skips the user dimension for
// them. A key that is present but unknown is rejected.
func (s *Store) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := strings.TrimSpace(r.Header.Get(s.header))
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := s.bySecret[secret]
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// AdminGate rejects requests whose token header does not match. An
// empty configured token disables the admin surface entirely.
func AdminGate(header, token string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-Admin-Token"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeJSON(w, http.StatusForbidden, "admin_disabled", "Admin API is not configured")
				return
			}
			got := strings.TrimSpace(r.Header.Get(header))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, "invalid_admin_token", "Admin token not recognized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
