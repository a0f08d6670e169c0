package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerToken extracts the credential from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

// tokenMatches compares in constant time. An empty configured token disables auth.
func tokenMatches(configured, candidate string) bool {
	if configured == "" {
		return true
	}
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(configured)) == 1
}

// RequireToken rejects requests without the configured bearer token.
// /healthz stays open so supervisors can poll it without credentials.
func RequireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !tokenMatches(token, BearerToken(r)) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
