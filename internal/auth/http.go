// ABOUTME: HTTP credential extraction and the bearer auth middleware
// ABOUTME: Resolved participant ids are bound to the request context

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ExtractCredential returns the "token" query parameter, falling back to the
// Authorization bearer token.
func ExtractCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, _ := extractBearerToken(r.Header.Get("Authorization"))
	return token
}

// DenyFunc writes the response for a request that failed authentication.
type DenyFunc func(w http.ResponseWriter, r *http.Request, reason string)

// Middleware resolves the bearer token on every request. Unauthenticated
// requests are answered by deny.
func Middleware(resolver IdentityResolver, deny DenyFunc) func(http.Handler) http.Handler {
	if deny == nil {
		deny = func(w http.ResponseWriter, _ *http.Request, reason string) {
			http.Error(w, `{"error":"`+reason+`"}`, http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				deny(w, r, errMsg)
				return
			}
			participantID, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				deny(w, r, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), participantID)))
		})
	}
}
