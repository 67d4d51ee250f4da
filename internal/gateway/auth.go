package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware checks the daemon's bearer token. The daemon mints one
// token per data directory and hands it to CLI clients through the token
// file, so there is exactly one valid credential at a time.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware creates an auth middleware for the given token. An
// empty token fails closed: every authenticated route returns 403 until
// the daemon has a credential to check against.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token}
}

// Wrap wraps an http.Handler with bearer token checking. Only /healthz is
// exempt; liveness probes do not carry credentials.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		candidate := ExtractToken(r)
		if candidate == "" {
			writeJSON(w, http.StatusUnauthorized, apiError{
				Error: "missing auth token",
				Code:  http.StatusUnauthorized,
				Kind:  FailTerminal,
			})
			return
		}
		if am.token == "" || subtle.ConstantTimeCompare([]byte(candidate), []byte(am.token)) != 1 {
			writeJSON(w, http.StatusForbidden, apiError{
				Error: "invalid auth token",
				Code:  http.StatusForbidden,
				Kind:  FailTerminal,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken pulls the bearer token from a request. It checks the
// Authorization header first, then the token query param; browsers cannot
// set headers on a WebSocket dial, so /events clients use the query form.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
