package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// authMiddleware guards the ops server's /stats endpoint with the
// OpsAuthToken Bearer token. /health and /metrics stay open so health checkers and
// Prometheus scrapers need no credentials. The protocol listener is never
// authenticated. With no token configured the middleware is a no-op.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.OpsAuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.OpsAuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, open := unauthenticatedPaths[r.URL.Path]; open {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// unauthenticatedPaths are the ops endpoints served without a token.
var unauthenticatedPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
