package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newAuthHandler(token string) http.Handler {
	s := &Server{config: Config{OpsAuthToken: token}}
	return s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuthMiddleware_NoToken_NoOp(t *testing.T) {
	rec := httptest.NewRecorder()
	newAuthHandler("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Stats(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid token", header: "Bearer ops-token", want: http.StatusOK},
		{name: "wrong token", header: "Bearer wrong-token", want: http.StatusUnauthorized},
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			newAuthHandler("ops-token").ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddleware_UnauthorizedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	newAuthHandler("ops-token").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "unauthorized", body["error"])
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	handler := newAuthHandler("ops-token")

	for _, path := range []string{"/health", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, http.StatusOK, rec.Code, "path %s should be exempt from auth", path)
		})
	}
}

func TestAuthMiddleware_ExemptionIsExactPath(t *testing.T) {
	rec := httptest.NewRecorder()
	newAuthHandler("ops-token").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/../stats", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
