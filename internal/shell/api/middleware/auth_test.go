package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(m *AuthMiddleware, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func TestAuthMiddleware_NoToken_SkipsAuth(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{})

	rec := serve(m, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Token(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{Token: "s3cret", Public: []string{"/health"}})

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid bearer", "/api/v1/runs", "Bearer s3cret", http.StatusOK},
		{"lowercase scheme", "/api/v1/runs", "bearer s3cret", http.StatusOK},
		{"valid query", "/api/v1/runs/x/events?access_token=s3cret", "", http.StatusOK},
		{"missing", "/api/v1/runs", "", http.StatusUnauthorized},
		{"wrong", "/api/v1/runs", "Bearer nope", http.StatusForbidden},
		{"basic scheme", "/api/v1/runs", "Basic s3cret", http.StatusUnauthorized},
		{"public path", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, serve(m, req).Code)
		})
	}
}

func TestAuthMiddleware_ErrorBody(t *testing.T) {
	m := NewAuthMiddleware(AuthConfig{Token: "s3cret"})

	rec := serve(m, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unauthorized", resp["code"])
}
