package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, scopes []string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
		Scopes: scopes,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAdminOnly(t *testing.T) {
	var gotUser string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := AdminOnly(testSecret)(next)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad signature", "Bearer " + signToken(t, "other", []string{ScopeAdmin}, time.Hour), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, []string{ScopeAdmin}, -time.Minute), http.StatusUnauthorized},
		{"missing scope", "Bearer " + signToken(t, testSecret, []string{"sessions:read"}, time.Hour), http.StatusForbidden},
		{"admin", "Bearer " + signToken(t, testSecret, []string{ScopeAdmin}, time.Hour), http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sessions/reset", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want != http.StatusNoContent {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
	assert.Equal(t, "operator-1", gotUser)
}

func TestAdminOnly_NoSecretIsOpen(t *testing.T) {
	handler := AdminOnly("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
