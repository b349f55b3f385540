package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ec-settlement/internal/auth"
	"github.com/example/ec-settlement/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenService() (*auth.TokenService, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return auth.NewTokenService("test-secret-key", "ec-settlement", 15*time.Minute, clk), clk
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// ============================================
// Auth Middleware Tests
// ============================================

func TestAuthMiddleware_ValidToken(t *testing.T) {
	tokens, _ := newTestTokenService()
	token, _, err := tokens.Issue("op-7", auth.RoleAdmin)
	require.NoError(t, err)

	var captured *auth.Claims
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	AuthMiddleware(tokens)(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)
	assert.Equal(t, "op-7", captured.OperatorID)
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	tokens, _ := newTestTokenService()

	req := httptest.NewRequest(http.MethodGet, "/admin/orders", nil)
	rec := httptest.NewRecorder()

	AuthMiddleware(tokens)(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")
}

func TestAuthMiddleware_CookieIsIgnored(t *testing.T) {
	tokens, _ := newTestTokenService()
	token, _, err := tokens.Issue("op-7", auth.RoleAdmin)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/orders", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: token})
	rec := httptest.NewRecorder()

	AuthMiddleware(tokens)(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	tokens, clk := newTestTokenService()
	token, _, err := tokens.Issue("op-7", auth.RoleAdmin)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/admin/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	AuthMiddleware(tokens)(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")
}

// ============================================
// Require Role Middleware Tests
// ============================================

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name   string
		claims *auth.Claims
		want   int
	}{
		{"admin", &auth.Claims{OperatorID: "op-1", Role: auth.RoleAdmin}, http.StatusOK},
		{"other role", &auth.Claims{OperatorID: "op-1", Role: "support"}, http.StatusForbidden},
		{"no claims", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.claims != nil {
				ctx = context.WithValue(ctx, OperatorContextKey, tt.claims)
			}
			req := httptest.NewRequest(http.MethodPost, "/admin/sweeps", nil).WithContext(ctx)
			rec := httptest.NewRecorder()

			RequireRole(auth.RoleAdmin)(okHandler()).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

// ============================================
// Helper Functions Tests
// ============================================

func TestActor(t *testing.T) {
	ctx := context.WithValue(context.Background(), OperatorContextKey, &auth.Claims{OperatorID: "op-1", Role: auth.RoleAdmin})

	assert.Equal(t, "admin:op-1", Actor(ctx))
	assert.Empty(t, Actor(context.Background()))
}
