package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/ledger"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAuthenticator map[string]auth.Actor

func (s stubAuthenticator) Authenticate(_ context.Context, token string) (auth.Actor, error) {
	if token == "blocked" {
		return auth.Actor{}, ledger.ErrAccountBlocked
	}
	actor, ok := s[token]
	if !ok {
		return auth.Actor{}, errors.New("bad token")
	}
	return actor, nil
}

func newRouter(authenticator Authenticator) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger())
	protected := r.Group("/api/v1")
	protected.Use(JWTAuth(authenticator))
	protected.GET("/me", func(c *gin.Context) {
		actor, _ := auth.ActorFromContext(c)
		c.String(http.StatusOK, actor.ID)
	})
	admin := protected.Group("/admin")
	admin.Use(RequireAdmin())
	admin.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func TestJWTAuthAndRequireAdmin(t *testing.T) {
	authenticator := stubAuthenticator{
		"user-token":  {ID: "ACC_user", Role: ledger.RoleUser},
		"admin-token": {ID: "ACC_admin", Role: ledger.RoleAdmin},
	}
	router := newRouter(authenticator)

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{"missing header", "/api/v1/me", "", http.StatusUnauthorized},
		{"malformed header", "/api/v1/me", "Token abc", http.StatusUnauthorized},
		{"invalid token", "/api/v1/me", "Bearer nope", http.StatusUnauthorized},
		{"blocked account", "/api/v1/me", "Bearer blocked", http.StatusForbidden},
		{"valid user", "/api/v1/me", "Bearer user-token", http.StatusOK},
		{"query token", "/api/v1/me?token=user-token", "", http.StatusOK},
		{"user on admin route", "/api/v1/admin/ping", "Bearer user-token", http.StatusForbidden},
		{"admin on admin route", "/api/v1/admin/ping", "Bearer admin-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestRequestLoggerSetsRequestID(t *testing.T) {
	router := newRouter(stubAuthenticator{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter()
	rl.limitFor = func(string) rate.Limit { return rate.Every(1e12) }
	rl.burst = 2

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/api/v1/auth/login", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/auth/login", nil))
		codes = append(codes, w.Code)
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
}

func TestRateLimitPerAccount(t *testing.T) {
	rl := NewRateLimiter()
	rl.limitFor = func(string) rate.Limit { return rate.Every(1e12) }
	rl.burst = 1

	authenticator := stubAuthenticator{
		"token-a": {ID: "ACC_a", Role: ledger.RoleUser},
		"token-b": {ID: "ACC_b", Role: ledger.RoleUser},
	}
	r := gin.New()
	protected := r.Group("/api/v1")
	protected.Use(JWTAuth(authenticator), rl.Middleware())
	protected.GET("/me", func(c *gin.Context) { c.Status(http.StatusOK) })

	// every request comes from the same client IP
	tests := []struct {
		token      string
		wantStatus int
	}{
		{"token-a", http.StatusOK},
		{"token-b", http.StatusOK},
		{"token-a", http.StatusTooManyRequests},
		{"token-b", http.StatusTooManyRequests},
	}

	for i, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		req.Header.Set("Authorization", "Bearer "+tt.token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tt.wantStatus {
			t.Errorf("request %d (%s) status = %d, want %d", i, tt.token, w.Code, tt.wantStatus)
		}
	}
}

func TestDefaultLimit(t *testing.T) {
	tests := []struct {
		path string
		want rate.Limit
	}{
		{"/api/v1/auth/login", authLimit},
		{"/api/v1/admin/transactions", adminLimit},
		{"/api/v1/transactions", userLimit},
		{"/api/v1/stream", rate.Inf},
		{"/metrics", rate.Inf},
	}
	for _, tt := range tests {
		if got := defaultLimit(tt.path); got != tt.want {
			t.Errorf("defaultLimit(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
