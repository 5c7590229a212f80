package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/nextrade-api/internal/auth"
)

func newRouter(authService *auth.Service, rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(JWTAuth(authService), rl.Middleware())
	api.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("userID"))
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	authService := auth.NewService("secret")
	authService.RegisterAPICredentials("k", "s", "alice")
	tok, _ := authService.GenerateToken(auth.Credentials{APIKey: "k", APISecret: "s"})
	r := newRouter(authService, NewRateLimiter())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + tok.Token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + tok.Token, http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && w.Body.String() != "alice" {
				t.Errorf("userID = %q", w.Body.String())
			}
		})
	}
}

func TestRateLimiter_PerUser(t *testing.T) {
	authService := auth.NewService("secret")
	authService.RegisterAPICredentials("a", "s", "alice")
	authService.RegisterAPICredentials("b", "s", "bob")
	alice, _ := authService.GenerateToken(auth.Credentials{APIKey: "a", APISecret: "s"})
	bob, _ := authService.GenerateToken(auth.Credentials{APIKey: "b", APISecret: "s"})

	rl := NewRateLimiter()
	rl.limitFor = func(string) (rate.Limit, int) { return rate.Every(1 << 62), 2 }
	r := newRouter(authService, rl)

	call := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := call(alice.Token); code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, code)
		}
	}
	if code := call(alice.Token); code != http.StatusTooManyRequests {
		t.Fatalf("over limit status = %d, want 429", code)
	}
	if code := call(bob.Token); code != http.StatusOK {
		t.Fatalf("bob limited by alice's bucket: %d", code)
	}
}

func TestRequirePermission(t *testing.T) {
	gin.SetMode(gin.TestMode)
	withClaims := func(perms ...string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set("claims", &auth.Claims{UserID: "alice", Permissions: perms})
			c.Next()
		}
	}
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }

	tests := []struct {
		name  string
		chain []gin.HandlerFunc
		want  int
	}{
		{"granted", []gin.HandlerFunc{withClaims(auth.PermissionChat, auth.PermissionTrade), RequirePermission(auth.PermissionTrade), ok}, http.StatusOK},
		{"missing permission", []gin.HandlerFunc{withClaims(auth.PermissionChat), RequirePermission(auth.PermissionTrade), ok}, http.StatusForbidden},
		{"no claims", []gin.HandlerFunc{RequirePermission(auth.PermissionChat), ok}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/approve", tt.chain...)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/approve", nil))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
