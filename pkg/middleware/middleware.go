package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/nextrade-api/internal/auth"
	"github.com/ksred/nextrade-api/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller and route.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limitFor func(path string) (rate.Limit, int)
}

var (
	// Configure limits per endpoint type
	authLimit     = rate.Limit(10.0 / 60.0)  // 10 requests per minute
	chatLimit     = rate.Limit(30.0 / 60.0)  // 30 requests per minute
	approvalLimit = rate.Limit(60.0 / 60.0)  // 60 requests per minute
	readLimit     = rate.Limit(600.0 / 60.0) // 600 requests per minute
)

func defaultLimits(path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 1
	case strings.HasPrefix(path, "/api/v1/chat"):
		return chatLimit, 3
	case strings.HasPrefix(path, "/api/v1/approve"):
		return approvalLimit, 3
	case strings.HasPrefix(path, "/api/v1/"):
		return readLimit, 10
	default:
		return rate.Inf, 1 // No limit for other paths
	}
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limitFor: defaultLimits,
	}
}

func (rl *RateLimiter) get(path, caller string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := caller + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		limit, burst := rl.limitFor(path)
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops idle visitors every minute until ctx is done.
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("userID")
		if caller == "" {
			caller = c.ClientIP()
		}

		if !rl.get(c.FullPath(), caller).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and sets "userID" and "claims" on the
// context.
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("userID", claims.UserID)
		c.Next()
	}
}

// RequirePermission rejects callers whose token lacks permission with 403.
// It must run after JWTAuth.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Get("claims")
		if !ok {
			response.Unauthorized(c, "Missing credentials")
			c.Abort()
			return
		}
		if cl, ok := claims.(*auth.Claims); !ok || !cl.HasPermission(permission) {
			response.Forbidden(c, "Token lacks the "+permission+" permission")
			c.Abort()
			return
		}
		c.Next()
	}
}
