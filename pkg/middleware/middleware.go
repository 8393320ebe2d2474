package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const RequestIDKey = "request_id"

// Authenticator resolves a bearer token to an actor.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Actor, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits per route prefix. Paths not listed are unlimited.
var (
	authLimit  = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	userLimit  = rate.Limit(120.0 / 60.0)  // 120 requests per minute
	adminLimit = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// RateLimiter keeps one token bucket per client and route.
type RateLimiter struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	lastCleanup time.Time
	limitFor    func(path string) rate.Limit
	burst       int
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors:    make(map[string]*visitor),
		lastCleanup: time.Now(),
		limitFor:    defaultLimit,
		burst:       5,
	}
}

func defaultLimit(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case strings.HasPrefix(path, "/api/v1/admin"):
		return adminLimit
	case strings.HasPrefix(path, "/api/v1/stream"):
		return rate.Inf
	case strings.HasPrefix(path, "/api/v1"):
		return userLimit
	default:
		return rate.Inf
	}
}

func (rl *RateLimiter) getLimiter(path, clientKey string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > time.Minute {
		for key, v := range rl.visitors {
			if now.Sub(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, key)
			}
		}
		rl.lastCleanup = now
	}

	key := clientKey + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limitFor(path), rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware limits by authenticated account when known, else by client IP.
// On protected groups it must run after JWTAuth for the account to be known.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.ClientIP()
		if actor, ok := auth.ActorFromContext(c); ok {
			clientKey = actor.ID
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !rl.getLimiter(path, clientKey).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth authenticates the bearer token and stores the actor on the
// context. The token may also be passed as a "token" query parameter for
// clients that cannot set headers (EventSource).
func JWTAuth(authenticator Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if header := c.GetHeader("Authorization"); header != "" {
			bearerToken := strings.Split(header, " ")
			if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
				response.Unauthorized(c, "Invalid authorization header format")
				c.Abort()
				return
			}
			tokenString = bearerToken[1]
		}
		if tokenString == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		actor, err := authenticator.Authenticate(c.Request.Context(), tokenString)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountBlocked) {
				response.Handle(c, nil, err)
			} else {
				response.Unauthorized(c, "Invalid token")
			}
			c.Abort()
			return
		}

		auth.SetActor(c, actor)
		c.Next()
	}
}

// RequireAdmin must run after JWTAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			c.Abort()
			return
		}
		if !actor.IsAdmin() {
			response.Forbidden(c, "Admin access required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger logs each request with its latency and status.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}

		actorID := ""
		if actor, ok := auth.ActorFromContext(c); ok {
			actorID = actor.ID
		}

		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Str("actor_id", actorID).
			Int("status", status).
			Int("size", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}
