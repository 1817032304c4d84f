package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-gate/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits configures requests per minute per caller and route group
type Limits struct {
	Auth    float64
	Orders  float64
	Queries float64
	Burst   int
}

// DefaultLimits returns the production rate limits
func DefaultLimits() Limits {
	return Limits{
		Auth:    10,
		Orders:  100,
		Queries: 1000,
		Burst:   5,
	}
}

// RateLimiter throttles each caller per route group
type RateLimiter struct {
	limits Limits

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter creates a limiter. Idle visitors are dropped by Sweep.
func NewRateLimiter(limits Limits) *RateLimiter {
	if limits.Burst < 1 {
		limits.Burst = 1
	}
	return &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*visitor),
	}
}

func (l *RateLimiter) limitFor(method, path string) rate.Limit {
	perMinute := func(n float64) rate.Limit { return rate.Limit(n / 60.0) }
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return perMinute(l.limits.Auth)
	case strings.HasPrefix(path, "/api/v1/orders") && method != "GET":
		return perMinute(l.limits.Orders)
	case strings.HasPrefix(path, "/api/v1/orders"):
		return perMinute(l.limits.Queries)
	default:
		return rate.Inf
	}
}

func (l *RateLimiter) get(method, path, caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := caller + ":" + method + ":" + path
	v, exists := l.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.limitFor(method, path), l.limits.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Sweep removes visitors idle for longer than idle
func (l *RateLimiter) Sweep(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(l.visitors, key)
		}
	}
}

// Middleware rejects callers over their limit with 429. Callers are keyed by
// the authenticated client id, falling back to the remote address.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("clientID")
		if caller == "" {
			caller = c.ClientIP()
		}

		if !l.get(c.Request.Method, c.FullPath(), caller).Allow() {
			log.Warn().Str("client_id", caller).Str("path", c.FullPath()).Msg("rate limit exceeded")
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth verifies the bearer token and exposes its client id as "clientID"
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		clientID, err := extractClientID(c.GetHeader("Authorization"), key)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		c.Set("clientID", clientID)
		c.Next()
	}
}

func extractClientID(header string, key []byte) (string, error) {
	if header == "" {
		return "", fmt.Errorf("authorization header required")
	}
	bearerToken := strings.Split(header, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		return "", fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	clientID, ok := claims["client_id"].(string)
	if !ok || clientID == "" {
		return "", fmt.Errorf("missing required claim: client_id")
	}
	return clientID, nil
}
