package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	defaultWritesPerMinute = 60
	defaultIdleTTL         = 10 * time.Minute
)

// RateLimiterConfig sets the per-user budget for write requests. A zero
// PerMinute uses the default; a negative one disables limiting.
type RateLimiterConfig struct {
	PerMinute int
	Burst     int
	IdleTTL   time.Duration
	Clock     func() time.Time
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per user id. Buckets idle for longer than
// IdleTTL are dropped on the next access sweep.
type RateLimiter struct {
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	clock     func() time.Time
	disabled  bool
	lastSweep time.Time

	mu       sync.Mutex
	limiters map[string]*userLimiter
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	perMinute := cfg.PerMinute
	if perMinute == 0 {
		perMinute = defaultWritesPerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = perMinute
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		idleTTL:  idleTTL,
		clock:    clock,
		disabled: perMinute < 0,
		limiters: make(map[string]*userLimiter),
	}
}

// Allow consumes one token for userID.
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.disabled {
		return true
	}
	now := rl.clock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastSweep) > rl.idleTTL {
		for key, entry := range rl.limiters {
			if now.Sub(entry.lastAccess) > rl.idleTTL {
				delete(rl.limiters, key)
			}
		}
		rl.lastSweep = now
	}
	entry, ok := rl.limiters[userID]
	if !ok {
		entry = &userLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[userID] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

// Len returns the number of tracked users.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Middleware answers 429 with Retry-After once the session user runs out of tokens.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := sessionClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.session.invalid"})
			return
		}
		if rl.Allow(claims.UserID()) {
			c.Next()
			return
		}
		retryAfter := 1
		if rl.limit > 0 {
			retryAfter = int(math.Ceil(1.0 / float64(rl.limit)))
		}
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate_limited",
			"code":  "server.rate_limit_exceeded",
		})
	}
}
