// Package ratelimit provides the rate limit governor: per-tenant and global
// request limit policies with IP allow/deny lists, plus token bucket middleware
// for the control-plane API itself.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orchardhq/orchard/internal/metrics"
)

// Config configures the token bucket limiter.
type Config struct {
	// RequestsPerMinute is the max requests per key per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec average
		BurstSize:         10, // Allow bursts of 10
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.RWMutex
	clients map[string]*clientState
	stop    chan struct{}
}

type clientState struct {
	tokens       float64
	lastCheck    time.Time
	blockedUntil time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			cutoff := now.Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) && now.After(state.blockedUntil) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.AllowRate(key, l.cfg.RequestsPerMinute, l.cfg.BurstSize)
}

// AllowRate checks a request against a per-key rate, for buckets whose limit
// comes from resolved policy rather than the limiter's own config.
func (l *Limiter) AllowRate(key string, rpm, burst int) bool {
	allowed, _ := l.AllowPolicy(key, rpm, burst, 0)
	return allowed
}

// AllowPolicy checks a request against a per-key rate with an optional penalty:
// when blockSeconds is positive, an exhausted bucket locks the key out for that
// long instead of recovering token by token. The second return is the seconds
// to wait before retrying; it is zero when the request is allowed.
func (l *Limiter) AllowPolicy(key string, rpm, burst, blockSeconds int) (bool, int) {
	if burst < 1 {
		burst = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(burst - 1),
			lastCheck: now,
		}
		return true, 0
	}

	if now.Before(state.blockedUntil) {
		return false, retryAfter(state.blockedUntil.Sub(now))
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(rpm) / 60.0
	state.tokens += elapsed * tokensPerSecond

	// Cap at burst size
	if state.tokens > float64(burst) {
		state.tokens = float64(burst)
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, 0
	}

	if blockSeconds > 0 {
		state.blockedUntil = now.Add(time.Duration(blockSeconds) * time.Second)
		return false, blockSeconds
	}
	return false, 1
}

// retryAfter rounds a wait up to whole seconds, never below one.
func retryAfter(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Middleware returns a Gin middleware that rate limits by IP
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()

		// Authenticated callers get a bucket per credential, not per IP
		if apiKey := c.GetHeader("Authorization"); apiKey != "" {
			key = "auth:" + apiKey[:min(20, len(apiKey))]
		}

		if !l.Allow(key) {
			metrics.RateLimitRejectionsTotal.WithLabelValues(string(LimitAPI)).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// MiddlewareWithConfig creates middleware with custom config
func MiddlewareWithConfig(cfg Config) gin.HandlerFunc {
	limiter := New(cfg)
	return limiter.Middleware()
}

// TenantHeader carries the tenant id on requests proxied from the data plane.
const TenantHeader = "X-Tenant-ID"

// TenantMiddleware enforces resolved per-tenant API limits. Requests without
// a tenant header fall through untouched; the plain IP middleware still
// applies to those. Denied IPs are rejected outright, allowed IPs skip the
// bucket, everyone else spends a token at the tenant's resolved rate.
func (l *Limiter) TenantMiddleware(g *Governor) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(TenantHeader)
		if tenantID == "" {
			c.Next()
			return
		}

		eff, err := g.Resolve(c.Request.Context(), tenantID, LimitAPI)
		if err != nil {
			// Resolution failure never blocks traffic.
			c.Next()
			return
		}

		switch eff.Allowed(c.ClientIP()) {
		case DecisionDeny:
			metrics.RateLimitRejectionsTotal.WithLabelValues(string(LimitAPI)).Inc()
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "ip_denied",
				"message": "This address is not permitted for the tenant.",
			})
			c.Abort()
			return
		case DecisionBypass:
			c.Next()
			return
		}

		if !eff.Enforced() {
			c.Next()
			return
		}

		rpm := eff.Config.RPM()
		allowed, wait := l.AllowPolicy("tenant:"+tenantID, rpm, eff.Config.BurstSize, eff.Config.BlockDurationSeconds)
		if !allowed {
			metrics.RateLimitRejectionsTotal.WithLabelValues(string(LimitAPI)).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": wait,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
