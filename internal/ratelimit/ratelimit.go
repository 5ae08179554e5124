// Package ratelimit provides rate limiting middleware for the PharmaHub API.
//
// Two limits exist: a per-IP limit in front of every route and a per-tenant
// limit taken from the plan's calls-per-minute quota.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/pharmahub/internal/plans"
	"github.com/mbd888/pharmahub/internal/tenantdb"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per IP per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks token buckets by key. Each key may carry its own rate.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	limiter   *rate.Limiter
	perMinute int64
	lastSeen  time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
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
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow checks a request against the default per-key limit.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, int64(l.cfg.RequestsPerMinute), l.cfg.BurstSize)
}

// AllowN checks a request against a limit of perMinute with the given burst.
// A changed limit for an existing key takes effect immediately.
func (l *Limiter) AllowN(key string, perMinute int64, burst int) bool {
	if burst < 1 {
		burst = 1
	}
	now := time.Now()
	every := rate.Limit(float64(perMinute) / 60.0)

	l.mu.Lock()
	state, ok := l.clients[key]
	if !ok {
		state = &clientState{limiter: rate.NewLimiter(every, burst), perMinute: perMinute}
		l.clients[key] = state
	} else if state.perMinute != perMinute {
		state.limiter.SetLimitAt(now, every)
		state.limiter.SetBurstAt(now, burst)
		state.perMinute = perMinute
	}
	state.lastSeen = now
	lim := state.limiter
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Middleware returns a Gin middleware that rate limits by IP
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow("ip:" + c.ClientIP()) {
			rejected.WithLabelValues("ip").Inc()
			tooMany(c, int64(l.cfg.RequestsPerMinute))
			return
		}
		c.Next()
	}
}

// PlanLookup resolves the plan whose quota applies to a tenant.
type PlanLookup interface {
	Get(ctx context.Context, id string) (*plans.Plan, error)
}

// TenantMiddleware limits each tenant to its plan's API calls per minute.
// It must run after the tenantdb middleware. Unlimited plans pass through.
func (l *Limiter) TenantMiddleware(lookup PlanLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		t := tenantdb.TenantFrom(c)
		if t == nil {
			c.Next()
			return
		}
		plan, err := lookup.Get(c.Request.Context(), t.PlanID)
		if err != nil || plan.Quotas.MaxAPICallsPerMinute == plans.Unlimited {
			c.Next()
			return
		}

		perMinute := plan.Quotas.MaxAPICallsPerMinute
		if !l.AllowN("tenant:"+t.ID, perMinute, int(perMinute)) {
			rejected.WithLabelValues("tenant").Inc()
			tooMany(c, perMinute)
			return
		}
		c.Next()
	}
}

func tooMany(c *gin.Context, perMinute int64) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(perMinute, 10))
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "RATE_LIMITED",
		"message":     "Too many requests. Please slow down.",
		"retry_after": 1,
	})
}
