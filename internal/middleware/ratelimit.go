package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/config"
)

// rateSource is the cache slice the limiter counts through.
type rateSource interface {
	RateWindow(ctx context.Context, scope, key string, window time.Duration) (count int64, reset time.Duration, err error)
}

// RateLimiter throttles per client. The shared fixed window in the cache is
// authoritative; when the cache degrades the limiter falls back to
// per-process token buckets, so one replica admits at most its own share.
type RateLimiter struct {
	source rateSource
	cfg    config.RateLimitConfig
	log    *logrus.Logger

	mu      sync.Mutex
	buckets map[string]*localBucket
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter wires the limiter. source may be nil, which pins every
// decision to the local fallback.
func NewRateLimiter(source rateSource, cfg config.RateLimitConfig, log *logrus.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &RateLimiter{
		source:  source,
		cfg:     cfg,
		log:     log,
		buckets: make(map[string]*localBucket),
	}
}

// Middleware enforces the limit for every request outside the probe paths.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	exempt := map[string]struct{}{
		"/health":       {},
		"/health/ready": {},
		"/metrics":      {},
	}
	return func(c *gin.Context) {
		if _, ok := exempt[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		key := clientKey(c)

		allowed, remaining, reset := rl.check(c.Request.Context(), key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(reset).Unix(), 10))
		if !allowed {
			Abort(c, apperrors.RateLimited(reset))
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) check(ctx context.Context, key string) (allowed bool, remaining int, reset time.Duration) {
	if rl.source != nil {
		count, windowReset, err := rl.source.RateWindow(ctx, "http", key, rl.cfg.Window)
		if err == nil {
			remaining = rl.cfg.RequestsPerMinute - int(count)
			if remaining < 0 {
				remaining = 0
			}
			return int(count) <= rl.cfg.RequestsPerMinute, remaining, windowReset
		}
		rl.log.WithError(err).WithField("client", key).Warn("rate window degraded, using local limiter")
	}
	return rl.checkLocal(key)
}

// checkLocal admits through a per-key token bucket refilling at the
// configured rate. Remaining is an estimate; the bucket has no window edge.
func (rl *RateLimiter) checkLocal(key string) (bool, int, time.Duration) {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		perSecond := rate.Limit(float64(rl.cfg.RequestsPerMinute) / rl.cfg.Window.Seconds())
		b = &localBucket{limiter: rate.NewLimiter(perSecond, rl.cfg.RequestsPerMinute)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.pruneLocked(b.lastSeen)
	rl.mu.Unlock()

	if !b.limiter.Allow() {
		return false, 0, rl.cfg.Window
	}
	return true, int(b.limiter.Tokens()), rl.cfg.Window
}

// pruneLocked drops buckets idle for two windows so abandoned clients do not
// accumulate.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	if len(rl.buckets) < 1024 {
		return
	}
	cutoff := now.Add(-2 * rl.cfg.Window)
	for k, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

// clientKey prefers the explicit client header so workers and UI sessions
// get their own windows behind a shared NAT.
func clientKey(c *gin.Context) string {
	if id := c.GetHeader("X-Client-ID"); id != "" {
		return "client:" + id
	}
	return "ip:" + c.ClientIP()
}
