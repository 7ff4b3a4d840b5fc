package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	sweepInterval = 5 * time.Minute
	bucketIdle    = 10 * time.Minute
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int // burst size
}

type rateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*tokenBucket
	rps       int
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = cfg.RPS
	}
	return &rateLimiter{
		clients:   make(map[string]*tokenBucket),
		rps:       cfg.RPS,
		burst:     burst,
		now:       time.Now,
		lastSweep: time.Now(),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > sweepInterval {
		for k, b := range rl.clients {
			if now.Sub(b.lastRefill) > bucketIdle {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.clients[key]
	if !ok {
		b = &tokenBucket{
			tokens:     float64(rl.burst),
			maxTokens:  float64(rl.burst),
			refillRate: float64(rl.rps),
			lastRefill: now,
		}
		rl.clients[key] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// NewRateLimitMiddleware returns a per-client token-bucket rate limiter.
// Probe endpoints are never limited.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	return newRateLimiter(cfg).middleware
}

func (rl *rateLimiter) middleware(c *fiber.Ctx) error {
	if isProbe(c.Path()) {
		return c.Next()
	}
	if !rl.allow(c.IP()) {
		c.Set(fiber.HeaderRetryAfter, "1")
		return problemResponse(c, fiber.StatusTooManyRequests,
			"rate_limit_exceeded", "Too Many Requests",
			"Rate limit exceeded. Please try again later.")
	}
	return c.Next()
}
