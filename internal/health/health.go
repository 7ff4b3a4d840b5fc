// Package health provides dependency checks behind the liveness and
// readiness endpoints.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for all dependencies.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  map[string]Status
	logger zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]Status),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and caches results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			s := f(checkCtx)
			if s != StatusOK {
				c.logger.Debug().Str("check", n).Str("status", string(s)).Msg("health check not ok")
			}
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	c.cache = results
	c.mu.Unlock()

	return results
}

// Cached returns the results of the last RunAll.
func (c *Checker) Cached() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	ready, _ := c.Report(ctx)
	return ready
}

// Report runs all checks and returns readiness with the per-check results.
func (c *Checker) Report(ctx context.Context) (bool, map[string]Status) {
	results := c.RunAll(ctx)
	for _, s := range results {
		if s == StatusDown {
			return false, results
		}
	}
	return true, results
}

// GatewayProbe reports whether the duplex channel is up.
type GatewayProbe interface {
	IsConnected() bool
}

// GatewayCheck is ok while the channel is connected, degraded while only the
// fallback can serve calls, and down otherwise.
func GatewayCheck(conn GatewayProbe, fallbackAvailable func() bool) CheckFunc {
	return func(context.Context) Status {
		if conn.IsConnected() {
			return StatusOK
		}
		if fallbackAvailable != nil && fallbackAvailable() {
			return StatusDegraded
		}
		return StatusDown
	}
}

// FreshnessCheck is degraded when last is zero or older than maxAge.
func FreshnessCheck(last func() time.Time, maxAge time.Duration) CheckFunc {
	return func(context.Context) Status {
		t := last()
		if t.IsZero() || time.Since(t) > maxAge {
			return StatusDegraded
		}
		return StatusOK
	}
}
