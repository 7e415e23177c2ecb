// Package ratelimit paces callers with golang.org/x/time/rate. The agent
// runtime uses it to enforce the sentinel's suggested post-Throttle delay.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns a permissive default.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 100, Burst: 200}
}

// Limiter wraps rate.Limiter with a Reset that restores a fresh burst.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	config  Config
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Allow reports whether an event may proceed now.
func (l *Limiter) Allow() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter.Allow()
}

// Wait blocks until an event is permitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	lim := l.limiter
	l.mu.RUnlock()
	return lim.Wait(ctx)
}

// Reset restores the limiter to a fresh burst.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)
}

// ThrottleDelay pauses for at least d, respecting ctx cancellation. The
// sentinel suggests d (spec: at least 1s) on a Throttle verdict.
func ThrottleDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
