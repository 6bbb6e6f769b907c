// Package ratelimit spaces outbound API requests with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum interval between permitted calls.
type Pacer struct {
	limiter  *rate.Limiter
	interval time.Duration
	observe  func(time.Duration)
}

// New creates a Pacer. A non-positive interval disables pacing.
func New(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
	}
}

// WithObserver registers a callback that receives every non-trivial wait.
func (p *Pacer) WithObserver(fn func(time.Duration)) *Pacer {
	p.observe = fn
	return p
}

// Interval returns the configured minimum spacing.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait blocks until the next call is permitted or the context ends.
func (p *Pacer) Wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && p.observe != nil {
		p.observe(waited)
	}
	return nil
}
