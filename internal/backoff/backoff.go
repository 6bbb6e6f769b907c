// Package backoff implements the clamped exponential retry schedule used by the fetch client.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy bounds retry attempts and computes the wait between them.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// New builds a policy. Non-positive attempts are raised to one.
func New(maxAttempts int, initial, maxDelay time.Duration) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
	}
}

// Delay returns min(InitialDelay * 2^attempt, MaxDelay) for a zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 1) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// IsLast reports whether attempt is the final one allowed.
func (p Policy) IsLast(attempt int) bool {
	return attempt >= p.MaxAttempts-1
}

// Sleeper blocks for a duration or until the context ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
