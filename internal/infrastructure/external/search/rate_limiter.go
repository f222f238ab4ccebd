package search

import (
	"context"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - Token Bucket
// ══════════════════════════════════════════════════════════════════════════════

// RateLimiter keeps outgoing search requests under the provider's quota.
type RateLimiter struct {
	mu sync.Mutex

	maxTokens   float64
	refillRate  float64 // tokens per second
	tokens      float64
	lastRefill  time.Time
	waitTimeout time.Duration

	// pausedUntil is set when the provider answers 429.
	pausedUntil time.Time
	now         func() time.Time
}

// RateLimiterConfig contains configuration for the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained request rate.
	RequestsPerSecond float64

	// BurstSize is the bucket capacity.
	BurstSize int

	// WaitTimeout is the longest Allow waits for a token.
	WaitTimeout time.Duration
}

// DefaultRateLimiterConfig returns defaults sized for interactive queries.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		WaitTimeout:       250 * time.Millisecond,
	}
}

// NewRateLimiter creates a RateLimiter with a full bucket.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultRateLimiterConfig().RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	now := time.Now()
	return &RateLimiter{
		maxTokens:   float64(config.BurstSize),
		refillRate:  config.RequestsPerSecond,
		tokens:      float64(config.BurstSize),
		lastRefill:  now,
		waitTimeout: config.WaitTimeout,
		now:         time.Now,
	}
}

// RateLimitError is returned when no token is available in time, or when
// the provider itself answered 429.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return e.Message
}

// Is matches any *RateLimitError.
func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

// ErrRateLimited matches every RateLimitError with errors.Is.
var ErrRateLimited = &RateLimitError{Message: "search rate limit exceeded"}

// Allow blocks until a token is available, the wait timeout passes or ctx
// is done.
func (rl *RateLimiter) Allow(ctx context.Context) error {
	deadline := rl.now().Add(rl.waitTimeout)
	for {
		wait, ok := rl.tryAcquire()
		if ok {
			return nil
		}
		if rl.now().Add(wait).After(deadline) {
			return &RateLimitError{RetryAfter: wait, Message: "search rate limit exceeded, retry after " + wait.String()}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (rl *RateLimiter) tryAcquire() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.pausedUntil) {
		return rl.pausedUntil.Sub(now), false
	}
	rl.refill(now)
	if rl.tokens < 1 {
		return time.Duration((1 - rl.tokens) / rl.refillRate * float64(time.Second)), false
	}
	rl.tokens--
	return 0, true
}

// refill must be called with the lock held.
func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now
}

// RecordRateLimitHit empties the bucket and pauses for retryAfter.
func (rl *RateLimiter) RecordRateLimitHit(retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = 0
	if retryAfter > 0 {
		rl.pausedUntil = rl.now().Add(retryAfter)
	}
}

// Available returns the current token count.
func (rl *RateLimiter) Available() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(rl.now())
	return rl.tokens
}
