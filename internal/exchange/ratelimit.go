// ratelimit.go implements token-bucket pacing for outbound venue traffic.
//
// Venues rate-limit subscription bursts and REST calls per rolling
// window. The buckets refill continuously (rather than in window-sized
// bursts) so sustained traffic stays smooth and replaying a large
// subscription set after a reconnect cannot trip venue limits.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuous-refill rate limiter. Callers block in Wait
// until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and
// refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups the session's outbound buckets.
type RateLimiter struct {
	// Subscribe paces subscription replay after reconnects: ~10/s gives
	// the ≈100 ms inter-send delay venues tolerate.
	Subscribe *TokenBucket
}

// NewRateLimiter creates the session's subscription-replay bucket.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Subscribe: NewTokenBucket(1, 10), // one in flight, ≈100ms spacing
	}
}

// NewRestBucket creates the bucket pacing a venue's REST calls: a burst
// of 20, refilling at 5/s. One bucket per REST client.
func NewRestBucket() *TokenBucket {
	return NewTokenBucket(20, 5)
}
