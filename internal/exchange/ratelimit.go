// ratelimit.go implements token-bucket rate limiting for outbound CLOB calls.
//
// Exchange limits are enforced over two horizons: a short burst window and a
// long sustained window. Two buckets are maintained (burst-short and
// sustained-long) and every outbound call must clear both, so the more
// restrictive bucket always governs. Refill is continuous rather than
// window-aligned, which avoids hitting hard limits at window edges.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilled token bucket. Fractional tokens are
// allowed so refill is smooth at any polling rate.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a bucket with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// refillLocked advances the bucket to now. Caller holds mu.
func (tb *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}

// Acquire blocks until cost tokens are available or ctx is cancelled.
func (tb *TokenBucket) Acquire(ctx context.Context, cost float64) error {
	for {
		tb.mu.Lock()
		tb.refillLocked()

		if tb.tokens >= cost {
			tb.tokens -= cost
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((cost - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// TryAcquire consumes cost tokens if available, without blocking.
func (tb *TokenBucket) TryAcquire(cost float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()

	if tb.tokens >= cost {
		tb.tokens -= cost
		return true
	}
	return false
}

// refund returns tokens after a failed compound acquire.
func (tb *TokenBucket) refund(cost float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens += cost
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// Gate combines the burst-short and sustained-long buckets. Every outbound
// exchange call goes through Acquire (or TryAcquire for best-effort paths).
type Gate struct {
	burst     *TokenBucket
	sustained *TokenBucket
}

// NewGate creates the dual-bucket gate.
func NewGate(burstCap, burstRate, sustainedCap, sustainedRate float64) *Gate {
	return &Gate{
		burst:     NewTokenBucket(burstCap, burstRate),
		sustained: NewTokenBucket(sustainedCap, sustainedRate),
	}
}

// Acquire blocks until both buckets grant cost tokens.
func (g *Gate) Acquire(ctx context.Context, cost float64) error {
	if err := g.burst.Acquire(ctx, cost); err != nil {
		return err
	}
	if err := g.sustained.Acquire(ctx, cost); err != nil {
		g.burst.refund(cost)
		return err
	}
	return nil
}

// TryAcquire attempts both buckets without blocking. On a sustained-bucket
// miss the burst tokens are refunded so a failed probe costs nothing.
func (g *Gate) TryAcquire(cost float64) bool {
	if !g.burst.TryAcquire(cost) {
		return false
	}
	if !g.sustained.TryAcquire(cost) {
		g.burst.refund(cost)
		return false
	}
	return true
}
