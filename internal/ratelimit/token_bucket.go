package ratelimit

import (
	"math"
	"sync"
	"time"
)

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// rate of R tokens/sec refills exactly R nano-tokens per elapsed nanosecond.
const nanoPerToken = int64(time.Second)

// TokenBucket limits events to a burst of capacity tokens refilled at rate
// tokens per second. It is safe for concurrent use.
//
// A bucket with zero capacity or zero rate never refills. A nil *TokenBucket
// always allows.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns
	avail    int64 // nano-tokens
	last     time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, ratePerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(max(capacityTokens, 0))
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     max(ratePerSecond, 0),
		avail:    capacity,
		last:     clock.Now(),
	}
}

// Allow consumes n tokens when available and reports whether it did.
// n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if b == nil || n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that went backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.avail >= b.capacity {
		return
	}
	missing := b.capacity - b.avail
	if elapsed >= missing/b.rate+1 {
		b.avail = b.capacity
		return
	}
	b.avail = min(b.avail+elapsed*b.rate, b.capacity)
}

func toNano(tokens int64) int64 {
	if tokens > math.MaxInt64/nanoPerToken {
		return math.MaxInt64
	}
	return tokens * nanoPerToken
}
