package ratelimit

import (
	"sync"
	"time"
)

// One token in fixed-point form. A refill rate of X tokens/sec therefore
// adds exactly X nano-tokens per elapsed nanosecond, with no float rounding.
const nanosPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket paces signaling messages on one connection: the hub charges a
// token per inbound message and closes the connection when the bucket runs
// dry. Refill is driven by an injected Clock, so tests advance time
// explicitly instead of sleeping.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	refill   int64 // tokens/sec

	available  int64 // nano-tokens
	lastRefill time.Time
}

// NewTokenBucket starts full. Negative capacity or refill are treated as
// zero, which makes every charge fail once the initial burst is spent.
func NewTokenBucket(clock Clock, capacity, refill int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if refill < 0 {
		refill = 0
	}

	return &TokenBucket{
		clock:      clock,
		capacity:   capacity,
		refill:     refill,
		available:  toNano(capacity),
		lastRefill: clock.Now(),
	}
}

// Allow charges the given number of tokens if available.
//
// tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < cost {
		return false
	}

	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.lastRefill) {
		// Clock went backwards. Skip the refill and rebase.
		b.lastRefill = now
		return
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now

	if b.refill <= 0 || b.capacity <= 0 {
		return
	}

	capacityNano := toNano(b.capacity)
	if b.available >= capacityNano {
		b.available = capacityNano
		return
	}

	need := capacityNano - b.available
	elapsedNanos := elapsed.Nanoseconds()
	if elapsedNanos <= 0 {
		return
	}

	// elapsedNanos * refill can overflow; when the elapsed time is enough
	// to fill the bucket anyway, clamp to capacity instead of multiplying.
	nanosToFill := need / b.refill
	if nanosToFill <= 0 || elapsedNanos >= nanosToFill {
		b.available = capacityNano
		return
	}

	b.available += elapsedNanos * b.refill
	if b.available > capacityNano {
		b.available = capacityNano
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}
