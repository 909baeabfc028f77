package governance

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig defines the token bucket applied to each caller key.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
	// IdleTTL evicts buckets not used for this long. Zero keeps them forever.
	IdleTTL time.Duration
}

// RateLimiter implements token bucket rate limiting per caller key. Buckets are
// created lazily on first use.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimiterConfig
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 100
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerSecond
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Allow consumes one token for key. It returns whether the request may
// proceed and the whole tokens left afterwards.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evictLocked(now)

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = newTokenBucket(rl.config.RequestsPerSecond, rl.config.BurstSize, now)
		rl.buckets[key] = bucket
	}
	allowed := bucket.take(now)
	return allowed, int(bucket.tokens)
}

// Limit reports the configured sustained rate.
func (rl *RateLimiter) Limit() int {
	return rl.config.RequestsPerSecond
}

func (rl *RateLimiter) evictLocked(now time.Time) {
	if rl.config.IdleTTL <= 0 {
		return
	}
	for key, bucket := range rl.buckets {
		if now.Sub(bucket.lastRefill) > rl.config.IdleTTL {
			delete(rl.buckets, key)
		}
	}
}

// tokenBucket is guarded by the owning RateLimiter's mutex.
type tokenBucket struct {
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps, burstSize int, now time.Time) *tokenBucket {
	return &tokenBucket{
		rate:       float64(rps),
		capacity:   float64(burstSize),
		tokens:     float64(burstSize),
		lastRefill: now,
	}
}

func (tb *tokenBucket) take(now time.Time) bool {
	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.lastRefill = now
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}
