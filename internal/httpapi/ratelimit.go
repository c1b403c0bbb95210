package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Rate limiting with per-client-group token buckets.
//
// A group's bucket refills at MaxRequests/WindowSeconds tokens per
// second up to Burst capacity, so interactive clients can burst while
// the long-term rate stays bounded and one group cannot starve others.
// The limiter keys on clientGroupID rather than user identity because
// pushes may be anonymous; the group ID is always present in the body.
//
// State is in-memory. Behind a load balancer each replica enforces its
// own share, which is acceptable for this limiter's purpose (protecting
// the mutation pipeline, not billing).

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket with given capacity and refill rate
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a token is available and consumes it if so
// Returns (allowed bool, tokensRemaining int, nextTokenTime time.Time, fullResetTime time.Time)
// - nextTokenTime: when the next token will be available (use for Retry-After)
// - fullResetTime: when the bucket will be completely full (use for X-RateLimit-Reset)
func (tb *TokenBucket) Allow() (bool, int, time.Time, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	// Refill tokens based on elapsed time
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	// When the bucket will be completely full again
	tokensNeeded := tb.capacity - tb.tokens
	fullResetTime := now.Add(time.Duration(tokensNeeded/tb.refillRate) * time.Second)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullResetTime
	}

	// When the next single token will be available
	tokensUntilNext := 1.0 - tb.tokens
	secondsUntilNext := tokensUntilNext / tb.refillRate
	nextTokenTime := now.Add(time.Duration(secondsUntilNext) * time.Second)

	return false, 0, nextTokenTime, fullResetTime
}

// RateLimiter manages per-client-group token buckets
type RateLimiter struct {
	buckets map[string]*TokenBucket
	config  RateLimitInfo
	mu      sync.RWMutex
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config RateLimitInfo) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
	}

	// Remove inactive buckets in the background
	go rl.cleanupLoop()

	return rl
}

// getBucket retrieves or creates a token bucket for the given client group
func (rl *RateLimiter) getBucket(clientGroupID string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[clientGroupID]
	rl.mu.RUnlock()

	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists := rl.buckets[clientGroupID]; exists {
		return bucket
	}

	refillRate := float64(rl.config.MaxRequests) / float64(rl.config.WindowSeconds)
	bucket = NewTokenBucket(rl.config.Burst, refillRate)
	rl.buckets[clientGroupID] = bucket
	return bucket
}

// Allow checks if the client group is allowed to make a request
// Returns (allowed bool, remaining int, nextTokenTime time.Time, fullResetTime time.Time)
func (rl *RateLimiter) Allow(clientGroupID string) (bool, int, time.Time, time.Time) {
	bucket := rl.getBucket(clientGroupID)
	return bucket.Allow()
}

// cleanupLoop periodically removes inactive buckets to prevent memory leaks
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for clientGroupID, bucket := range rl.buckets {
			bucket.mu.Lock()
			// Remove bucket if it hasn't been used in the last hour
			if time.Since(bucket.lastRefill) > time.Hour {
				delete(rl.buckets, clientGroupID)
			}
			bucket.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// allowPush enforces the per-group rate limit for one push. It sets the
// rate limit headers and, when the group is over budget, writes the 429
// response and returns false. The check runs after body parsing because
// the client group ID travels in the body, not the URL.
func (s *Server) allowPush(w http.ResponseWriter, r *http.Request, clientGroupID string) bool {
	if s.limiter == nil {
		return true
	}

	allowed, remaining, nextTokenTime, fullResetTime := s.limiter.Allow(clientGroupID)

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.RateLimitConfig.MaxRequests))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullResetTime.Unix(), 10))
	w.Header().Set("X-RateLimit-Burst", strconv.Itoa(s.RateLimitConfig.Burst))

	if !allowed {
		retryAfter := int(time.Until(nextTokenTime).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}

		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

		log.Warn().
			Str("clientGroupID", clientGroupID).
			Int("retryAfter", retryAfter).
			Msg("Rate limit exceeded")

		writeError(w, r, http.StatusTooManyRequests,
			"Rate limit exceeded. Please retry after "+strconv.Itoa(retryAfter)+" seconds.")
		return false
	}

	return true
}
