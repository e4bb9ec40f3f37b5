package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps inbound dashboard frames per connection. It keeps the last
// limit accept times in a ring, so the memory cost is fixed per connection.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	filled int
	limit  int
	window time.Duration
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		limit:  limit,
		window: window,
	}
}

// Allow records a frame at now and reports whether it fits in the window.
// Denied frames are not recorded.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled == r.limit && now.Sub(r.ring[r.next]) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % r.limit
	if r.filled < r.limit {
		r.filled++
	}
	return true
}

// RetryAfter is how long until Allow would succeed again; zero when it would now.
func (r *RateLimiter) RetryAfter(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < r.limit {
		return 0
	}
	wait := r.window - now.Sub(r.ring[r.next])
	if wait < 0 {
		return 0
	}
	return wait
}
