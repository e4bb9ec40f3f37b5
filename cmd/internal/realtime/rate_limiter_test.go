package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d denied", i)
		}
	}
	if rl.Allow(t0.Add(300 * time.Millisecond)) {
		t.Fatalf("4th event inside window allowed")
	}
	if !rl.Allow(t0.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after window denied")
	}
}

func TestRateLimiter_DefaultsOnInvalidInput(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("limit=%d window=%v", rl.limit, rl.window)
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	if got := rl.RetryAfter(t0); got != 0 {
		t.Fatalf("empty limiter retry=%v", got)
	}
	rl.Allow(t0)
	rl.Allow(t0.Add(400 * time.Millisecond))

	if got := rl.RetryAfter(t0.Add(500 * time.Millisecond)); got != 500*time.Millisecond {
		t.Fatalf("retry=%v want 500ms", got)
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("denied frame expected")
	}
	// The denied frame must not extend the window.
	if !rl.Allow(t0.Add(time.Second)) {
		t.Fatalf("frame after oldest expired denied")
	}
	if got := rl.RetryAfter(t0.Add(time.Second)); got != 400*time.Millisecond {
		t.Fatalf("retry=%v want 400ms", got)
	}
}
