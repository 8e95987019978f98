package signal

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two attempts must pass")
	}
	if rl.Allow("a") {
		t.Fatal("third attempt inside the window must fail")
	}
	if !rl.Allow("b") {
		t.Fatal("limits are per participant")
	}

	now = now.Add(1100 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatal("window did not slide")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		if !rl.Allow("a") {
			t.Fatal("disabled limiter rejected")
		}
	}
	var nilRL *RateLimiter
	if !nilRL.Allow("a") {
		t.Fatal("nil limiter rejected")
	}
	nilRL.Forget("a")
}
