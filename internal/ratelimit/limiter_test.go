package ratelimit

import (
	"testing"
	"time"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(maxRequests int, window time.Duration) (*Limiter, *manualClock) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	limiter := NewLimiter(LimiterConfig{MaxRequests: maxRequests, Window: window, Clock: clock.Now})
	return limiter, clock
}

func TestLimiterAdmitsUpToMax(t *testing.T) {
	limiter, _ := newTestLimiter(10, 60*time.Second)

	for i := 0; i < 10; i++ {
		allowed, retryAfter := limiter.Check("wallet")
		if !allowed {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
		if retryAfter != 0 {
			t.Fatalf("request %d reported retry after %d", i+1, retryAfter)
		}
	}

	allowed, retryAfter := limiter.Check("wallet")
	if allowed {
		t.Fatal("11th request inside window should be rejected")
	}
	if retryAfter < 1 || retryAfter > 60 {
		t.Fatalf("unexpected retry after %d", retryAfter)
	}
}

func TestLimiterRetryAfterCountsDown(t *testing.T) {
	limiter, clock := newTestLimiter(1, 60*time.Second)

	if allowed, _ := limiter.Check("wallet"); !allowed {
		t.Fatal("first request should be admitted")
	}
	clock.Advance(45 * time.Second)
	allowed, retryAfter := limiter.Check("wallet")
	if allowed {
		t.Fatal("second request inside window should be rejected")
	}
	if retryAfter != 15 {
		t.Fatalf("expected 15s until reset, got %d", retryAfter)
	}
}

func TestLimiterWindowResets(t *testing.T) {
	limiter, clock := newTestLimiter(2, 60*time.Second)

	limiter.Check("wallet")
	limiter.Check("wallet")
	if allowed, _ := limiter.Check("wallet"); allowed {
		t.Fatal("third request inside window should be rejected")
	}

	clock.Advance(60 * time.Second)
	if allowed, _ := limiter.Check("wallet"); !allowed {
		t.Fatal("request after window reset should be admitted")
	}
}

func TestLimiterIdentitiesIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(1, 60*time.Second)

	if allowed, _ := limiter.Check("walletA"); !allowed {
		t.Fatal("walletA first request should be admitted")
	}
	if allowed, _ := limiter.Check("walletB"); !allowed {
		t.Fatal("walletB should not be affected by walletA usage")
	}
	if allowed, _ := limiter.Check("walletA"); allowed {
		t.Fatal("walletA second request should be rejected")
	}
}

func TestLimiterReset(t *testing.T) {
	limiter, _ := newTestLimiter(1, 60*time.Second)

	limiter.Check("wallet")
	limiter.Reset("wallet")
	if allowed, _ := limiter.Check("wallet"); !allowed {
		t.Fatal("request after reset should be admitted")
	}
}

func TestLimiterDefaults(t *testing.T) {
	limiter := NewLimiter(LimiterConfig{})
	for i := 0; i < 10; i++ {
		if allowed, _ := limiter.Check("wallet"); !allowed {
			t.Fatalf("default limiter rejected request %d", i+1)
		}
	}
	if allowed, _ := limiter.Check("wallet"); allowed {
		t.Fatal("default limiter should cap at 10 per window")
	}
}
