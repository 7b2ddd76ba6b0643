// Package ratelimit provides fixed-window per-identity admission control for
// relay-adjacent endpoints.
package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultMaxRequests = 10
	defaultWindow      = 60 * time.Second
)

// LimiterConfig configures a Limiter. Zero values fall back to the defaults
// of 10 requests per 60 second window.
type LimiterConfig struct {
	MaxRequests int
	Window      time.Duration
	Clock       func() time.Time
}

type windowState struct {
	start time.Time
	count int
}

// Limiter admits at most MaxRequests calls per identity inside each
// wall-clock window. Counters are independent per identity.
type Limiter struct {
	maxRequests int
	window      time.Duration
	clock       func() time.Time

	mu      sync.Mutex
	windows map[string]*windowState
}

// NewLimiter constructs a limiter from the supplied configuration.
func NewLimiter(cfg LimiterConfig) *Limiter {
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = defaultMaxRequests
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		clock:       clock,
		windows:     make(map[string]*windowState),
	}
}

// Check records one request for identity and reports whether it is admitted.
// When rejected, retryAfter is the number of whole seconds until the current
// window resets, rounded up so callers never retry early.
func (l *Limiter) Check(identity string) (allowed bool, retryAfter int) {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.windows[identity]
	if !ok || now.Sub(state.start) >= l.window {
		l.windows[identity] = &windowState{start: now, count: 1}
		return true, 0
	}
	if state.count < l.maxRequests {
		state.count++
		return true, 0
	}

	remaining := l.window - now.Sub(state.start)
	seconds := int((remaining + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return false, seconds
}

// Reset drops the counter for identity. Used by tests and by admin tooling.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, identity)
}
