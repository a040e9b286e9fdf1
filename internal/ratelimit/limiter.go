// Package ratelimit provides fixed-window rate limiting keyed by caller
// identity and tier.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when a window's request ceiling is hit.
// Callers should surface Result.RetryAfter to the client.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Tier is a named rate-limit configuration bucket.
type Tier struct {
	// MaxRequests is the request ceiling within one window.
	MaxRequests int
	// Decay is the window length.
	Decay time.Duration
}

// Config configures the limiter.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool
	// Tiers maps tier names (default/high/low) to their limits.
	Tiers map[string]Tier
}

// DefaultConfig returns the default tier table.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Tiers: map[string]Tier{
			"default": {MaxRequests: 60, Decay: time.Minute},
			"high":    {MaxRequests: 600, Decay: time.Minute},
			"low":     {MaxRequests: 10, Decay: time.Minute},
		},
	}
}

// Result reports the outcome of a window check. The gateway derives the
// X-RateLimit-* response headers directly from these fields.
type Result struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	Reset      time.Time     `json:"reset"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// window is the counter state for one (identity, tier) key.
// A new window starts lazily: the first request after the previous window
// has expired resets the count, rather than a sliding log.
type window struct {
	start time.Time
	count int
}

// Limiter manages fixed-window counters for multiple keys.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.Tiers == nil {
		config.Tiers = DefaultConfig().Tiers
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Key builds the limiter key for an identity and tier. Identity is the
// authenticated user id when present, else the caller's network address.
func Key(identity, tier string) string {
	return identity + ":" + tier
}

// Check atomically increments the window counter for the identity under the
// named tier. If the new count exceeds the tier's ceiling it returns
// ErrRateLimitExceeded with RetryAfter set to the time until the window
// resets; otherwise the Result carries the remaining allowance.
// Unknown tiers fall back to "default".
func (l *Limiter) Check(identity, tier string) (Result, error) {
	t, ok := l.config.Tiers[tier]
	if !ok {
		tier = "default"
		if t, ok = l.config.Tiers[tier]; !ok {
			return Result{}, fmt.Errorf("no tier configured for %q", tier)
		}
	}

	if !l.config.Enabled {
		return Result{Limit: t.MaxRequests, Remaining: t.MaxRequests}, nil
	}

	key := Key(identity, tier)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(t.Decay)) {
		if !ok && len(l.windows) >= l.maxKeys {
			l.prune(now)
		}
		w = &window{start: now}
		l.windows[key] = w
	}

	reset := w.start.Add(t.Decay)
	w.count++

	if w.count > t.MaxRequests {
		return Result{
			Limit:      t.MaxRequests,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: reset.Sub(now),
		}, ErrRateLimitExceeded
	}

	return Result{
		Limit:     t.MaxRequests,
		Remaining: t.MaxRequests - w.count,
		Reset:     reset,
	}, nil
}

// prune removes expired windows. Must be called with the lock held.
func (l *Limiter) prune(now time.Time) {
	var longest time.Duration
	for _, t := range l.config.Tiers {
		if t.Decay > longest {
			longest = t.Decay
		}
	}
	for key, w := range l.windows {
		if now.Sub(w.start) > longest {
			delete(l.windows, key)
		}
	}
}

// Reset clears the window for an identity and tier.
func (l *Limiter) Reset(identity, tier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, Key(identity, tier))
}

// Size returns the number of tracked windows.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
