package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testLimiter(tiers map[string]Tier) (*Limiter, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(Config{Enabled: true, Tiers: tiers})
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_WindowCeiling(t *testing.T) {
	l, _ := testLimiter(map[string]Tier{
		"default": {MaxRequests: 60, Decay: time.Minute},
	})

	for i := 0; i < 60; i++ {
		res, err := l.Check("user-1", "default")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
		if want := 60 - (i + 1); res.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	// 61st request within the window is rejected
	res, err := l.Check("user-1", "default")
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("61st request: err = %v, want ErrRateLimitExceeded", err)
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("retry_after = %v, want within (0, 1m]", res.RetryAfter)
	}
}

func TestLimiter_LazyWindowReset(t *testing.T) {
	l, now := testLimiter(map[string]Tier{
		"default": {MaxRequests: 60, Decay: time.Minute},
	})

	for i := 0; i < 61; i++ {
		l.Check("user-1", "default")
	}

	// After the window expires the next request starts a fresh window.
	*now = now.Add(61 * time.Second)
	res, err := l.Check("user-1", "default")
	if err != nil {
		t.Fatalf("post-reset request: unexpected error %v", err)
	}
	if res.Remaining != 59 {
		t.Errorf("remaining = %d, want 59", res.Remaining)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := testLimiter(map[string]Tier{
		"low": {MaxRequests: 1, Decay: time.Minute},
	})

	if _, err := l.Check("user-a", "low"); err != nil {
		t.Fatalf("user-a first request: %v", err)
	}
	if _, err := l.Check("user-a", "low"); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatal("user-a second request should be rejected")
	}
	if _, err := l.Check("user-b", "low"); err != nil {
		t.Errorf("user-b should not be affected by user-a's window: %v", err)
	}
}

func TestLimiter_UnknownTierFallsBack(t *testing.T) {
	l, _ := testLimiter(map[string]Tier{
		"default": {MaxRequests: 5, Decay: time.Minute},
	})

	res, err := l.Check("user-1", "platinum")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Limit != 5 {
		t.Errorf("limit = %d, want default tier limit 5", res.Limit)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(Config{Enabled: false, Tiers: map[string]Tier{
		"default": {MaxRequests: 1, Decay: time.Minute},
	}})

	for i := 0; i < 10; i++ {
		if _, err := l.Check("user-1", "default"); err != nil {
			t.Fatalf("disabled limiter rejected request: %v", err)
		}
	}
}

func TestLimiter_ConcurrentChecksDoNotUndercount(t *testing.T) {
	l, _ := testLimiter(map[string]Tier{
		"default": {MaxRequests: 100, Decay: time.Minute},
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Check("user-1", "default"); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("allowed = %d, want exactly 100 under concurrency", allowed)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := testLimiter(map[string]Tier{
		"default": {MaxRequests: 1, Decay: time.Minute},
	})

	l.Check("user-1", "default")
	if _, err := l.Check("user-1", "default"); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatal("second request should be rejected")
	}

	l.Reset("user-1", "default")
	if _, err := l.Check("user-1", "default"); err != nil {
		t.Errorf("request after Reset should succeed: %v", err)
	}
}
