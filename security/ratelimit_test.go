package security

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiter_AllowWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3, 100, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d within burst was rejected", i)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("request beyond burst was allowed")
	}
}

func TestRateLimiter_IndependentIdentifiers(t *testing.T) {
	rl := NewRateLimiter(1, 1, 100, nil)
	defer rl.Stop()

	if !rl.Allow("a") {
		t.Fatal("first request for a rejected")
	}
	if rl.Allow("a") {
		t.Error("second request for a allowed")
	}
	if !rl.Allow("b") {
		t.Error("first request for b rejected; identifiers must be independent")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiter(1, 1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}
	if got := rl.Len(); got != 3 {
		t.Errorf("tracked identifiers = %d, want 3 after eviction", got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, 100, nil)
	defer rl.Stop()

	rl.Allow("stale")
	time.Sleep(10 * time.Millisecond)
	rl.Cleanup(time.Millisecond)

	if got := rl.Len(); got != 0 {
		t.Errorf("tracked identifiers after cleanup = %d, want 0", got)
	}
}
