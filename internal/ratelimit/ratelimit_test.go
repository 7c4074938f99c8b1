package ratelimit

import (
	"testing"
	"time"
)

func TestKeyed_AllowsUpToRate(t *testing.T) {
	l := NewKeyed(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("a") {
		t.Fatal("6th request should be denied")
	}
}

func TestKeyed_KeysAreIndependent(t *testing.T) {
	l := NewKeyed(1, time.Minute)
	if !l.Allow("a") {
		t.Fatal("first request for a should be allowed")
	}
	if l.Allow("a") {
		t.Fatal("second request for a should be denied")
	}
	if !l.Allow("b") {
		t.Fatal("first request for b should be allowed")
	}
}

func TestKeyed_ResetsAfterWindow(t *testing.T) {
	l := NewKeyed(2, 50*time.Millisecond)
	l.Allow("a")
	l.Allow("a")
	if l.Allow("a") {
		t.Fatal("3rd should be denied")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.Allow("a") {
		t.Fatal("after window reset should be allowed")
	}
}

func TestKeyed_PruneDropsExpiredWindows(t *testing.T) {
	l := NewKeyed(1, 10*time.Millisecond)
	l.Allow("a")
	l.Allow("b")
	time.Sleep(20 * time.Millisecond)
	l.Prune()

	l.mu.Lock()
	n := len(l.windows)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("windows after prune = %d, want 0", n)
	}
}
