package ratelimit

import (
	"testing"
	"time"
)

func testLimiter(perMinute, burst int) *Limiter {
	return New(Config{
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
		CleanupInterval:   time.Hour, // keep cleanup out of the way
	})
}

func TestAllowWithinBurst(t *testing.T) {
	l := testLimiter(60, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("producer-1") {
			t.Fatalf("request %d rejected within burst", i+1)
		}
	}
	if l.Allow("producer-1") {
		t.Fatal("request beyond burst should be rejected")
	}
}

func TestTokensRefill(t *testing.T) {
	l := testLimiter(6000, 2) // 100 tokens/sec for a fast test
	defer l.Stop()

	l.Allow("producer-1")
	l.Allow("producer-1")
	if l.Allow("producer-1") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond) // ~5 tokens refill

	if !l.Allow("producer-1") {
		t.Fatal("tokens should have refilled")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := testLimiter(60, 1)
	defer l.Stop()

	if !l.Allow("producer-1") {
		t.Fatal("first request should pass")
	}
	if l.Allow("producer-1") {
		t.Fatal("producer-1 should be limited")
	}
	if !l.Allow("producer-2") {
		t.Fatal("producer-2 should be unaffected")
	}
}

func TestCleanupRemovesStaleEntries(t *testing.T) {
	l := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   10 * time.Millisecond,
	})
	defer l.Stop()

	l.Allow("producer-1")

	// Age the entry past the cleanup cutoff.
	l.mu.Lock()
	l.clients["producer-1"].lastCheck = time.Now().Add(-5 * time.Minute)
	l.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for {
		l.mu.RLock()
		_, exists := l.clients["producer-1"]
		l.mu.RUnlock()
		if !exists {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("stale entry not cleaned up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
