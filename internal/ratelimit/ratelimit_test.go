package ratelimit

import (
	"testing"
	"time"
)

func TestAllowUpToLimit(t *testing.T) {
	l := New(10)

	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow(1); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, retryAfter := l.Allow(1)
	if ok {
		t.Error("11th request should be denied")
	}
	if retryAfter < 1 {
		t.Errorf("retry-after = %d, want >= 1", retryAfter)
	}
}

func TestZeroRateIsUnlimited(t *testing.T) {
	l := New(0)
	for i := 0; i < 1000; i++ {
		if ok, _ := l.Allow(1); !ok {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestRefill(t *testing.T) {
	l := New(60) // 1 token per second

	for i := 0; i < 60; i++ {
		l.Allow(1)
	}
	if ok, _ := l.Allow(1); ok {
		t.Error("should be limited after exhausting tokens")
	}

	time.Sleep(1100 * time.Millisecond)

	if ok, _ := l.Allow(1); !ok {
		t.Error("should be allowed after refill")
	}
}

func TestUsersIndependent(t *testing.T) {
	l := New(5)

	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(1); !ok {
			t.Fatalf("user 1 request %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(1); ok {
		t.Error("user 1 should be limited")
	}
	if ok, _ := l.Allow(2); !ok {
		t.Error("user 2 should not be affected by user 1")
	}
}

func TestCleanup(t *testing.T) {
	l := New(10)
	l.Allow(1)
	l.Allow(2)

	l.mu.Lock()
	l.buckets[1].lastRefill = time.Now().Add(-2 * time.Hour)
	l.mu.Unlock()

	l.Cleanup(time.Hour)

	l.mu.Lock()
	count := len(l.buckets)
	l.mu.Unlock()
	if count != 1 {
		t.Errorf("buckets after cleanup = %d, want 1", count)
	}
}
