package policy

import (
	"testing"
	"time"
)

func TestBucketTake(t *testing.T) {
	now := time.Now()
	s := newBucketSet()

	// A fresh bucket starts full: capacity takes succeed, the next fails.
	for i := 0; i < 3; i++ {
		if !s.take("ip:192.0.2.1", 1, 3, now, nil) {
			t.Fatalf("take %d failed on a full bucket", i+1)
		}
	}
	if s.take("ip:192.0.2.1", 1, 3, now, nil) {
		t.Error("take succeeded from an empty bucket")
	}
}

func TestBucketRefill(t *testing.T) {
	now := time.Now()
	s := newBucketSet()

	// Drain a bucket refilling at 2 tokens/second.
	for i := 0; i < 2; i++ {
		s.take("sender:a@example.com", 2, 2, now, nil)
	}
	if s.take("sender:a@example.com", 2, 2, now, nil) {
		t.Fatal("take succeeded from an empty bucket")
	}

	// Half a second later one token has accrued.
	later := now.Add(500 * time.Millisecond)
	if !s.take("sender:a@example.com", 2, 2, later, nil) {
		t.Error("take failed after refill interval elapsed")
	}
	if s.take("sender:a@example.com", 2, 2, later, nil) {
		t.Error("second take succeeded when only one token had accrued")
	}
}

func TestBucketRefillCapped(t *testing.T) {
	now := time.Now()
	s := newBucketSet()

	s.take("ip:192.0.2.2", 10, 2, now, nil)

	// Long idle periods must not accrue tokens past capacity.
	later := now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if !s.take("ip:192.0.2.2", 10, 2, later, nil) {
			t.Fatalf("take %d failed after long idle", i+1)
		}
	}
	if s.take("ip:192.0.2.2", 10, 2, later, nil) {
		t.Error("bucket accrued tokens beyond capacity")
	}
}

func TestBucketSeed(t *testing.T) {
	now := time.Now()
	s := newBucketSet()

	// Persisted state says the bucket was emptied just now.
	seed := func() (float64, time.Time, bool) {
		return 0, now, true
	}
	if s.take("ip:192.0.2.3", 1, 10, now, seed) {
		t.Error("take succeeded from a bucket seeded empty")
	}

	// A seed reporting no persisted state leaves the bucket full.
	noSeed := func() (float64, time.Time, bool) {
		return 0, time.Time{}, false
	}
	if !s.take("ip:192.0.2.4", 1, 10, now, noSeed) {
		t.Error("take failed on a new bucket without persisted state")
	}
}

func TestDrainDirty(t *testing.T) {
	now := time.Now()
	s := newBucketSet()

	s.take("ip:192.0.2.5", 1, 10, now, nil)

	dirty := s.drainDirty(now)
	if len(dirty) != 1 {
		t.Fatalf("drainDirty returned %d entries, want 1", len(dirty))
	}
	if tokens, ok := dirty["ip:192.0.2.5"]; !ok || tokens != 9 {
		t.Errorf("drained tokens = %v, want 9", tokens)
	}

	// The flag is cleared; nothing to drain until the next take.
	if dirty := s.drainDirty(now); len(dirty) != 0 {
		t.Errorf("second drainDirty returned %d entries, want 0", len(dirty))
	}
}

func TestEvictIdle(t *testing.T) {
	now := time.Now()
	s := newBucketSet()

	s.take("ip:192.0.2.6", 1, 10, now, nil)
	s.drainDirty(now) // clear the dirty flag so eviction applies

	s.evictIdle(now.Add(2*time.Hour), time.Hour)

	s.mu.Lock()
	_, exists := s.buckets["ip:192.0.2.6"]
	s.mu.Unlock()
	if exists {
		t.Error("idle bucket was not evicted")
	}
}
