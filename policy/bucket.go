package policy

import (
	"sync"
	"time"
)

// bucket is one token bucket. Refill is lazy: tokens accrue as a function
// of elapsed time at spend, so idle buckets cost nothing between syncs.
type bucket struct {
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
	dirty    bool
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// take refills the bucket and spends one token if available.
func (b *bucket) take(now time.Time) bool {
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	b.dirty = true
	return true
}

// bucketSet is an in-memory collection of token buckets keyed by subject
// ("ip:..." or "sender:..."). State is flushed to the database in batches;
// see Engine.syncLoop.
type bucketSet struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newBucketSet() *bucketSet {
	return &bucketSet{buckets: make(map[string]*bucket)}
}

// take spends a token from the named bucket, creating it full when first
// seen. seed, when non-nil, supplies persisted state for a new bucket.
func (s *bucketSet) take(key string, rate, capacity float64, now time.Time, seed func() (float64, time.Time, bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, capacity: capacity, rate: rate, last: now}
		if seed != nil {
			if tokens, at, found := seed(); found {
				b.tokens = tokens
				b.last = at
			}
		}
		s.buckets[key] = b
	}
	// Config reloads and sender overrides may change limits between calls.
	b.rate = rate
	b.capacity = capacity
	return b.take(now)
}

// drainDirty returns the dirty buckets and clears their dirty flags.
func (s *bucketSet) drainDirty(now time.Time) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64)
	for key, b := range s.buckets {
		if b.dirty {
			b.refill(now)
			out[key] = b.tokens
			b.dirty = false
		}
	}
	return out
}

// evictIdle drops buckets untouched for the given age. A full bucket holds
// no state worth keeping.
func (s *bucketSet) evictIdle(now time.Time, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, b := range s.buckets {
		if !b.dirty && now.Sub(b.last) > age {
			delete(s.buckets, key)
		}
	}
}
