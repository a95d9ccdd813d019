package auth

import (
	"testing"
	"time"
)

func testGate() *Gate {
	return &Gate{
		maxFailures:   5,
		failureWindow: 15 * time.Minute,
		lockout:       5 * time.Minute,
		delayBase:     time.Second,
		pairs:         make(map[string]*lockoutInfo),
	}
}

func TestRecordLockout(t *testing.T) {
	g := testGate()

	for i := 0; i < 4; i++ {
		g.record("user", "192.0.2.1", false)
	}

	info := g.pairs[pairKey("user", "192.0.2.1")]
	if info == nil {
		t.Fatal("no pair state after failures")
	}
	if info.failures != 4 {
		t.Errorf("failures = %d, want 4", info.failures)
	}
	if !info.lockedUntil.IsZero() {
		t.Error("lockout engaged before the threshold")
	}

	// The fifth failure crosses the threshold.
	g.record("user", "192.0.2.1", false)
	info = g.pairs[pairKey("user", "192.0.2.1")]
	if info.lockedUntil.IsZero() {
		t.Error("lockout not engaged at the threshold")
	}
	if until := time.Until(info.lockedUntil); until < 4*time.Minute || until > 5*time.Minute {
		t.Errorf("lockout duration %v, want about 5m", until)
	}
}

func TestRecordSuccessClearsFailures(t *testing.T) {
	g := testGate()

	g.record("user", "192.0.2.1", false)
	g.record("user", "192.0.2.1", false)
	g.record("user", "192.0.2.1", true)

	if _, ok := g.pairs[pairKey("user", "192.0.2.1")]; ok {
		t.Error("successful authentication did not clear the pair state")
	}
}

func TestRecordPairIsolation(t *testing.T) {
	g := testGate()

	// Failures from one IP must not penalize the same identity elsewhere.
	for i := 0; i < 5; i++ {
		g.record("user", "192.0.2.1", false)
	}
	g.record("user", "198.51.100.7", false)

	other := g.pairs[pairKey("user", "198.51.100.7")]
	if other == nil || other.failures != 1 {
		t.Errorf("other pair state = %+v, want 1 failure", other)
	}
	if !other.lockedUntil.IsZero() {
		t.Error("lockout leaked across source IPs")
	}
}

func TestFailureDelayProgression(t *testing.T) {
	g := testGate()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 0}, // one failure is free
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{7, 30 * time.Second},  // cap
		{50, 30 * time.Second}, // shift is bounded, no overflow
	}

	for _, tt := range tests {
		g.pairs[pairKey("user", "ip")] = &lockoutInfo{failures: tt.failures, firstFailure: time.Now()}
		if got := g.failureDelay("user", "ip"); got != tt.want {
			t.Errorf("failureDelay with %d failures = %v, want %v", tt.failures, got, tt.want)
		}
	}

	// An unknown pair gets no delay.
	if got := g.failureDelay("stranger", "ip"); got != 0 {
		t.Errorf("failureDelay for unknown pair = %v, want 0", got)
	}
}

func TestFailureWindowReset(t *testing.T) {
	g := testGate()

	// Failures older than the window start a fresh count.
	g.pairs[pairKey("user", "ip")] = &lockoutInfo{
		failures:     4,
		firstFailure: time.Now().Add(-16 * time.Minute),
	}
	g.record("user", "ip", false)

	info := g.pairs[pairKey("user", "ip")]
	if info.failures != 1 {
		t.Errorf("failures after window expiry = %d, want 1", info.failures)
	}
	if !info.lockedUntil.IsZero() {
		t.Error("stale failures triggered a lockout")
	}
}

func TestEvictExpired(t *testing.T) {
	g := testGate()

	old := time.Now().Add(-time.Hour)
	g.pairs[pairKey("stale", "ip")] = &lockoutInfo{failures: 2, firstFailure: old}
	g.pairs[pairKey("locked", "ip")] = &lockoutInfo{
		failures: 5, firstFailure: old, lockedUntil: time.Now().Add(time.Minute),
	}
	g.pairs[pairKey("fresh", "ip")] = &lockoutInfo{failures: 1, firstFailure: time.Now()}

	g.evictExpired()

	if _, ok := g.pairs[pairKey("stale", "ip")]; ok {
		t.Error("stale pair not evicted")
	}
	if _, ok := g.pairs[pairKey("locked", "ip")]; !ok {
		t.Error("actively locked pair evicted")
	}
	if _, ok := g.pairs[pairKey("fresh", "ip")]; !ok {
		t.Error("fresh pair evicted")
	}
}

func TestPendingAttemptsQueued(t *testing.T) {
	g := testGate()

	g.record("a", "ip", false)
	g.record("b", "ip", true)

	if len(g.pending) != 2 {
		t.Fatalf("pending = %d attempts, want 2", len(g.pending))
	}
	if g.pending[0].Identity != "a" || g.pending[0].Success {
		t.Errorf("first attempt = %+v", g.pending[0])
	}
	if g.pending[1].Identity != "b" || !g.pending[1].Success {
		t.Errorf("second attempt = %+v", g.pending[1])
	}
}
