// Package auth is the submission authentication gate. Credentials are
// verified against the users table; failures are tracked per (identity,
// source IP) pair and a threshold of recent failures locks the pair out
// for a fixed duration, rejected before any credential comparison.
// Attempt records are written to the database in batches.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rishavghosh108/mrx-mta/config"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/db"
	"github.com/rishavghosh108/mrx-mta/logger"
)

const (
	maxPendingAttempts  = 50
	attemptRetention    = 7 * 24 * time.Hour
	attemptCleanupEvery = time.Hour
)

type lockoutInfo struct {
	failures     int
	lockedUntil  time.Time
	firstFailure time.Time
}

// Gate verifies submission credentials and enforces lockouts.
type Gate struct {
	database *db.Database

	maxFailures   int
	failureWindow time.Duration
	lockout       time.Duration
	delayBase     time.Duration

	mu      sync.Mutex
	pairs   map[string]*lockoutInfo // keyed identity + "\x00" + ip
	pending []db.AuthAttempt
}

func NewGate(database *db.Database, cfg *config.AuthConfig) (*Gate, error) {
	window, err := cfg.GetFailureWindow()
	if err != nil {
		return nil, err
	}
	lockout, err := cfg.GetLockoutDuration()
	if err != nil {
		return nil, err
	}
	delayBase, err := cfg.GetDelayBase()
	if err != nil {
		return nil, err
	}

	return &Gate{
		database:      database,
		maxFailures:   cfg.GetMaxFailures(),
		failureWindow: window,
		lockout:       lockout,
		delayBase:     delayBase,
		pairs:         make(map[string]*lockoutInfo),
	}, nil
}

// Start launches the attempt flush and cleanup loops.
func (g *Gate) Start(ctx context.Context) {
	go g.flushLoop(ctx)
	go g.cleanupLoop(ctx)
}

func pairKey(identity, ip string) string {
	return identity + "\x00" + ip
}

// Authenticate verifies a credential for an identity connecting from ip.
// A locked-out pair is rejected before any hash comparison. The reply
// never distinguishes a wrong password from an unknown identity.
func (g *Gate) Authenticate(ctx context.Context, identity, credential, ip string) error {
	if locked, until := g.isLockedOut(identity, ip); locked {
		logger.Info("auth: locked out", "identity", identity, "ip", ip, "until", until.Format(time.RFC3339))
		return consts.ErrAuthLockedOut
	}

	err := g.database.VerifyCredentials(ctx, identity, credential)
	success := err == nil

	g.record(identity, ip, success)

	if success {
		logger.Info("auth: authentication successful", "identity", identity, "ip", ip)
		return nil
	}

	if !errors.Is(err, consts.ErrAuthFailed) {
		logger.Error("auth: credential check failed", "identity", identity, "error", err)
	}

	// Progressive delay slows guessing; cancelled if the client hangs up.
	if delay := g.failureDelay(identity, ip); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	return consts.ErrAuthFailed
}

func (g *Gate) isLockedOut(identity, ip string) (bool, time.Time) {
	now := time.Now()

	g.mu.Lock()
	info, ok := g.pairs[pairKey(identity, ip)]
	if ok && now.Before(info.lockedUntil) {
		until := info.lockedUntil
		g.mu.Unlock()
		return true, until
	}
	g.mu.Unlock()

	// The in-memory view misses failures from before a restart; fall back
	// to the attempts table.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	count, err := g.database.CountRecentFailures(ctx, identity, ip, g.failureWindow)
	if err != nil {
		logger.Warn("auth: failure count lookup failed", "identity", identity, "error", err)
		// Fail closed.
		return true, now.Add(g.lockout)
	}
	if count >= g.maxFailures {
		until := now.Add(g.lockout)
		g.mu.Lock()
		g.pairs[pairKey(identity, ip)] = &lockoutInfo{failures: count, lockedUntil: until, firstFailure: now}
		g.mu.Unlock()
		return true, until
	}
	return false, time.Time{}
}

// record updates the in-memory pair state and queues the attempt row.
func (g *Gate) record(identity, ip string, success bool) {
	now := time.Now()

	g.mu.Lock()
	key := pairKey(identity, ip)
	if success {
		delete(g.pairs, key)
	} else {
		info, ok := g.pairs[key]
		if !ok || now.Sub(info.firstFailure) > g.failureWindow {
			info = &lockoutInfo{firstFailure: now}
			g.pairs[key] = info
		}
		info.failures++
		if info.failures >= g.maxFailures {
			info.lockedUntil = now.Add(g.lockout)
			logger.Warn("auth: lockout engaged", "identity", identity, "ip", ip, "failures", info.failures)
		}
	}

	g.pending = append(g.pending, db.AuthAttempt{
		Identity:    identity,
		IP:          ip,
		Success:     success,
		AttemptedAt: now,
	})
	flushNow := len(g.pending) >= maxPendingAttempts
	g.mu.Unlock()

	if flushNow {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.flush(ctx)
	}
}

// failureDelay grows with the pair's consecutive failures, capped at 30s.
func (g *Gate) failureDelay(identity, ip string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	info, ok := g.pairs[pairKey(identity, ip)]
	if !ok || info.failures < 2 {
		return 0
	}
	shift := info.failures - 2
	if shift > 5 {
		shift = 5
	}
	delay := g.delayBase << shift
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

func (g *Gate) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			g.flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			g.flush(ctx)
		}
	}
}

func (g *Gate) flush(ctx context.Context) {
	g.mu.Lock()
	batch := g.pending
	g.pending = nil
	g.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := g.database.RecordAuthAttempts(ctx, batch); err != nil {
		logger.Warn("auth: attempt batch write failed", "count", len(batch), "error", err)
	}
}

func (g *Gate) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(attemptCleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.database.CleanupAuthAttempts(ctx, attemptRetention); err != nil {
				logger.Warn("auth: attempt cleanup failed", "error", err)
			}
			g.evictExpired()
		}
	}
}

func (g *Gate) evictExpired() {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, info := range g.pairs {
		if now.After(info.lockedUntil) && now.Sub(info.firstFailure) > g.failureWindow {
			delete(g.pairs, key)
		}
	}
}
