// Package queue is the durable store-and-forward core. Message payloads go
// to object storage first; the metadata row is committed only afterwards,
// so every queue entry always has a payload behind it. Workers take
// exclusive leases on due messages, and leases abandoned by dead workers
// are reclaimed once they expire.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rishavghosh108/mrx-mta/config"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/db"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/pkg/metrics"
	"github.com/rishavghosh108/mrx-mta/storage"
)

const cleanupBatchSize = 200

// Envelope describes a message being handed to the queue.
type Envelope struct {
	ID         string // queue identifier; assigned when empty
	Sender     string // "" is the null return path
	Recipients []string
	IsBounce   bool
	SourceIP   string
	HELOName   string
}

// Manager owns queue metadata and payload storage.
type Manager struct {
	database *db.Database
	store    *storage.PayloadStore

	retryBase    time.Duration
	retryMax     time.Duration
	maxAge       time.Duration
	leaseTimeout time.Duration
	retention    time.Duration
	cleanupEvery time.Duration
}

func NewManager(database *db.Database, store *storage.PayloadStore, cfg *config.QueueConfig) (*Manager, error) {
	retryBase, err := cfg.GetRetryBase()
	if err != nil {
		return nil, err
	}
	retryMax, err := cfg.GetRetryMaxInterval()
	if err != nil {
		return nil, err
	}
	maxAge, err := cfg.GetMaxQueueAge()
	if err != nil {
		return nil, err
	}
	leaseTimeout, err := cfg.GetLeaseTimeout()
	if err != nil {
		return nil, err
	}
	retention, err := cfg.GetRetention()
	if err != nil {
		return nil, err
	}
	cleanupEvery, err := cfg.GetCleanupInterval()
	if err != nil {
		return nil, err
	}

	return &Manager{
		database:     database,
		store:        store,
		retryBase:    retryBase,
		retryMax:     retryMax,
		maxAge:       maxAge,
		leaseTimeout: leaseTimeout,
		retention:    retention,
		cleanupEvery: cleanupEvery,
	}, nil
}

// MaxAge returns the configured maximum queue age.
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Enqueue stores the payload, then commits the metadata row. On a metadata
// failure the payload object is removed best-effort; the caller sees a
// single error and no queue entry either way.
func (m *Manager) Enqueue(ctx context.Context, env *Envelope, data []byte) (string, error) {
	if len(env.Recipients) == 0 {
		return "", fmt.Errorf("message has no recipients")
	}

	id := env.ID
	if id == "" {
		id = uuid.New().String()
	}

	checksum, err := m.store.Put(ctx, id, data)
	if err != nil {
		return "", fmt.Errorf("failed to store payload: %w", err)
	}

	msg := &db.QueueMessage{
		ID:       id,
		Sender:   env.Sender,
		IsBounce: env.IsBounce,
		Size:     int64(len(data)),
		Checksum: checksum,
		SourceIP: env.SourceIP,
		HELOName: env.HELOName,
	}
	for _, rcpt := range env.Recipients {
		msg.Recipients = append(msg.Recipients, db.QueueRecipient{Address: rcpt})
	}

	if err := m.database.InsertMessage(ctx, msg); err != nil {
		if delErr := m.store.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			logger.Warn("queue: failed to remove orphaned payload", "id", id, "error", delErr)
		}
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	metrics.QueueEnqueuedTotal.Inc()
	logger.Info("queue: message enqueued", "id", id, "sender", env.Sender,
		"recipients", len(env.Recipients), "size", len(data), "bounce", env.IsBounce)
	return id, nil
}

// Acquire leases the next due message. Returns consts.ErrQueueEmpty when
// nothing is ready.
func (m *Manager) Acquire(ctx context.Context, owner string) (*db.QueueMessage, error) {
	return m.database.AcquireNextMessage(ctx, owner, m.leaseTimeout)
}

// Payload fetches and verifies a leased message's body. A checksum
// mismatch marks the message corrupt and takes it out of rotation.
func (m *Manager) Payload(ctx context.Context, msg *db.QueueMessage) ([]byte, error) {
	data, err := m.store.Get(ctx, msg.ID, msg.Checksum)
	if err != nil {
		if errors.Is(err, consts.ErrPayloadCorrupt) {
			logger.Error("queue: payload corrupt, removing from rotation", "id", msg.ID)
			if markErr := m.database.MarkCorrupt(ctx, msg.ID); markErr != nil {
				logger.Error("queue: failed to mark message corrupt", "id", msg.ID, "error", markErr)
			}
		}
		return nil, err
	}
	return data, nil
}

// NextRetry computes the next attempt time for a message that has already
// failed the given number of attempts: base * 2^attempts, capped at the
// configured maximum, then spread by a jitter factor in [0.5, 1.5).
func (m *Manager) NextRetry(attempts int) time.Time {
	interval := float64(m.retryBase) * math.Pow(2, float64(attempts))
	if interval > float64(m.retryMax) {
		interval = float64(m.retryMax)
	}
	jitter := 0.5 + rand.Float64()
	return time.Now().Add(time.Duration(interval * jitter))
}

// RecordRecipient stores one recipient's attempt outcome. ErrTerminalState
// from a stale duplicate attempt is swallowed: terminal states are final.
func (m *Manager) RecordRecipient(ctx context.Context, messageID, recipient, status, lastError string) error {
	err := m.database.UpdateRecipientStatus(ctx, messageID, recipient, status, lastError)
	if errors.Is(err, consts.ErrTerminalState) {
		logger.Debug("queue: ignoring update for terminal recipient", "id", messageID, "recipient", recipient)
		return nil
	}
	return err
}

// Defer reschedules a leased message for a later attempt.
func (m *Manager) Defer(ctx context.Context, msg *db.QueueMessage) error {
	next := m.NextRetry(msg.Attempts)
	logger.Info("queue: message deferred", "id", msg.ID, "attempts", msg.Attempts+1, "next_retry", next)
	return m.database.DeferMessage(ctx, msg.ID, msg.LeaseOwner, next)
}

// Complete moves a leased message to a terminal state.
func (m *Manager) Complete(ctx context.Context, msg *db.QueueMessage, state string) error {
	logger.Info("queue: message completed", "id", msg.ID, "state", state)
	return m.database.CompleteMessage(ctx, msg.ID, msg.LeaseOwner, state)
}

// Release drops a lease without recording an attempt, used on shutdown.
func (m *Manager) Release(ctx context.Context, msg *db.QueueMessage) error {
	return m.database.ReleaseLease(ctx, msg.ID, msg.LeaseOwner)
}

// PromoteExpired makes messages past the maximum queue age due
// immediately; the next worker to lease them bounces them.
func (m *Manager) PromoteExpired(ctx context.Context, limit int) (int64, error) {
	return m.database.PromoteExpired(ctx, m.maxAge, limit)
}

// Get loads a message with its recipients.
func (m *Manager) Get(ctx context.Context, messageID string) (*db.QueueMessage, error) {
	return m.database.GetMessage(ctx, messageID)
}

// List returns queue entries, optionally filtered by state.
func (m *Manager) List(ctx context.Context, state string, limit int) ([]db.QueueMessage, error) {
	return m.database.ListMessages(ctx, state, limit)
}

// Requeue resets a message for an immediate delivery attempt.
func (m *Manager) Requeue(ctx context.Context, messageID string) error {
	logger.Info("queue: message requeued", "id", messageID)
	return m.database.RequeueMessage(ctx, messageID)
}

// Stats returns queue counters and refreshes the queue gauges.
func (m *Manager) Stats(ctx context.Context) (*db.QueueStats, error) {
	stats, err := m.database.GetQueueStats(ctx)
	if err != nil {
		return nil, err
	}
	for _, state := range []string{db.MessageStateActive, db.MessageStateDeferred,
		db.MessageStateDelivered, db.MessageStateBounced, db.MessageStateCorrupt} {
		metrics.QueueDepth.WithLabelValues(state).Set(float64(stats.ByState[state]))
	}
	metrics.QueueOldestAge.Set(stats.OldestAge.Seconds())
	return stats, nil
}

// StartCleanup purges terminal entries past retention, removing their
// payload objects, and keeps queue gauges fresh.
func (m *Manager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cleanupEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanupOnce(ctx)
				if _, err := m.Stats(ctx); err != nil {
					logger.Warn("queue: stats refresh failed", "error", err)
				}
			}
		}
	}()
}

func (m *Manager) cleanupOnce(ctx context.Context) {
	for {
		ids, err := m.database.CleanupTerminal(ctx, m.retention, cleanupBatchSize)
		if err != nil {
			logger.Warn("queue: cleanup failed", "error", err)
			return
		}
		for _, id := range ids {
			if err := m.store.Delete(ctx, id); err != nil {
				logger.Warn("queue: payload delete failed during cleanup", "id", id, "error", err)
			}
		}
		if len(ids) > 0 {
			logger.Info("queue: purged terminal messages", "count", len(ids))
		}
		if len(ids) < cleanupBatchSize {
			return
		}
	}
}
