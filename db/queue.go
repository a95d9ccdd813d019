package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/helpers"
)

// Message lifecycle states.
const (
	MessageStateActive    = "active"
	MessageStateDeferred  = "deferred"
	MessageStateDelivered = "delivered"
	MessageStateBounced   = "bounced"
	MessageStateCorrupt   = "corrupt"
)

// Per-recipient delivery states. Delivered and bounced are terminal.
const (
	RecipientStatusPending   = "pending"
	RecipientStatusDeferred  = "deferred"
	RecipientStatusDelivered = "delivered"
	RecipientStatusBounced   = "bounced"
)

// QueueMessage is the metadata row for one queued message. The payload
// itself lives in object storage under the message ID.
type QueueMessage struct {
	ID           string
	Sender       string // "" is the null return path
	IsBounce     bool
	Size         int64
	Checksum     []byte
	State        string
	Attempts     int
	NextRetry    time.Time
	ReceivedAt   time.Time
	LeaseOwner   string
	LeaseExpires time.Time
	SourceIP     string
	HELOName     string
	Recipients   []QueueRecipient
}

// QueueRecipient tracks per-recipient delivery progress.
type QueueRecipient struct {
	ID          int64
	MessageID   string
	Address     string
	Domain      string
	Status      string
	Attempts    int
	LastError   string
	LastAttempt time.Time
}

// QueueStats summarizes queue contents for observability.
type QueueStats struct {
	ByState   map[string]int64
	OldestAge time.Duration
}

// InsertMessage writes the metadata row and its recipient rows in one
// transaction. The caller must have stored the payload first; a failure
// here leaves an orphaned object, never a payload-less queue entry.
func (db *Database) InsertMessage(ctx context.Context, msg *QueueMessage) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_messages (id, sender, is_bounce, size, checksum, state, next_retry, source_ip, helo_name)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7, $8)`,
		msg.ID, msg.Sender, msg.IsBounce, msg.Size, msg.Checksum, MessageStateActive, msg.SourceIP, msg.HELOName)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}

	for i := range msg.Recipients {
		rcpt := &msg.Recipients[i]
		if rcpt.Domain == "" {
			rcpt.Domain = helpers.Domain(rcpt.Address)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO queue_recipients (message_id, recipient, domain)
			VALUES ($1, $2, $3)`,
			msg.ID, rcpt.Address, rcpt.Domain)
		if err != nil {
			return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

// AcquireNextMessage leases the next due message for the given owner.
// SKIP LOCKED keeps concurrent workers from blocking each other, and the
// lease_expires guard reclaims leases abandoned by dead workers. Returns
// consts.ErrQueueEmpty when nothing is due.
func (db *Database) AcquireNextMessage(ctx context.Context, owner string, leaseTimeout time.Duration) (*QueueMessage, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	var msg QueueMessage
	err = tx.QueryRow(ctx, `
		SELECT id, sender, is_bounce, size, checksum, state, attempts, next_retry, received_at, source_ip, helo_name
		FROM queue_messages
		WHERE state IN ('active', 'deferred')
		  AND next_retry <= now()
		  AND (lease_expires IS NULL OR lease_expires < now())
		ORDER BY next_retry
		FOR UPDATE SKIP LOCKED
		LIMIT 1`).Scan(
		&msg.ID, &msg.Sender, &msg.IsBounce, &msg.Size, &msg.Checksum, &msg.State,
		&msg.Attempts, &msg.NextRetry, &msg.ReceivedAt, &msg.SourceIP, &msg.HELOName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrQueueEmpty
		}
		return nil, err
	}

	expires := time.Now().Add(leaseTimeout)
	_, err = tx.Exec(ctx, `
		UPDATE queue_messages SET lease_owner = $1, lease_expires = $2, updated_at = now()
		WHERE id = $3`,
		owner, expires, msg.ID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, recipient, domain, status, attempts, last_error, COALESCE(last_attempt, 'epoch'::timestamptz)
		FROM queue_recipients
		WHERE message_id = $1
		ORDER BY id`, msg.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		rcpt := QueueRecipient{MessageID: msg.ID}
		if err := rows.Scan(&rcpt.ID, &rcpt.Address, &rcpt.Domain, &rcpt.Status, &rcpt.Attempts, &rcpt.LastError, &rcpt.LastAttempt); err != nil {
			return nil, err
		}
		msg.Recipients = append(msg.Recipients, rcpt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	msg.LeaseOwner = owner
	msg.LeaseExpires = expires
	return &msg, nil
}

// ReleaseLease clears a lease without changing delivery state, used when a
// worker shuts down mid-run.
func (db *Database) ReleaseLease(ctx context.Context, messageID, owner string) error {
	return db.TimedExec(ctx, "queue_release_lease", `
		UPDATE queue_messages SET lease_owner = NULL, lease_expires = NULL, updated_at = now()
		WHERE id = $1 AND lease_owner = $2`,
		messageID, owner)
}

// UpdateRecipientStatus records an attempt outcome for one recipient.
// Terminal states are monotonic: once delivered or bounced a recipient row
// never changes again, so a late duplicate attempt cannot regress it.
func (db *Database) UpdateRecipientStatus(ctx context.Context, messageID, recipient, status, lastError string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE queue_recipients
		SET status = $1, attempts = attempts + 1, last_error = $2, last_attempt = now()
		WHERE message_id = $3 AND recipient = $4
		  AND status NOT IN ('delivered', 'bounced')`,
		status, helpers.SanitizeUTF8(lastError), messageID, recipient)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrTerminalState
	}
	return nil
}

// DeferMessage releases the lease and schedules the next attempt.
func (db *Database) DeferMessage(ctx context.Context, messageID, owner string, nextRetry time.Time) error {
	return db.TimedExec(ctx, "queue_defer", `
		UPDATE queue_messages
		SET state = 'deferred', attempts = attempts + 1, next_retry = $1,
		    lease_owner = NULL, lease_expires = NULL, updated_at = now()
		WHERE id = $2 AND lease_owner = $3`,
		nextRetry, messageID, owner)
}

// CompleteMessage moves a message to a terminal state and drops the lease.
func (db *Database) CompleteMessage(ctx context.Context, messageID, owner, state string) error {
	return db.TimedExec(ctx, "queue_complete", `
		UPDATE queue_messages
		SET state = $1, attempts = attempts + 1, completed_at = now(),
		    lease_owner = NULL, lease_expires = NULL, updated_at = now()
		WHERE id = $2 AND lease_owner = $3`,
		state, messageID, owner)
}

// MarkCorrupt takes a message out of rotation after a checksum failure.
// No lease check: corruption is detected while holding the lease, but the
// marker must stick even if the lease expired mid-read.
func (db *Database) MarkCorrupt(ctx context.Context, messageID string) error {
	return db.TimedExec(ctx, "queue_mark_corrupt", `
		UPDATE queue_messages
		SET state = 'corrupt', completed_at = now(),
		    lease_owner = NULL, lease_expires = NULL, updated_at = now()
		WHERE id = $1`,
		messageID)
}

// RequeueMessage resets a non-terminal message for an immediate attempt.
func (db *Database) RequeueMessage(ctx context.Context, messageID string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE queue_messages
		SET state = 'active', attempts = 0, next_retry = now(),
		    lease_owner = NULL, lease_expires = NULL, updated_at = now()
		WHERE id = $1 AND state IN ('active', 'deferred')`,
		messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// GetMessage loads one message with its recipients.
func (db *Database) GetMessage(ctx context.Context, messageID string) (*QueueMessage, error) {
	var msg QueueMessage
	err := db.TimedQueryRow(ctx, "queue_get", `
		SELECT id, sender, is_bounce, size, checksum, state, attempts, next_retry, received_at, source_ip, helo_name
		FROM queue_messages WHERE id = $1`, messageID).Scan(
		&msg.ID, &msg.Sender, &msg.IsBounce, &msg.Size, &msg.Checksum, &msg.State,
		&msg.Attempts, &msg.NextRetry, &msg.ReceivedAt, &msg.SourceIP, &msg.HELOName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMessageNotFound
		}
		return nil, err
	}

	rows, err := db.TimedQuery(ctx, "queue_get_recipients", `
		SELECT id, recipient, domain, status, attempts, last_error, COALESCE(last_attempt, 'epoch'::timestamptz)
		FROM queue_recipients WHERE message_id = $1 ORDER BY id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		rcpt := QueueRecipient{MessageID: msg.ID}
		if err := rows.Scan(&rcpt.ID, &rcpt.Address, &rcpt.Domain, &rcpt.Status, &rcpt.Attempts, &rcpt.LastError, &rcpt.LastAttempt); err != nil {
			return nil, err
		}
		msg.Recipients = append(msg.Recipients, rcpt)
	}
	return &msg, rows.Err()
}

// ListMessages returns queue entries, newest first, optionally filtered by
// state. Recipients are not loaded; use GetMessage for detail.
func (db *Database) ListMessages(ctx context.Context, state string, limit int) ([]QueueMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, sender, is_bounce, size, state, attempts, next_retry, received_at
		FROM queue_messages`
	args := []interface{}{limit}
	if state != "" {
		query += ` WHERE state = $2`
		args = append(args, state)
	}
	query += ` ORDER BY received_at DESC LIMIT $1`

	rows, err := db.TimedQuery(ctx, "queue_list", query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueMessage
	for rows.Next() {
		var msg QueueMessage
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.IsBounce, &msg.Size, &msg.State,
			&msg.Attempts, &msg.NextRetry, &msg.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// GetQueueStats returns message counts by state and the age of the oldest
// undelivered entry.
func (db *Database) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{ByState: make(map[string]int64)}

	rows, err := db.TimedQuery(ctx, "queue_stats", `
		SELECT state, COUNT(*) FROM queue_messages GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats.ByState[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest *time.Time
	err = db.TimedQueryRow(ctx, "queue_oldest", `
		SELECT MIN(received_at) FROM queue_messages WHERE state IN ('active', 'deferred')`).Scan(&oldest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if oldest != nil {
		stats.OldestAge = time.Since(*oldest)
	}
	return stats, nil
}

// PromoteExpired makes messages older than maxAge due immediately so a
// worker picks them up and bounces them under a normal lease. Returns the
// number of messages promoted.
func (db *Database) PromoteExpired(ctx context.Context, maxAge time.Duration, limit int) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE queue_messages SET next_retry = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM queue_messages
			WHERE state IN ('active', 'deferred')
			  AND received_at < now() - $1::interval
			  AND next_retry > now()
			  AND (lease_expires IS NULL OR lease_expires < now())
			LIMIT $2
		)`,
		maxAge, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CleanupTerminal deletes delivered, bounced and corrupt rows older than the
// retention window. Returns the IDs removed so the caller can delete the
// payload objects.
func (db *Database) CleanupTerminal(ctx context.Context, retention time.Duration, limit int) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		DELETE FROM queue_messages
		WHERE id IN (
			SELECT id FROM queue_messages
			WHERE state IN ('delivered', 'bounced', 'corrupt')
			  AND completed_at < now() - $1::interval
			LIMIT $2
		)
		RETURNING id`,
		retention, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
