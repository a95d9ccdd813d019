package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rishavghosh108/mrx-mta/consts"
	"golang.org/x/crypto/bcrypt"
)

// VerifyCredentials checks a submission user's password against the stored
// bcrypt hash. Unknown user and wrong password both come back as
// consts.ErrAuthFailed; the distinction is never put on the wire.
func (db *Database) VerifyCredentials(ctx context.Context, username, password string) error {
	var hash string
	err := db.TimedQueryRow(ctx, "auth_get_user", `
		SELECT password_hash FROM auth_users WHERE username = $1`, username).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Burn comparable time so user enumeration by timing stays hard.
			_ = bcrypt.CompareHashAndPassword(
				[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
			return consts.ErrAuthFailed
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return consts.ErrAuthFailed
	}
	return nil
}

// CreateUser inserts a submission account. Used by provisioning and tests.
func (db *Database) CreateUser(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return db.TimedExec(ctx, "auth_create_user", `
		INSERT INTO auth_users (username, password_hash) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash`,
		username, string(hash))
}

// User is one submission account row.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// FindUser looks up a submission account by username. Returns
// consts.ErrUserNotFound when no such account exists.
func (db *Database) FindUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := db.TimedQueryRow(ctx, "auth_find_user", `
		SELECT id, username, created_at FROM auth_users WHERE username = $1`,
		username).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// DeleteUser removes a submission account. Used by provisioning.
func (db *Database) DeleteUser(ctx context.Context, username string) error {
	return db.TimedExec(ctx, "auth_delete_user", `
		DELETE FROM auth_users WHERE username = $1`, username)
}

// AuthAttempt is one authentication outcome pending batch insertion.
type AuthAttempt struct {
	Identity    string
	IP          string
	Success     bool
	AttemptedAt time.Time
}

// RecordAuthAttempts flushes a batch of attempt records. The auth gate
// buffers these so a burst of failures costs one round trip, not one per
// attempt.
func (db *Database) RecordAuthAttempts(ctx context.Context, attempts []AuthAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range attempts {
		batch.Queue(`
			INSERT INTO auth_attempts (identity, ip_address, success, attempted_at)
			VALUES ($1, $2, $3, $4)`,
			a.Identity, a.IP, a.Success, a.AttemptedAt)
	}

	results := db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range attempts {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// CountRecentFailures counts failed attempts for an (identity, IP) pair
// within the sliding window.
func (db *Database) CountRecentFailures(ctx context.Context, identity, ip string, window time.Duration) (int, error) {
	var count int
	err := db.TimedQueryRow(ctx, "auth_count_failures", `
		SELECT COUNT(*) FROM auth_attempts
		WHERE identity = $1 AND ip_address = $2 AND success = FALSE
		  AND attempted_at > now() - $3::interval`,
		identity, ip, window).Scan(&count)
	return count, err
}

// CleanupAuthAttempts removes attempt records older than the retention
// window.
func (db *Database) CleanupAuthAttempts(ctx context.Context, retention time.Duration) error {
	return db.TimedExec(ctx, "auth_cleanup", `
		DELETE FROM auth_attempts WHERE attempted_at < now() - $1::interval`,
		retention)
}
