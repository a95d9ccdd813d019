package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	ListBlacklist = "blacklist"
	ListWhitelist = "whitelist"

	ListKindIP     = "ip"
	ListKindDomain = "domain"
)

// ListEntry is one blacklist or whitelist row.
type ListEntry struct {
	List  string
	Kind  string
	Value string
}

// LoadListEntries returns every entry of the given list. The policy engine
// loads these into memory and refreshes periodically.
func (db *Database) LoadListEntries(ctx context.Context, list string) ([]ListEntry, error) {
	rows, err := db.TimedQuery(ctx, "policy_load_list", `
		SELECT list, kind, value FROM policy_list_entries WHERE list = $1`, list)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ListEntry
	for rows.Next() {
		var e ListEntry
		if err := rows.Scan(&e.List, &e.Kind, &e.Value); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddListEntry inserts a blacklist or whitelist entry. Used by provisioning
// and tests.
func (db *Database) AddListEntry(ctx context.Context, entry ListEntry) error {
	return db.TimedExec(ctx, "policy_add_list_entry", `
		INSERT INTO policy_list_entries (list, kind, value) VALUES ($1, $2, $3)
		ON CONFLICT (list, kind, value) DO NOTHING`,
		entry.List, entry.Kind, entry.Value)
}

// RemoveListEntry deletes a blacklist or whitelist entry.
func (db *Database) RemoveListEntry(ctx context.Context, entry ListEntry) error {
	return db.TimedExec(ctx, "policy_remove_list_entry", `
		DELETE FROM policy_list_entries WHERE list = $1 AND kind = $2 AND value = $3`,
		entry.List, entry.Kind, entry.Value)
}

// GreylistOutcome describes where a triplet stands.
type GreylistOutcome int

const (
	GreylistNew      GreylistOutcome = iota // first sighting, defer
	GreylistDeferred                        // retried too early, defer again
	GreylistPassed                          // waited out the delay, accept
)

// CheckGreylist records a sighting of the (sender, recipient, IP) triplet
// and reports whether the message should be deferred. A triplet that has
// ever passed stays passed until its record expires.
func (db *Database) CheckGreylist(ctx context.Context, sender, recipient, ip string, delay time.Duration) (GreylistOutcome, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return GreylistNew, err
	}
	defer tx.Rollback(ctx)

	var firstSeen time.Time
	var passed bool
	err = tx.QueryRow(ctx, `
		SELECT first_seen, passed FROM greylist
		WHERE sender = $1 AND recipient = $2 AND ip_address = $3
		FOR UPDATE`,
		sender, recipient, ip).Scan(&firstSeen, &passed)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx, `
			INSERT INTO greylist (sender, recipient, ip_address) VALUES ($1, $2, $3)`,
			sender, recipient, ip)
		if err != nil {
			return GreylistNew, err
		}
		return GreylistNew, tx.Commit(ctx)
	}
	if err != nil {
		return GreylistNew, err
	}

	outcome := GreylistDeferred
	if passed {
		outcome = GreylistPassed
	} else if time.Since(firstSeen) >= delay {
		passed = true
		outcome = GreylistPassed
	}

	_, err = tx.Exec(ctx, `
		UPDATE greylist SET last_seen = now(), passed = $1
		WHERE sender = $2 AND recipient = $3 AND ip_address = $4`,
		passed, sender, recipient, ip)
	if err != nil {
		return outcome, err
	}
	return outcome, tx.Commit(ctx)
}

// CleanupGreylist forgets triplets not seen within the TTL.
func (db *Database) CleanupGreylist(ctx context.Context, ttl time.Duration) error {
	return db.TimedExec(ctx, "policy_greylist_cleanup", `
		DELETE FROM greylist WHERE last_seen < now() - $1::interval`, ttl)
}

// RateBucket is the persisted state of one token bucket.
type RateBucket struct {
	Key       string
	Tokens    float64
	UpdatedAt time.Time
}

// SyncRateBuckets upserts a batch of bucket states. The policy engine
// tracks buckets in memory and flushes here on a timer, so a restart loses
// at most one sync interval of spend.
func (db *Database) SyncRateBuckets(ctx context.Context, buckets []RateBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, b := range buckets {
		batch.Queue(`
			INSERT INTO rate_buckets (bucket_key, tokens, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (bucket_key) DO UPDATE
			SET tokens = EXCLUDED.tokens, updated_at = EXCLUDED.updated_at`,
			b.Key, b.Tokens, b.UpdatedAt)
	}

	results := db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range buckets {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LoadRateBucket fetches one bucket's persisted state; found is false when
// the bucket has never been synced.
func (db *Database) LoadRateBucket(ctx context.Context, key string) (RateBucket, bool, error) {
	var b RateBucket
	err := db.TimedQueryRow(ctx, "policy_load_bucket", `
		SELECT bucket_key, tokens, updated_at FROM rate_buckets WHERE bucket_key = $1`,
		key).Scan(&b.Key, &b.Tokens, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, false, nil
	}
	if err != nil {
		return b, false, err
	}
	return b, true, nil
}

// GetRateOverride returns the rate override for an identity, either a
// sender address or an authenticated username, if one exists.
func (db *Database) GetRateOverride(ctx context.Context, identity string) (rate, burst float64, ok bool, err error) {
	err = db.TimedQueryRow(ctx, "policy_rate_override", `
		SELECT rate_per_minute, burst FROM rate_overrides WHERE identity = $1`,
		identity).Scan(&rate, &burst)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return rate, burst, true, nil
}
