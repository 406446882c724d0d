package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/c360/ratebridge/errors"
)

// LookupPayload returns the last-saved timestamp for the exact payload
// text. The second return is false when the payload has never been fetched.
func (s *Store) LookupPayload(ctx context.Context, payload string) (time.Time, bool, error) {
	var lastSaved time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_save_payload FROM payload_table WHERE payload = ?`, payload,
	).Scan(&lastSaved)
	if stderrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.WrapTransient(storageErr(err), "Store", "LookupPayload", "query payload ledger")
	}
	return lastSaved, true, nil
}

// TouchPayload records that the payload was (re-)fetched at ts, creating
// the ledger row on first sight
func (s *Store) TouchPayload(ctx context.Context, payload string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payload_table (payload, last_save_payload) VALUES (?, ?)
		 ON CONFLICT(payload) DO UPDATE SET last_save_payload = excluded.last_save_payload`,
		payload, ts)
	if err != nil {
		return errors.WrapTransient(storageErr(err), "Store", "TouchPayload", "upsert payload ledger")
	}
	return nil
}

// DedupExists reports whether the rid is present in the dedup ledger
func (s *Store) DedupExists(ctx context.Context, rid string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM request_ids WHERE rid = ?`, rid,
	).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapTransient(storageErr(err), "Store", "DedupExists", "query dedup ledger")
	}
	return true, nil
}

// DedupInsert records a rid with its expiry. The insert is idempotent: the
// unique primary key is the authority and re-inserting an existing rid is a
// no-op.
func (s *Store) DedupInsert(ctx context.Context, rid string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO request_ids (rid, expires_at, created_at) VALUES (?, ?, ?)`,
		rid, expiresAt, time.Now().UTC())
	if err != nil {
		return errors.WrapTransient(storageErr(err), "Store", "DedupInsert", "insert dedup ledger")
	}
	return nil
}

// DedupPurgeExpired removes rows whose expiry has passed and returns the
// number purged
func (s *Store) DedupPurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_ids WHERE expires_at < ?`, now)
	if err != nil {
		return 0, errors.WrapTransient(storageErr(err), "Store", "DedupPurgeExpired", "purge expired rids")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DedupPurgeOlderThan removes rows older than the given number of days by
// creation time, regardless of expiry
func (s *Store) DedupPurgeOlderThan(ctx context.Context, days int, now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_ids WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.WrapTransient(storageErr(err), "Store", "DedupPurgeOlderThan", "purge old rids")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DedupCount returns the number of ledger rows
func (s *Store) DedupCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_ids`).Scan(&n); err != nil {
		return 0, errors.WrapTransient(storageErr(err), "Store", "DedupCount", "count dedup ledger")
	}
	return n, nil
}
