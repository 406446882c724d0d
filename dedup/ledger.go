// Package dedup implements the deduplication ledger of observed correlation
// ids and its scheduled expiration sweeps. The ledger guarantees at-most-once
// handling of duplicate deliveries: the first durable side effect of every
// consumed request is recording its rid here.
package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/ratebridge/errors"
	"github.com/c360/ratebridge/store"
)

// Ledger provides dedup operations over the durable rid table
type Ledger struct {
	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewLedger creates a ledger whose entries expire ttlDays after insertion
func NewLedger(s *store.Store, ttlDays int, logger *slog.Logger) *Ledger {
	if ttlDays <= 0 {
		ttlDays = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		ttl:    time.Duration(ttlDays) * 24 * time.Hour,
		logger: logger.With("component", "dedup-ledger"),
	}
}

// Seen reports whether rid was already recorded
func (l *Ledger) Seen(ctx context.Context, rid string) (bool, error) {
	if rid == "" {
		return false, errors.WrapInvalid(errors.ErrMissingCorrelation, "Ledger", "Seen", "check rid")
	}
	return l.store.DedupExists(ctx, rid)
}

// Record inserts rid with expiry now + TTL. The insert is idempotent;
// concurrent inserts of the same rid are resolved by the table's unique
// constraint.
func (l *Ledger) Record(ctx context.Context, rid string) error {
	if rid == "" {
		return errors.WrapInvalid(errors.ErrMissingCorrelation, "Ledger", "Record", "record rid")
	}
	return l.store.DedupInsert(ctx, rid, time.Now().UTC().Add(l.ttl))
}

// PurgeExpired removes entries whose expiry has passed
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	return l.store.DedupPurgeExpired(ctx, time.Now().UTC())
}

// PurgeOlderThan removes entries older than the given number of days by
// creation time, regardless of expiry
func (l *Ledger) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	return l.store.DedupPurgeOlderThan(ctx, days, time.Now().UTC())
}
