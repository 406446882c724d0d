package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ratebridge/store"
)

func openLedger(t *testing.T, ttlDays int) *Ledger {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewLedger(s, ttlDays, nil)
}

func TestRecordThenSeen(t *testing.T) {
	ledger := openLedger(t, 10)
	ctx := context.Background()

	seen, err := ledger.Seen(ctx, "rid-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, ledger.Record(ctx, "rid-1"))

	seen, err = ledger.Seen(ctx, "rid-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRecordIsIdempotent(t *testing.T) {
	ledger := openLedger(t, 10)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, "rid-1"))
	require.NoError(t, ledger.Record(ctx, "rid-1"))

	seen, err := ledger.Seen(ctx, "rid-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestEmptyRIDRejected(t *testing.T) {
	ledger := openLedger(t, 10)
	ctx := context.Background()

	_, err := ledger.Seen(ctx, "")
	assert.Error(t, err)
	assert.Error(t, ledger.Record(ctx, ""))
}

func TestSweeperCatchUpSweepRunsOnStart(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	// Row already expired before the sweeper starts
	require.NoError(t, s.DedupInsert(ctx, "stale", time.Now().UTC().Add(-time.Hour)))
	require.NoError(t, s.DedupInsert(ctx, "live", time.Now().UTC().Add(time.Hour)))

	ledger := NewLedger(s, 10, nil)
	sweeper := NewSweeper(ledger, 15, nil)
	require.NoError(t, sweeper.Initialize())
	require.NoError(t, sweeper.Start(ctx))
	defer sweeper.Stop(time.Second)

	require.Eventually(t, func() bool {
		exists, err := s.DedupExists(ctx, "stale")
		return err == nil && !exists
	}, time.Second, 10*time.Millisecond)

	exists, err := s.DedupExists(ctx, "live")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSweeperLifecycle(t *testing.T) {
	ledger := openLedger(t, 10)
	sweeper := NewSweeper(ledger, 15, nil)

	require.NoError(t, sweeper.Start(context.Background()))
	assert.Error(t, sweeper.Start(context.Background()))

	require.Eventually(t, func() bool {
		return sweeper.Health().Healthy
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sweeper.Stop(time.Second))
	assert.False(t, sweeper.Health().Healthy)
	// Stopping twice is a no-op
	require.NoError(t, sweeper.Stop(time.Second))
}

func TestNextMidnight(t *testing.T) {
	now := time.Date(2024, 1, 15, 13, 45, 0, 0, time.Local)
	next := nextMidnight(now)

	assert.Equal(t, time.Date(2024, 1, 16, 0, 0, 0, 0, time.Local), next)
	assert.True(t, next.After(now))

	// A tick exactly at midnight schedules the following day
	midnight := time.Date(2024, 1, 16, 0, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2024, 1, 17, 0, 0, 0, 0, time.Local), nextMidnight(midnight))
}

func TestSweeperMeta(t *testing.T) {
	ledger := openLedger(t, 10)
	sweeper := NewSweeper(ledger, 15, nil)

	meta := sweeper.Meta()
	assert.Equal(t, "dedup-sweeper", meta.Name)
	assert.Equal(t, "scheduler", meta.Type)
	assert.Empty(t, sweeper.InputPorts())
	assert.Empty(t, sweeper.OutputPorts())
}
