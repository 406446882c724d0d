package dedup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/ratebridge/component"
	"github.com/c360/ratebridge/errors"
)

// Sweeper runs the two daily purges at local midnight: expired entries by
// their TTL, and a hard purge of anything older than hardPurgeDays. A sweep
// missed while the process was down runs once at startup.
type Sweeper struct {
	name          string
	ledger        *Ledger
	hardPurgeDays int
	logger        *slog.Logger

	running   atomic.Bool
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu           sync.RWMutex
	lastSweep    time.Time
	lastError    string
	errorCount   int
	sweepsRun    atomic.Int64
	rowsPurged   atomic.Int64
	lastActivity time.Time
}

// NewSweeper creates the sweeper for the given ledger
func NewSweeper(ledger *Ledger, hardPurgeDays int, logger *slog.Logger) *Sweeper {
	if hardPurgeDays <= 0 {
		hardPurgeDays = 15
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		name:          "dedup-sweeper",
		ledger:        ledger,
		hardPurgeDays: hardPurgeDays,
		logger:        logger.With("component", "dedup-sweeper"),
	}
}

// Initialize prepares the sweeper
func (s *Sweeper) Initialize() error {
	return nil
}

// Start runs the catch-up sweep, then schedules daily sweeps at local
// midnight
func (s *Sweeper) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Sweeper", "Start", "start sweeper")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startTime = time.Now()
	s.running.Store(true)

	go s.run(runCtx)
	return nil
}

// Stop stops the sweep scheduler
func (s *Sweeper) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(timeout):
	}
	s.running.Store(false)
	return nil
}

// run executes the catch-up sweep and then fires at each local midnight
func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	// Catch-up for fires missed while the process was down
	s.sweep(ctx)

	for {
		wait := time.Until(nextMidnight(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs both purges
func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.ledger.PurgeExpired(ctx)
	if err != nil {
		s.recordError(err)
		return
	}

	old, err := s.ledger.PurgeOlderThan(ctx, s.hardPurgeDays)
	if err != nil {
		s.recordError(err)
		return
	}

	s.sweepsRun.Add(1)
	s.rowsPurged.Add(expired + old)
	s.mu.Lock()
	s.lastSweep = time.Now()
	s.lastActivity = s.lastSweep
	s.mu.Unlock()

	s.logger.Info("dedup sweep completed", "expired_purged", expired, "hard_purged", old)
}

func (s *Sweeper) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.errorCount++
	s.mu.Unlock()
	s.logger.Error("dedup sweep failed", "error", err)
}

// nextMidnight returns the next local midnight after now
func nextMidnight(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

// Meta returns component metadata
func (s *Sweeper) Meta() component.Metadata {
	return component.Metadata{
		Name:        s.name,
		Type:        "scheduler",
		Description: "Daily expiration sweeps over the dedup ledger",
		Version:     "0.1.0",
	}
}

// InputPorts returns no ports; the sweeper is clock-driven
func (s *Sweeper) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns no ports
func (s *Sweeper) OutputPorts() []component.Port {
	return []component.Port{}
}

// Health returns the current health status
func (s *Sweeper) Health() component.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: s.errorCount,
		LastError:  s.lastError,
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow returns sweep activity metrics
func (s *Sweeper) DataFlow() component.FlowMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return component.FlowMetrics{
		LastActivity: s.lastActivity,
	}
}
