// Command ratebridge runs the full pipeline in one process: the HTTP edge
// with its correlator, the request- and fetch-side handlers, and the dedup
// sweeper, all over a NATS JetStream bus and a SQLite store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c360/ratebridge/busclient"
	"github.com/c360/ratebridge/component"
	"github.com/c360/ratebridge/config"
	"github.com/c360/ratebridge/correlator"
	"github.com/c360/ratebridge/dedup"
	"github.com/c360/ratebridge/engine"
	"github.com/c360/ratebridge/gateway"
	"github.com/c360/ratebridge/message"
	"github.com/c360/ratebridge/metric"
	"github.com/c360/ratebridge/pkg/cache"
	"github.com/c360/ratebridge/pkg/retry"
	"github.com/c360/ratebridge/service"
	"github.com/c360/ratebridge/store"
)

const shutdownTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("ratebridge failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewRegistry()
	deps := component.Dependencies{
		MetricsRegistry: registry,
		Logger:          logger,
	}

	// Durable state
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	// Bus
	bus, err := busclient.NewClient(cfg.Bus.Brokers[0],
		busclient.WithClientName("ratebridge"),
		busclient.WithStream(cfg.Bus.Stream),
		busclient.WithMsgIDPrefix(cfg.Bus.TransactionalID),
		busclient.WithIdempotence(cfg.Bus.EnableIdempotence),
		busclient.WithLogger(logger),
		busclient.WithMetrics(registry.Metrics),
	)
	if err != nil {
		return err
	}
	if err := bus.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := bus.Close(closeCtx); err != nil {
			logger.Warn("bus close failed", "error", err)
		}
	}()

	// Processing tier
	ledger := dedup.NewLedger(db, cfg.Dedup.TTLDays, logger)
	sweeper := dedup.NewSweeper(ledger, cfg.Dedup.HardPurgeDays, logger)

	freshness := time.Duration(cfg.Cache.FreshnessSec) * time.Second
	hot := cache.NewTTL[message.Reply](freshness, freshness/2)
	defer hot.Close()

	fetcher, err := engine.NewUpstreamClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: time.Duration(cfg.Retry.BackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.CapMs) * time.Millisecond,
		Multiplier:   cfg.Retry.Multiplier,
	}, logger, registry.Metrics)
	if err != nil {
		return err
	}

	engineCfg := engine.Config{
		Freshness: freshness,
		PoolMin:   cfg.Pool.Min,
		PoolMax:   cfg.Pool.Max,
		PoolQueue: cfg.Pool.Queue,
		PoolIdle:  time.Duration(cfg.Pool.IdleSec) * time.Second,
	}

	requestHandler, err := engine.NewRequestHandler(bus, db, db, ledger, hot, engineCfg, deps)
	if err != nil {
		return err
	}
	fetchHandler, err := engine.NewFetchHandler(bus, db, db, fetcher, hot, engineCfg, deps)
	if err != nil {
		return err
	}

	// Edge
	corr, err := correlator.New(bus, correlator.Config{
		Group:          cfg.Bus.GroupID,
		RequestTimeout: time.Duration(cfg.Edge.RequestTimeoutSec) * time.Second,
		PoolMin:        cfg.Pool.Min,
		PoolMax:        cfg.Pool.Max,
		PoolQueue:      cfg.Pool.Queue,
		PoolIdle:       time.Duration(cfg.Pool.IdleSec) * time.Second,
	}, deps)
	if err != nil {
		return err
	}

	edge, err := gateway.New(gateway.Config{
		Addr:           cfg.Edge.Addr,
		RequestTimeout: time.Duration(cfg.Edge.RequestTimeoutSec) * time.Second,
		EnableCORS:     true,
		CORSOrigins:    []string{"*"},
	}, corr, deps)
	if err != nil {
		return err
	}
	edge.WithHealthSources(corr, requestHandler, fetchHandler, sweeper)

	// Lifecycle: processing tier before the edge, so replies can flow
	// before requests are admitted
	manager := service.NewManager(logger)
	for _, reg := range []struct {
		name string
		c    component.LifecycleComponent
	}{
		{"fetch-handler", fetchHandler},
		{"request-handler", requestHandler},
		{"dedup-sweeper", sweeper},
		{"correlator", corr},
		{"http-edge", edge},
	} {
		if err := manager.Register(reg.name, reg.c); err != nil {
			return err
		}
	}

	if err := manager.Start(ctx, shutdownTimeout); err != nil {
		return err
	}
	logger.Info("ratebridge running", "edge", cfg.Edge.Addr, "bus", cfg.Bus.Brokers[0])

	<-ctx.Done()
	logger.Info("shutting down")
	return manager.Stop(shutdownTimeout)
}

// newLogger builds the process logger
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
