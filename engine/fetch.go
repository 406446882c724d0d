package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/ratebridge/busclient"
	"github.com/c360/ratebridge/component"
	"github.com/c360/ratebridge/errors"
	"github.com/c360/ratebridge/message"
	"github.com/c360/ratebridge/metric"
	"github.com/c360/ratebridge/pkg/cache"
	"github.com/c360/ratebridge/pkg/retry"
	"github.com/c360/ratebridge/pkg/worker"
)

// FetchHandler consumes the fetch topic: it contacts the upstream source,
// persists the fresh reply and its payload-ledger row, and publishes the
// reply on the response topic. Exhausted upstream retries produce a DLT
// record plus a synthetic error reply so the edge surfaces Upstream instead
// of timing out.
type FetchHandler struct {
	name     string
	config   Config
	bus      busclient.Bus
	payloads PayloadLedger
	replies  ReplyStore
	fetcher  RateFetcher
	hot      *cache.TTL[message.Reply]
	pool     *worker.Pool[busclient.Message]
	logger   *slog.Logger
	metrics  *metric.Metrics

	running   atomic.Bool
	startTime time.Time

	consumed atomic.Uint64
	failures atomic.Uint64

	mu           sync.RWMutex
	lastError    string
	lastActivity time.Time
}

// NewFetchHandler creates the fetch-side handler
func NewFetchHandler(
	bus busclient.Bus,
	payloads PayloadLedger,
	replies ReplyStore,
	fetcher RateFetcher,
	hot *cache.TTL[message.Reply],
	cfg Config,
	deps component.Dependencies,
) (*FetchHandler, error) {
	if bus == nil || payloads == nil || replies == nil || fetcher == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "FetchHandler", "NewFetchHandler",
			"bus, payload ledger, reply store and fetcher are required")
	}
	cfg = cfg.withDefaults(FetchGroup)

	h := &FetchHandler{
		name:     "fetch-handler",
		config:   cfg,
		bus:      bus,
		payloads: payloads,
		replies:  replies,
		fetcher:  fetcher,
		hot:      hot,
		logger:   deps.GetLoggerWithComponent("fetch-handler"),
	}
	if deps.MetricsRegistry != nil {
		h.metrics = deps.MetricsRegistry.Metrics
	}

	poolOpts := []worker.Option[busclient.Message]{
		worker.WithLogger[busclient.Message](h.logger),
		worker.WithIdleTimeout[busclient.Message](cfg.PoolIdle),
		worker.WithMonitorInterval[busclient.Message](cfg.PoolMonitor),
	}
	if deps.MetricsRegistry != nil {
		poolOpts = append(poolOpts,
			worker.WithMetricsRegistry[busclient.Message](deps.MetricsRegistry, "fetch_pool"))
	}
	h.pool = worker.NewPool(cfg.PoolMin, cfg.PoolMax, cfg.PoolQueue, h.process, poolOpts...)

	return h, nil
}

// Initialize prepares the handler
func (h *FetchHandler) Initialize() error {
	return nil
}

// Start launches the worker pool and attaches the consumer
func (h *FetchHandler) Start(ctx context.Context) error {
	if h.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "FetchHandler", "Start", "start handler")
	}

	if err := h.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "FetchHandler", "Start", "start worker pool")
	}
	if err := h.bus.Consume(ctx, busclient.TopicFetch, h.config.Group, h.enqueue); err != nil {
		return errors.Wrap(err, "FetchHandler", "Start", "attach consumer")
	}

	h.startTime = time.Now()
	h.running.Store(true)
	h.logger.Info("fetch handler started", "group", h.config.Group)
	return nil
}

// Stop drains the worker pool
func (h *FetchHandler) Stop(timeout time.Duration) error {
	if !h.running.Load() {
		return nil
	}
	h.running.Store(false)
	return h.pool.Stop(timeout)
}

// enqueue offloads one consumed record to the pool
func (h *FetchHandler) enqueue(_ context.Context, msg busclient.Message) error {
	if err := h.pool.Submit(msg); err != nil {
		h.logger.Warn("fetch record rejected by pool", "rid", msg.RID(), "error", err)
		return errors.WrapTransient(err, "FetchHandler", "enqueue", "submit record")
	}
	return nil
}

// process handles one fetch-topic record end to end
func (h *FetchHandler) process(ctx context.Context, msg busclient.Message) error {
	h.consumed.Add(1)
	h.touch()

	rid := msg.RID()
	if rid == "" {
		h.logger.Error("fetch record without messageKey header", "body", string(msg.Body))
		return h.deadLetter(ctx, "", errors.ReasonMissingCorrelation, msg.Body)
	}

	// 1. Validate prefix and codes
	env, err := message.ParseEnvelope(string(msg.Body))
	if err != nil {
		h.logger.Error("unrecognised fetch body", "rid", rid, "body", string(msg.Body))
		return h.deadLetter(ctx, rid, errors.ReasonUnrecognised, msg.Body)
	}

	// 2. Upstream call under the retry budget
	rates, err := h.fetcher.Fetch(ctx)
	if err != nil {
		h.failures.Add(1)
		h.recordError(err)
		h.logger.Error("upstream retries exhausted", "rid", rid, "error", err)
		if dltErr := h.bus.PublishDead(ctx, rid, string(errors.ReasonUpstreamUnavailable), msg.Body); dltErr != nil {
			h.logger.Error("dead-letter publish failed", "rid", rid, "error", dltErr)
		}
		// Synthetic error reply so the edge resumes with Upstream
		if pubErr := h.publishResponse(ctx, rid, message.NewUpstreamError(rid)); pubErr != nil {
			h.logger.Error("synthetic error publish failed", "rid", rid, "error", pubErr)
		}
		return nil
	}

	// 3. Project to the requested codes; a code the upstream does not know
	// is terminal
	codes := env.Codes()
	for _, code := range codes {
		if _, ok := rates.Rates[code]; !ok {
			h.logger.Error("requested code unknown upstream", "rid", rid, "code", code)
			return h.deadLetter(ctx, rid, errors.ReasonUnknownCode, msg.Body)
		}
	}

	reply := message.Reply{
		Rates:        rates.Rates,
		BaseCurrency: rates.Base,
		Date:         rates.Date,
		Currency:     env.CacheKey(),
		RequestID:    rid,
	}.Project(codes)

	// 4. Persist: reply upsert and payload-ledger touch, each under the
	// storage retry policy
	if err := h.persist(ctx, env, string(msg.Body), reply); err != nil {
		h.failures.Add(1)
		h.recordError(err)
		h.logger.Error("storage failure while persisting fetch result", "rid", rid, "error", err)
		if dltErr := h.bus.PublishDead(ctx, rid, string(errors.ReasonStorageFailure), msg.Body); dltErr != nil {
			h.logger.Error("dead-letter publish failed", "rid", rid, "error", dltErr)
		}
		if pubErr := h.publishResponse(ctx, rid, message.NewUpstreamError(rid)); pubErr != nil {
			h.logger.Error("synthetic error publish failed", "rid", rid, "error", pubErr)
		}
		return nil
	}

	// 5. Publish the fresh reply. If this publish fails after the cache
	// write, the edge times out and a retried request finds a fresh cache
	// entry: a safe idempotent replay.
	if err := h.publishResponse(ctx, rid, reply); err != nil {
		h.failures.Add(1)
		h.recordError(err)
		return errors.Wrap(err, "FetchHandler", "process", "publish fresh reply")
	}

	h.logger.Info("fresh reply published", "rid", rid, "key", env.CacheKey(), "codes", len(reply.Rates))
	return nil
}

// persist writes the reply and the payload-ledger row, then refreshes the
// hot cache
func (h *FetchHandler) persist(ctx context.Context, env message.Envelope, payload string, reply message.Reply) error {
	if err := retry.Do(ctx, retry.Storage(), func() error {
		return h.replies.UpsertReply(ctx, env.CacheKey(), reply)
	}); err != nil {
		return err
	}

	if err := retry.Do(ctx, retry.Storage(), func() error {
		return h.payloads.TouchPayload(ctx, payload, time.Now().UTC())
	}); err != nil {
		return err
	}

	if h.hot != nil {
		h.hot.Set(env.CacheKey(), reply)
	}
	return nil
}

// publishResponse emits a reply with both correlation headers
func (h *FetchHandler) publishResponse(ctx context.Context, rid string, reply message.Reply) error {
	data, err := reply.Encode()
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, busclient.TopicResponse, rid, data, busclient.ResponseHeaders(rid))
}

// deadLetter routes a malformed record to the DLT
func (h *FetchHandler) deadLetter(ctx context.Context, rid string, reason errors.DeadReason, body []byte) error {
	h.failures.Add(1)
	if err := h.bus.PublishDead(ctx, rid, string(reason), body); err != nil {
		h.logger.Error("dead-letter publish failed", "rid", rid, "reason", reason, "error", err)
	}
	return nil
}

func (h *FetchHandler) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *FetchHandler) recordError(err error) {
	h.mu.Lock()
	h.lastError = err.Error()
	h.mu.Unlock()
}

// Meta returns component metadata
func (h *FetchHandler) Meta() component.Metadata {
	return component.Metadata{
		Name:        h.name,
		Type:        "processor",
		Description: "Fetch-topic handler: upstream fetch, cache upsert, reply publish",
		Version:     "0.1.0",
	}
}

// InputPorts returns the fetch-topic attachment
func (h *FetchHandler) InputPorts() []component.Port {
	return []component.Port{{
		Name:      "fetches",
		Direction: component.DirectionInput,
		Subject:   busclient.TopicFetch,
		Group:     h.config.Group,
	}}
}

// OutputPorts returns the response-topic attachment
func (h *FetchHandler) OutputPorts() []component.Port {
	return []component.Port{{
		Name:      "responses",
		Direction: component.DirectionOutput,
		Subject:   busclient.TopicResponse,
	}}
}

// Health returns the current health status
func (h *FetchHandler) Health() component.HealthStatus {
	h.mu.RLock()
	lastError := h.lastError
	h.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    h.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(h.failures.Load()),
		LastError:  lastError,
		Uptime:     time.Since(h.startTime),
	}
}

// DataFlow returns current data flow metrics
func (h *FetchHandler) DataFlow() component.FlowMetrics {
	h.mu.RLock()
	lastActivity := h.lastActivity
	h.mu.RUnlock()

	total := h.consumed.Load()
	failed := h.failures.Load()

	var errorRate float64
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	var perSecond float64
	if uptime := time.Since(h.startTime).Seconds(); uptime > 0 {
		perSecond = float64(total) / uptime
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}
