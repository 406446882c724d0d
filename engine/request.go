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

// RequestHandler consumes the request topic and decides, per record,
// between dedup drop, cached replay and refetch. The dedup insert is the
// first durable side effect of every record, so a retried delivery can
// never double-write the cache.
type RequestHandler struct {
	name     string
	config   Config
	bus      busclient.Bus
	payloads PayloadLedger
	replies  ReplyStore
	dedup    DedupLedger
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

// NewRequestHandler creates the request-side handler. The hot cache is
// shared with the fetch side so fresh upstream results are visible to
// replays immediately.
func NewRequestHandler(
	bus busclient.Bus,
	payloads PayloadLedger,
	replies ReplyStore,
	dedupLedger DedupLedger,
	hot *cache.TTL[message.Reply],
	cfg Config,
	deps component.Dependencies,
) (*RequestHandler, error) {
	if bus == nil || payloads == nil || replies == nil || dedupLedger == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "RequestHandler", "NewRequestHandler",
			"bus, payload ledger, reply store and dedup ledger are required")
	}
	cfg = cfg.withDefaults(RequestGroup)

	h := &RequestHandler{
		name:     "request-handler",
		config:   cfg,
		bus:      bus,
		payloads: payloads,
		replies:  replies,
		dedup:    dedupLedger,
		hot:      hot,
		logger:   deps.GetLoggerWithComponent("request-handler"),
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
			worker.WithMetricsRegistry[busclient.Message](deps.MetricsRegistry, "request_pool"))
	}
	h.pool = worker.NewPool(cfg.PoolMin, cfg.PoolMax, cfg.PoolQueue, h.process, poolOpts...)

	return h, nil
}

// Initialize prepares the handler
func (h *RequestHandler) Initialize() error {
	return nil
}

// Start launches the worker pool and attaches the consumer
func (h *RequestHandler) Start(ctx context.Context) error {
	if h.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "RequestHandler", "Start", "start handler")
	}

	if err := h.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "RequestHandler", "Start", "start worker pool")
	}
	if err := h.bus.Consume(ctx, busclient.TopicRequest, h.config.Group, h.enqueue); err != nil {
		return errors.Wrap(err, "RequestHandler", "Start", "attach consumer")
	}

	h.startTime = time.Now()
	h.running.Store(true)
	h.logger.Info("request handler started", "group", h.config.Group, "freshness", h.config.Freshness)
	return nil
}

// Stop drains the worker pool
func (h *RequestHandler) Stop(timeout time.Duration) error {
	if !h.running.Load() {
		return nil
	}
	h.running.Store(false)
	return h.pool.Stop(timeout)
}

// enqueue offloads one consumed record to the pool. A full queue is a
// transient failure: the record is nak'd and redelivered.
func (h *RequestHandler) enqueue(_ context.Context, msg busclient.Message) error {
	if err := h.pool.Submit(msg); err != nil {
		h.logger.Warn("request record rejected by pool", "rid", msg.RID(), "error", err)
		return errors.WrapTransient(err, "RequestHandler", "enqueue", "submit record")
	}
	return nil
}

// process handles one request-topic record end to end
func (h *RequestHandler) process(ctx context.Context, msg busclient.Message) error {
	h.consumed.Add(1)
	h.touch()

	// 1. Correlation id is mandatory on every hop
	rid := msg.RID()
	if rid == "" {
		h.logger.Error("request without messageKey header", "body", string(msg.Body))
		return h.deadLetter(ctx, "", errors.ReasonMissingCorrelation, msg.Body)
	}

	// 2. Body sanity
	env, err := message.ParseEnvelope(string(msg.Body))
	if err != nil {
		h.logger.Error("unrecognised request body", "rid", rid, "body", string(msg.Body))
		return h.deadLetter(ctx, rid, errors.ReasonUnrecognised, msg.Body)
	}

	// 3. Dedup check: a replayed rid is dropped silently
	seen, err := h.withStorageRetry(ctx, func() error {
		isSeen, innerErr := h.dedup.Seen(ctx, rid)
		if innerErr != nil {
			return innerErr
		}
		if isSeen {
			return errors.ErrDuplicate
		}
		return nil
	})
	if err != nil {
		return h.storageFailure(ctx, rid, msg.Body, err)
	}
	if seen {
		if h.metrics != nil {
			h.metrics.DedupDropped.Inc()
		}
		h.logger.Info("duplicate delivery dropped", "rid", rid)
		return nil
	}

	// 4. Record the rid before any other durable side effect
	if _, err := h.withStorageRetry(ctx, func() error {
		return h.dedup.Record(ctx, rid)
	}); err != nil {
		return h.storageFailure(ctx, rid, msg.Body, err)
	}

	// 5. Payload presence
	lastSaved, found, err := h.lookupPayload(ctx, string(msg.Body))
	if err != nil {
		return h.storageFailure(ctx, rid, msg.Body, err)
	}
	if !found {
		// First sight of this payload. An ALL row fresh enough to contain
		// the requested codes still satisfies it without an upstream call.
		if h.serveFromSuperset(ctx, env, rid) {
			return nil
		}
		h.logger.Info("payload unseen, delegating to fetch tier", "rid", rid, "payload", string(msg.Body))
		return h.republishOnFetch(ctx, rid, msg.Body)
	}

	// 6. Staleness window
	age := time.Since(lastSaved)
	if age < h.config.Freshness {
		if h.serveCached(ctx, env, rid, env.CacheKey()) {
			return nil
		}
		// Containment failed: the cached code set no longer covers the
		// request
		h.decide("containment_miss")
	} else {
		h.decide("stale")
		h.logger.Info("payload stale, refreshing", "rid", rid, "age", age)
	}

	if _, err := h.withStorageRetry(ctx, func() error {
		return h.payloads.TouchPayload(ctx, string(msg.Body), time.Now().UTC())
	}); err != nil {
		return h.storageFailure(ctx, rid, msg.Body, err)
	}
	return h.republishOnFetch(ctx, rid, msg.Body)
}

// serveCached replays the stored reply keyed by cacheKey if it satisfies
// the request's code set. Returns true when a response was published.
func (h *RequestHandler) serveCached(ctx context.Context, env message.Envelope, rid, cacheKey string) bool {
	reply, found := h.lookupReply(ctx, cacheKey)
	if !found || !reply.Contains(env.Codes()) {
		return false
	}

	out := reply.Project(env.Codes())
	out.RequestID = rid
	out.Currency = env.CacheKey()

	if err := h.publishResponse(ctx, rid, out); err != nil {
		h.logger.Error("cached reply publish failed", "rid", rid, "error", err)
		return false
	}
	h.decide("hit")
	h.logger.Info("cache hit replayed", "rid", rid, "key", cacheKey)
	return true
}

// serveFromSuperset answers a never-fetched payload from the ALL row when
// that row is fresh and contains every requested code
func (h *RequestHandler) serveFromSuperset(ctx context.Context, env message.Envelope, rid string) bool {
	if env.Kind == message.KindAll {
		return false
	}

	allPayload := message.Envelope{Kind: message.KindAll}.Encode()
	lastSaved, found, err := h.lookupPayload(ctx, allPayload)
	if err != nil || !found || time.Since(lastSaved) >= h.config.Freshness {
		return false
	}
	return h.serveCached(ctx, env, rid, string(message.KindAll))
}

// republishOnFetch forwards the record to the fetch tier with the same rid
func (h *RequestHandler) republishOnFetch(ctx context.Context, rid string, body []byte) error {
	if err := h.bus.Publish(ctx, busclient.TopicFetch, rid, body, nil); err != nil {
		h.failures.Add(1)
		h.recordError(err)
		return errors.Wrap(err, "RequestHandler", "republishOnFetch", "publish fetch record")
	}
	h.decide("miss")
	return nil
}

// publishResponse emits a reply with both correlation headers
func (h *RequestHandler) publishResponse(ctx context.Context, rid string, reply message.Reply) error {
	data, err := reply.Encode()
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, busclient.TopicResponse, rid, data, busclient.ResponseHeaders(rid))
}

// lookupReply consults the hot cache before the durable store
func (h *RequestHandler) lookupReply(ctx context.Context, cacheKey string) (message.Reply, bool) {
	if h.hot != nil {
		if reply, ok := h.hot.Get(cacheKey); ok {
			return reply, true
		}
	}

	reply, found, err := h.replies.LookupReply(ctx, cacheKey)
	if err != nil {
		h.recordError(err)
		return message.Reply{}, false
	}
	if found && h.hot != nil {
		h.hot.Set(cacheKey, reply)
	}
	return reply, found
}

// lookupPayload wraps the ledger read in the storage retry policy
func (h *RequestHandler) lookupPayload(ctx context.Context, payload string) (time.Time, bool, error) {
	var (
		lastSaved time.Time
		found     bool
	)
	_, err := h.withStorageRetry(ctx, func() error {
		var innerErr error
		lastSaved, found, innerErr = h.payloads.LookupPayload(ctx, payload)
		return innerErr
	})
	return lastSaved, found, err
}

// withStorageRetry runs fn under the storage retry policy (one retry). The
// ErrDuplicate sentinel passes through as the boolean "seen" result.
func (h *RequestHandler) withStorageRetry(ctx context.Context, fn func() error) (bool, error) {
	seen := false
	err := retry.Do(ctx, retry.Storage(), func() error {
		err := fn()
		if err == errors.ErrDuplicate {
			seen = true
			return nil
		}
		return err
	})
	return seen, err
}

// storageFailure dead-letters a record after the storage retry is
// exhausted and emits the synthetic error reply
func (h *RequestHandler) storageFailure(ctx context.Context, rid string, body []byte, err error) error {
	h.failures.Add(1)
	h.recordError(err)
	h.logger.Error("storage failure while processing request", "rid", rid, "error", err)

	if dltErr := h.bus.PublishDead(ctx, rid, string(errors.ReasonStorageFailure), body); dltErr != nil {
		h.logger.Error("dead-letter publish failed", "rid", rid, "error", dltErr)
	}
	if rid != "" {
		if pubErr := h.publishResponse(ctx, rid, message.NewUpstreamError(rid)); pubErr != nil {
			h.logger.Error("synthetic error publish failed", "rid", rid, "error", pubErr)
		}
	}
	return nil
}

// deadLetter routes a malformed record to the DLT; validation failures are
// terminal, so the record is acked afterwards
func (h *RequestHandler) deadLetter(ctx context.Context, rid string, reason errors.DeadReason, body []byte) error {
	h.failures.Add(1)
	if err := h.bus.PublishDead(ctx, rid, string(reason), body); err != nil {
		h.logger.Error("dead-letter publish failed", "rid", rid, "reason", reason, "error", err)
	}
	return nil
}

func (h *RequestHandler) decide(decision string) {
	if h.metrics != nil {
		h.metrics.CacheDecisions.WithLabelValues(decision).Inc()
	}
}

func (h *RequestHandler) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *RequestHandler) recordError(err error) {
	h.mu.Lock()
	h.lastError = err.Error()
	h.mu.Unlock()
}

// Meta returns component metadata
func (h *RequestHandler) Meta() component.Metadata {
	return component.Metadata{
		Name:        h.name,
		Type:        "processor",
		Description: "Request-topic handler: dedup, freshness decision, cached replay",
		Version:     "0.1.0",
	}
}

// InputPorts returns the request-topic attachment
func (h *RequestHandler) InputPorts() []component.Port {
	return []component.Port{{
		Name:      "requests",
		Direction: component.DirectionInput,
		Subject:   busclient.TopicRequest,
		Group:     h.config.Group,
	}}
}

// OutputPorts returns the fetch- and response-topic attachments
func (h *RequestHandler) OutputPorts() []component.Port {
	return []component.Port{
		{Name: "fetch", Direction: component.DirectionOutput, Subject: busclient.TopicFetch},
		{Name: "responses", Direction: component.DirectionOutput, Subject: busclient.TopicResponse},
	}
}

// Health returns the current health status
func (h *RequestHandler) Health() component.HealthStatus {
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
func (h *RequestHandler) DataFlow() component.FlowMetrics {
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
