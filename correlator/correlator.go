package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/ratebridge/busclient"
	"github.com/c360/ratebridge/component"
	"github.com/c360/ratebridge/errors"
	"github.com/c360/ratebridge/message"
	"github.com/c360/ratebridge/metric"
	"github.com/c360/ratebridge/pkg/worker"
)

// publishTask is one request-topic send queued on the worker pool
type publishTask struct {
	rid  string
	body string
}

// Config bounds the correlator's resources
type Config struct {
	// Group is the response-topic consumer group, one per edge process
	Group string

	// RequestTimeout is the per-query deadline (default 10s)
	RequestTimeout time.Duration

	// Worker pool bounds
	PoolMin     int
	PoolMax     int
	PoolQueue   int
	PoolIdle    time.Duration
	PoolMonitor time.Duration
}

// Correlator is the edge component: it admits external queries, publishes
// them on the request topic via the worker pool, suspends the caller on a
// pending slot and resumes it when the matching reply arrives.
type Correlator struct {
	name    string
	config  Config
	bus     busclient.Bus
	pending *PendingTable
	pool    *worker.Pool[publishTask]
	logger  *slog.Logger
	metrics *metric.Metrics

	running   atomic.Bool
	startTime time.Time

	// Counters
	queries      atomic.Uint64
	failures     atomic.Uint64
	lateReplies  atomic.Uint64
	mu           sync.RWMutex
	lastActivity time.Time
}

// New creates a correlator over the given bus
func New(bus busclient.Bus, cfg Config, deps component.Dependencies) (*Correlator, error) {
	if bus == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Correlator", "New", "bus is required")
	}
	if cfg.Group == "" {
		cfg.Group = "ratebridge-edge"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PoolMin <= 0 {
		cfg.PoolMin = 5
	}
	if cfg.PoolMax < cfg.PoolMin {
		cfg.PoolMax = 20
	}
	if cfg.PoolQueue <= 0 {
		cfg.PoolQueue = 500
	}
	if cfg.PoolIdle <= 0 {
		cfg.PoolIdle = 60 * time.Second
	}
	if cfg.PoolMonitor <= 0 {
		cfg.PoolMonitor = 30 * time.Second
	}

	c := &Correlator{
		name:    "correlator",
		config:  cfg,
		bus:     bus,
		pending: NewPendingTable(),
		logger:  deps.GetLoggerWithComponent("correlator"),
	}
	if deps.MetricsRegistry != nil {
		c.metrics = deps.MetricsRegistry.Metrics
	}

	poolOpts := []worker.Option[publishTask]{
		worker.WithLogger[publishTask](c.logger),
		worker.WithIdleTimeout[publishTask](cfg.PoolIdle),
		worker.WithMonitorInterval[publishTask](cfg.PoolMonitor),
	}
	if deps.MetricsRegistry != nil {
		poolOpts = append(poolOpts,
			worker.WithMetricsRegistry[publishTask](deps.MetricsRegistry, "correlator_pool"))
	}
	c.pool = worker.NewPool(cfg.PoolMin, cfg.PoolMax, cfg.PoolQueue, c.publish, poolOpts...)

	return c, nil
}

// Initialize prepares the correlator
func (c *Correlator) Initialize() error {
	return nil
}

// Start launches the worker pool and attaches the response listener
func (c *Correlator) Start(ctx context.Context) error {
	if c.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Correlator", "Start", "start correlator")
	}

	if err := c.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Correlator", "Start", "start worker pool")
	}

	if err := c.bus.Consume(ctx, busclient.TopicResponse, c.config.Group, c.handleResponse); err != nil {
		return errors.Wrap(err, "Correlator", "Start", "attach response listener")
	}

	c.startTime = time.Now()
	c.running.Store(true)
	c.logger.Info("correlator started", "group", c.config.Group, "timeout", c.config.RequestTimeout)
	return nil
}

// Stop drains the worker pool
func (c *Correlator) Stop(timeout time.Duration) error {
	if !c.running.Load() {
		return nil
	}
	c.running.Store(false)
	return c.pool.Stop(timeout)
}

// Query is the edge's single operation: validate, mint a rid, publish the
// envelope on the request topic and await the correlated reply.
func (c *Correlator) Query(ctx context.Context, kind message.Kind, argument string) ([]byte, error) {
	started := time.Now()
	c.queries.Add(1)
	c.touch()

	env := message.Envelope{Kind: kind, Argument: argument}
	if err := env.Validate(); err != nil {
		c.failures.Add(1)
		c.observe("invalid", started)
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidRequest, err),
			"Correlator", "Query", "validate request")
	}

	if !c.running.Load() {
		return nil, errors.WrapTransient(errors.ErrNotStarted, "Correlator", "Query", "admit request")
	}

	rid := uuid.NewString()
	deadline := time.Now().Add(c.config.RequestTimeout)

	slot, err := c.pending.Add(rid, deadline)
	if err != nil {
		c.failures.Add(1)
		return nil, errors.Wrap(err, "Correlator", "Query", "register pending slot")
	}
	c.gaugePending()
	// The slot must never outlive this call
	defer func() {
		c.pending.Remove(rid)
		c.gaugePending()
	}()

	if err := c.pool.Submit(publishTask{rid: rid, body: env.Encode()}); err != nil {
		c.failures.Add(1)
		c.observe("overloaded", started)
		c.logger.Warn("publish task rejected", "rid", rid, "error", err)
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrOverloaded, err),
			"Correlator", "Query", "enqueue publish")
	}

	c.logger.Debug("request admitted", "rid", rid, "body", env.Encode())

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-slot.ch:
		if res.err != nil {
			c.failures.Add(1)
			c.observe("error", started)
			return nil, res.err
		}
		c.observe("ok", started)
		return res.body, nil

	case <-timer.C:
		// The listener may have completed the slot between the timer firing
		// and our removal; prefer the reply if it is already there.
		if c.pending.Remove(rid) == nil {
			select {
			case res := <-slot.ch:
				if res.err == nil {
					c.observe("ok", started)
					return res.body, nil
				}
				c.failures.Add(1)
				c.observe("error", started)
				return nil, res.err
			default:
			}
		}
		c.failures.Add(1)
		c.observe("timeout", started)
		return nil, errors.WrapTransient(errors.ErrTimeout, "Correlator", "Query", "await reply")

	case <-ctx.Done():
		c.failures.Add(1)
		c.observe("cancelled", started)
		return nil, errors.WrapTransient(ctx.Err(), "Correlator", "Query", "await reply")
	}
}

// publish runs on the worker pool and performs the actual bus send. A
// failed send completes the pending slot exceptionally so the caller is
// resumed immediately instead of waiting out the deadline.
func (c *Correlator) publish(ctx context.Context, task publishTask) error {
	err := c.bus.Publish(ctx, busclient.TopicRequest, task.rid, []byte(task.body), nil)
	if err == nil {
		return nil
	}

	if errors.IsFatal(err) {
		c.logger.Error("producer fenced during publish", "rid", task.rid, "error", err)
	} else {
		c.logger.Warn("request publish failed", "rid", task.rid, "error", err)
	}
	c.pending.Fail(task.rid, err)
	c.gaugePending()
	return err
}

// handleResponse is the response-topic listener. It joins the record to its
// pending slot via the correlationId header; records without a live slot
// are acknowledged and discarded, which is normal for late or foreign
// replies.
func (c *Correlator) handleResponse(_ context.Context, msg busclient.Message) error {
	rid := msg.CorrelationID()
	if rid == "" {
		rid = msg.RID()
	}
	if rid == "" {
		c.logger.Warn("response without correlation id discarded")
		return nil
	}

	c.touch()

	if reply, err := message.DecodeReply(msg.Body); err == nil && reply.IsError() {
		if !c.pending.Fail(rid, errors.WrapTransient(errors.ErrUpstream, "Correlator", "handleResponse", "relay upstream failure")) {
			c.lateReplies.Add(1)
			c.logger.Debug("late error reply discarded", "rid", rid)
		}
		c.gaugePending()
		return nil
	}

	if !c.pending.Complete(rid, msg.Body) {
		c.lateReplies.Add(1)
		c.logger.Debug("late reply discarded", "rid", rid)
	}
	c.gaugePending()
	return nil
}

func (c *Correlator) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Correlator) observe(outcome string, started time.Time) {
	if c.metrics != nil {
		c.metrics.QueryDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	}
}

func (c *Correlator) gaugePending() {
	if c.metrics != nil {
		c.metrics.PendingSlots.Set(float64(c.pending.Len()))
	}
}

// Pending exposes the live slot count (used by health reporting and tests)
func (c *Correlator) Pending() int {
	return c.pending.Len()
}

// Meta returns component metadata
func (c *Correlator) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "gateway",
		Description: "Request/response correlator over the bus",
		Version:     "0.1.0",
	}
}

// InputPorts returns the response-topic attachment
func (c *Correlator) InputPorts() []component.Port {
	return []component.Port{{
		Name:      "responses",
		Direction: component.DirectionInput,
		Subject:   busclient.TopicResponse,
		Group:     c.config.Group,
	}}
}

// OutputPorts returns the request-topic attachment
func (c *Correlator) OutputPorts() []component.Port {
	return []component.Port{{
		Name:      "requests",
		Direction: component.DirectionOutput,
		Subject:   busclient.TopicRequest,
	}}
}

// Health returns the current health status
func (c *Correlator) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    c.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(c.failures.Load()),
		Uptime:     time.Since(c.startTime),
	}
}

// DataFlow returns current data flow metrics
func (c *Correlator) DataFlow() component.FlowMetrics {
	c.mu.RLock()
	lastActivity := c.lastActivity
	c.mu.RUnlock()

	total := c.queries.Load()
	failed := c.failures.Load()

	var errorRate float64
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	var perSecond float64
	if uptime := time.Since(c.startTime).Seconds(); uptime > 0 {
		perSecond = float64(total) / uptime
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}
