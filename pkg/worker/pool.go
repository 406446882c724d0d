// Package worker provides a bounded, elastic worker pool for dispatching
// bus sends and per-record processing.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ratebridge/metric"
)

// Pool is an elastic worker pool processing work items of type T.
//
// The pool keeps minWorkers goroutines alive at all times and grows up to
// maxWorkers while the queue has backlog. Workers above the minimum exit
// after idleTimeout without work. Submit never blocks: when the queue is at
// capacity it fails with ErrQueueFull (abort rejection policy) and the
// caller must surface the rejection.
type Pool[T any] struct {
	// Configuration
	minWorkers  int
	maxWorkers  int
	queueSize   int
	idleTimeout time.Duration
	processor   func(context.Context, T) error

	// Runtime state
	workChan chan T
	wg       sync.WaitGroup
	logger   *slog.Logger

	// workerCtx is shared by core and elastic workers so Stop can cancel
	// them all at once
	workerCtx     context.Context
	cancelWorkers context.CancelFunc

	// Lifecycle management
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	workers   atomic.Int64 // live worker goroutines
	active    atomic.Int64 // workers currently processing an item
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	// Monitoring
	monitorInterval time.Duration
	metrics         *Metrics
	metricsRegistry *metric.Registry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth    prometheus.Gauge
	activeWorkers prometheus.Gauge
	submitted     prometheus.Counter
	processed     prometheus.Counter
	failed        prometheus.Counter
	dropped       prometheus.Counter
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers the pool's metrics with the given registry
func WithMetricsRegistry[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithLogger sets the structured logger used by the pool monitor
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMonitorInterval overrides the monitor logging interval (default 30s)
func WithMonitorInterval[T any](interval time.Duration) Option[T] {
	return func(p *Pool[T]) {
		if interval > 0 {
			p.monitorInterval = interval
		}
	}
}

// WithIdleTimeout overrides the idle reaper timeout (default 60s)
func WithIdleTimeout[T any](timeout time.Duration) Option[T] {
	return func(p *Pool[T]) {
		if timeout > 0 {
			p.idleTimeout = timeout
		}
	}
}

// NewPool creates a new elastic worker pool.
// minWorkers and maxWorkers bound the number of goroutines; queueSize bounds
// the FIFO backlog.
func NewPool[T any](minWorkers, maxWorkers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if minWorkers <= 0 {
		minWorkers = 5
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if queueSize <= 0 {
		queueSize = 500
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		minWorkers:      minWorkers,
		maxWorkers:      maxWorkers,
		queueSize:       queueSize,
		idleTimeout:     60 * time.Second,
		processor:       processor,
		workChan:        make(chan T, queueSize),
		logger:          slog.Default(),
		monitorInterval: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}

	return pool
}

// initializeMetrics creates and registers metrics with the registry
func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_queue_depth",
		Help: "Current worker pool queue depth",
	})
	activeWorkers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_active_workers",
		Help: "Workers currently processing a task",
	})
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_submitted_total",
		Help: "Total work items submitted",
	})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_processed_total",
		Help: "Total work items processed",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_failed_total",
		Help: "Total work items that failed processing",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_dropped_total",
		Help: "Total work items rejected because the queue was full",
	})

	serviceName := "worker_pool"
	p.metricsRegistry.RegisterGauge(serviceName, prefix+"_queue_depth", queueDepth)
	p.metricsRegistry.RegisterGauge(serviceName, prefix+"_active_workers", activeWorkers)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_submitted_total", submitted)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_processed_total", processed)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_failed_total", failed)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_dropped_total", dropped)

	p.metrics = &Metrics{
		queueDepth:    queueDepth,
		activeWorkers: activeWorkers,
		submitted:     submitted,
		processed:     processed,
		failed:        failed,
		dropped:       dropped,
	}
}

// Submit enqueues work. Returns ErrQueueFull when the queue is at capacity.
// The lifecycle mutex is held across the send so Stop cannot close the
// queue between the state check and the enqueue.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		p.maybeGrow()
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// maybeGrow spawns an extra worker while there is backlog and headroom.
// Caller holds lifecycleMu.
func (p *Pool[T]) maybeGrow() {
	if len(p.workChan) == 0 || p.stopped || p.workerCtx == nil {
		return
	}
	for {
		current := p.workers.Load()
		if current >= int64(p.maxWorkers) {
			return
		}
		if p.workers.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker(p.workerCtx, true)
			return
		}
	}
}

// Start launches the core workers and the monitor
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.workerCtx = workerCtx
	p.cancelWorkers = cancel

	for i := 0; i < p.minWorkers; i++ {
		p.workers.Add(1)
		p.wg.Add(1)
		go p.worker(workerCtx, false)
	}

	// The monitor is cancelled via workerCtx and deliberately kept out of
	// the drain wait group
	go p.monitor(workerCtx)

	p.started = true
	return nil
}

// Stop stops intake, drains the queue for up to timeout, then cancels any
// work still in flight.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancelWorkers()
		return nil
	case <-timer.C:
		// Force-cancel whatever is still running
		p.cancelWorkers()
		<-done
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		MinWorkers: p.minWorkers,
		MaxWorkers: p.maxWorkers,
		Workers:    int(p.workers.Load()),
		Active:     int(p.active.Load()),
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	MinWorkers int   `json:"min_workers"`
	MaxWorkers int   `json:"max_workers"`
	Workers    int   `json:"workers"`
	Active     int   `json:"active"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// worker processes items from the queue. Elastic workers (spawned above the
// minimum) exit after idleTimeout without work.
func (p *Pool[T]) worker(ctx context.Context, elastic bool) {
	defer func() {
		p.workers.Add(-1)
		p.wg.Done()
	}()

	var idle *time.Timer
	if elastic {
		idle = time.NewTimer(p.idleTimeout)
		defer idle.Stop()
	}

	for {
		if elastic {
			select {
			case <-ctx.Done():
				return
			case work, ok := <-p.workChan:
				if !ok {
					return
				}
				p.process(ctx, work)
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(p.idleTimeout)
			case <-idle.C:
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

// process runs one work item and updates counters
func (p *Pool[T]) process(ctx context.Context, work T) {
	p.active.Add(1)
	if p.metrics != nil {
		p.metrics.activeWorkers.Set(float64(p.active.Load()))
	}

	err := p.processor(ctx, work)

	p.active.Add(-1)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}
	if p.metrics != nil {
		p.metrics.activeWorkers.Set(float64(p.active.Load()))
		p.metrics.processed.Inc()
		if err != nil {
			p.metrics.failed.Inc()
		}
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// monitor periodically logs pool occupancy
func (p *Pool[T]) monitor(ctx context.Context) {
	ticker := time.NewTicker(p.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			p.logger.Info("worker pool status",
				"active", stats.Active,
				"workers", stats.Workers,
				"queued", stats.QueueDepth,
				"completed", stats.Processed,
				"dropped", stats.Dropped)
			if p.metrics != nil {
				p.metrics.queueDepth.Set(float64(stats.QueueDepth))
			}
		}
	}
}
