package busclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ratebridge/errors"
	"github.com/c360/ratebridge/metric"
)

// ConnectionStatus represents the state of the bus connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Client manages the NATS connection, the pipeline stream and its durable
// consumers. It implements the Bus interface.
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger

	// NATS connection
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream

	// Consumer management
	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	// Stream / producer settings
	streamName  string
	msgIDPrefix string
	idempotence bool

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	// Metrics
	metrics *metric.Metrics

	// Statistics
	reconnects atomic.Int32

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a bus client for the given server URL
func NewClient(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		consumers:     make(map[string]jetstream.ConsumeContext),
		streamName:    "RATEBRIDGE",
		msgIDPrefix:   "ratebridge",
		idempotence:   true,
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the bus server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy returns true if the connection is established
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		if status == StatusConnected {
			c.metrics.BusConnected.Set(1)
		} else {
			c.metrics.BusConnected.Set(0)
		}
	}
}

// Connect establishes the connection and ensures the pipeline stream exists
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to bus", "url", c.url)

	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			if err != nil {
				c.logger.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.reconnects.Add(1)
			c.setStatus(StatusConnected)
			c.logger.Info("bus reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.setStatus(StatusDisconnected)
		}),
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		c.setStatus(StatusDisconnected)
		return errors.WrapFatal(err, "Client", "Connect", "initialize JetStream")
	}

	// One stream holds every pipeline topic; duplicate tracking backs the
	// idempotent publish contract.
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       c.streamName,
		Subjects:   []string{TopicWildcard},
		Retention:  jetstream.LimitsPolicy,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		conn.Close()
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "ensure stream")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.stream = stream
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.logger.Info("connected to bus", "url", c.url, "stream", c.streamName)
	return nil
}

// Close drains consumers and the connection
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.consumersMu.Lock()
	for name, consumer := range c.consumers {
		consumer.Stop()
		c.logger.Debug("stopped consumer", "consumer", name)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	drainTimeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- c.conn.Drain()
	}()

	var drainErr error
	select {
	case err := <-drainDone:
		drainErr = err
	case <-time.After(drainTimeout):
		drainErr = fmt.Errorf("drain timeout after %v", drainTimeout)
	case <-ctx.Done():
		drainErr = ctx.Err()
	}

	c.conn.Close()
	c.conn = nil
	c.setStatus(StatusDisconnected)

	if drainErr != nil {
		return errors.WrapTransient(drainErr, "Client", "Close", "drain connection")
	}
	return nil
}

// Reconnects returns how many times the underlying connection recovered
func (c *Client) Reconnects() int32 {
	return c.reconnects.Load()
}

// classifyPublishError maps JetStream publish failures onto the domain
// taxonomy. A superseded producer surfaces as ErrFenced: the caller must
// complete the pending slot exceptionally and leave the record for
// redelivery.
func classifyPublishError(err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, nats.ErrConnectionClosed), stderrors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: %w", errors.ErrFenced, err)
	case stderrors.Is(err, jetstream.ErrNoStreamResponse):
		return fmt.Errorf("%w: %w", errors.ErrNoConnection, err)
	case strings.Contains(err.Error(), "maximum messages"),
		strings.Contains(err.Error(), "resource limits"):
		return fmt.Errorf("%w: %w", errors.ErrOverloaded, err)
	default:
		return err
	}
}
