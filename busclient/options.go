package busclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/ratebridge/metric"
)

// Option configures a Client
type Option func(*Client) error

// WithClientName sets the connection name visible to the bus server
func WithClientName(name string) Option {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithStream overrides the stream holding the pipeline topics
func WithStream(name string) Option {
	return func(c *Client) error {
		if name == "" {
			return fmt.Errorf("stream name cannot be empty")
		}
		c.streamName = name
		return nil
	}
}

// WithMsgIDPrefix sets the prefix of idempotent publish message ids,
// equivalent to a transactional id prefix: two producers sharing a prefix
// also share the duplicate window.
func WithMsgIDPrefix(prefix string) Option {
	return func(c *Client) error {
		if prefix == "" {
			return fmt.Errorf("message id prefix cannot be empty")
		}
		c.msgIDPrefix = prefix
		return nil
	}
}

// WithIdempotence toggles idempotent publishes (enabled by default)
func WithIdempotence(enabled bool) Option {
	return func(c *Client) error {
		c.idempotence = enabled
		return nil
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics wires the shared pipeline metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithReconnectWait sets the pause between reconnection attempts
func WithReconnectWait(wait time.Duration) Option {
	return func(c *Client) error {
		if wait <= 0 {
			return fmt.Errorf("reconnect wait must be positive")
		}
		c.reconnectWait = wait
		return nil
	}
}

// WithDrainTimeout bounds connection draining during Close
func WithDrainTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("drain timeout must be positive")
		}
		c.drainTimeout = timeout
		return nil
	}
}
