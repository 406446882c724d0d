// Package engine implements the cache & freshness tier: the request-side
// handler deciding between cached replay and refetch, and the fetch-side
// handler contacting the upstream source and persisting fresh replies.
package engine

import (
	"context"
	"time"

	"github.com/c360/ratebridge/message"
)

// Default consumer groups of the two handler sides
const (
	RequestGroup = "request-currency-group"
	FetchGroup   = "fetch-currency-group"
)

// PayloadLedger is the engine's view of the payload freshness table
type PayloadLedger interface {
	LookupPayload(ctx context.Context, payload string) (time.Time, bool, error)
	TouchPayload(ctx context.Context, payload string, ts time.Time) error
}

// ReplyStore is the engine's view of the durable reply cache
type ReplyStore interface {
	LookupReply(ctx context.Context, currency string) (message.Reply, bool, error)
	UpsertReply(ctx context.Context, currency string, reply message.Reply) error
}

// DedupLedger is the engine's view of the correlation-id ledger
type DedupLedger interface {
	Seen(ctx context.Context, rid string) (bool, error)
	Record(ctx context.Context, rid string) error
}

// RateFetcher contacts the upstream exchange-rate source
type RateFetcher interface {
	Fetch(ctx context.Context) (UpstreamRates, error)
}

// UpstreamRates is the payload returned by the upstream HTTPS API
type UpstreamRates struct {
	Success   bool               `json:"success"`
	Timestamp int64              `json:"timestamp"`
	Base      string             `json:"base"`
	Date      string             `json:"date"`
	Rates     map[string]float64 `json:"rates"`
}

// Config bounds one handler side
type Config struct {
	// Group is the handler's consumer group
	Group string

	// Freshness is the staleness window for cached replies (default 1h)
	Freshness time.Duration

	// Worker pool bounds
	PoolMin     int
	PoolMax     int
	PoolQueue   int
	PoolIdle    time.Duration
	PoolMonitor time.Duration
}

// withDefaults fills unset fields
func (c Config) withDefaults(group string) Config {
	if c.Group == "" {
		c.Group = group
	}
	if c.Freshness <= 0 {
		c.Freshness = time.Hour
	}
	if c.PoolMin <= 0 {
		c.PoolMin = 5
	}
	if c.PoolMax < c.PoolMin {
		c.PoolMax = 20
	}
	if c.PoolQueue <= 0 {
		c.PoolQueue = 500
	}
	if c.PoolIdle <= 0 {
		c.PoolIdle = 60 * time.Second
	}
	if c.PoolMonitor <= 0 {
		c.PoolMonitor = 30 * time.Second
	}
	return c
}
