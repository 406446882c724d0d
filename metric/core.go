package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the pipeline-wide metrics shared by all components
type Metrics struct {
	// Bus traffic
	MessagesConsumed  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	DeadLetters       *prometheus.CounterVec

	// Cache & dedup decisions
	DedupDropped   prometheus.Counter
	CacheDecisions *prometheus.CounterVec

	// Upstream
	UpstreamAttempts *prometheus.CounterVec

	// Edge
	PendingSlots  prometheus.Gauge
	QueryDuration *prometheus.HistogramVec

	// Bus connectivity
	BusConnected prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratebridge",
				Subsystem: "bus",
				Name:      "consumed_total",
				Help:      "Total records consumed per topic",
			},
			[]string{"topic", "group"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratebridge",
				Subsystem: "bus",
				Name:      "published_total",
				Help:      "Total records published per topic",
			},
			[]string{"topic"},
		),

		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratebridge",
				Subsystem: "bus",
				Name:      "dead_letters_total",
				Help:      "Total records routed to the dead-letter topic per reason",
			},
			[]string{"reason"},
		),

		DedupDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ratebridge",
				Subsystem: "dedup",
				Name:      "dropped_total",
				Help:      "Duplicate deliveries absorbed by the dedup ledger",
			},
		),

		CacheDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratebridge",
				Subsystem: "cache",
				Name:      "decisions_total",
				Help:      "Freshness decisions (hit, miss, stale, containment_miss)",
			},
			[]string{"decision"},
		),

		UpstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratebridge",
				Subsystem: "upstream",
				Name:      "attempts_total",
				Help:      "Upstream fetch attempts by outcome",
			},
			[]string{"outcome"},
		),

		PendingSlots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ratebridge",
				Subsystem: "correlator",
				Name:      "pending_slots",
				Help:      "Live pending slots awaiting a reply",
			},
		),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ratebridge",
				Subsystem: "correlator",
				Name:      "query_duration_seconds",
				Help:      "End-to-end query latency by outcome",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),

		BusConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ratebridge",
				Subsystem: "bus",
				Name:      "connected",
				Help:      "Bus connection status (1=connected, 0=disconnected)",
			},
		),
	}
}
