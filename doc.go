// Package ratebridge is a synchronous-over-asynchronous request/response
// correlator for currency exchange rates, layered on a NATS JetStream bus.
//
// # Architecture
//
// The HTTP edge (gateway + correlator) translates each inbound query into a
// bus record tagged with a fresh correlation id, suspends the caller on a
// pending slot, and resumes it when the matching reply arrives on the
// response topic or the deadline elapses. Behind the bus, the engine's
// request-side handler resolves each record against a freshness-aware cache:
// replies younger than the staleness window are replayed from the SQLite
// store, everything else is delegated to the fetch-side handler, which
// contacts the upstream exchange-rate API, persists the fresh reply and
// publishes it. A dedup ledger of observed correlation ids with daily
// expiration sweeps guarantees at-most-once handling of duplicate
// deliveries.
//
// # Packages
//
//   - busclient: NATS JetStream adapter (topics, idempotent publish,
//     durable consumer groups, dead-letter helper)
//   - correlator: pending-slot registry and the edge Query operation
//   - gateway: HTTP edge mapping currency routes onto Query
//   - engine: request- and fetch-side handlers plus the upstream client
//   - store: SQLite persistence (payload ledger, cached replies, dedup)
//   - dedup: dedup ledger operations and the midnight sweeper
//   - pkg/worker, pkg/retry, pkg/cache: bounded pool, backoff, hot cache
//   - component, service, config, metric, errors, message: platform glue
package ratebridge
