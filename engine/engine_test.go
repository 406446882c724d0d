package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ratebridge/busclient"
	"github.com/c360/ratebridge/component"
	"github.com/c360/ratebridge/dedup"
	"github.com/c360/ratebridge/message"
	"github.com/c360/ratebridge/pkg/cache"
	"github.com/c360/ratebridge/store"
)

// fakeBus delivers publishes synchronously to subscribed handlers so tests
// observe the full pipeline deterministically
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]busclient.Handler
	byTopic  map[string][]busclient.Message
	dead     []busclient.Message
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string][]busclient.Handler),
		byTopic:  make(map[string][]busclient.Message),
	}
}

func (b *fakeBus) Publish(ctx context.Context, topic, rid string, body []byte, headers map[string]string) error {
	hdrs := map[string]string{busclient.HeaderMessageKey: rid}
	for k, v := range headers {
		hdrs[k] = v
	}
	msg := busclient.Message{Topic: topic, Body: body, Headers: hdrs}

	b.mu.Lock()
	b.byTopic[topic] = append(b.byTopic[topic], msg)
	targets := append([]busclient.Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	for _, h := range targets {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBus) PublishDead(_ context.Context, rid string, reason string, original []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, busclient.Message{
		Topic:   busclient.TopicDeadLetter,
		Body:    busclient.DeadLetterBody(reason, original),
		Headers: map[string]string{busclient.HeaderMessageKey: rid},
	})
	return nil
}

func (b *fakeBus) Consume(_ context.Context, topic, _ string, handler busclient.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

func (b *fakeBus) responses() []busclient.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]busclient.Message(nil), b.byTopic[busclient.TopicResponse]...)
}

func (b *fakeBus) deadLetters() []busclient.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]busclient.Message(nil), b.dead...)
}

// stubFetcher returns canned upstream rates and counts calls
type stubFetcher struct {
	calls atomic.Int64
	rates UpstreamRates
	err   error
}

func (f *stubFetcher) Fetch(context.Context) (UpstreamRates, error) {
	f.calls.Add(1)
	if f.err != nil {
		return UpstreamRates{}, f.err
	}
	return f.rates, nil
}

// pipeline wires both handler sides over a fake bus and a real SQLite store
type pipeline struct {
	bus     *fakeBus
	store   *store.Store
	request *RequestHandler
	fetch   *FetchHandler
	fetcher *stubFetcher
}

func newPipeline(t *testing.T, fetcher *stubFetcher) *pipeline {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := newFakeBus()
	ledger := dedup.NewLedger(s, 10, nil)
	hot := cache.NewTTL[message.Reply](time.Hour, time.Hour)
	t.Cleanup(hot.Close)

	request, err := NewRequestHandler(bus, s, s, ledger, hot, Config{Freshness: time.Hour}, component.Dependencies{})
	require.NoError(t, err)

	fetch, err := NewFetchHandler(bus, s, s, fetcher, hot, Config{}, component.Dependencies{})
	require.NoError(t, err)

	// The fetch side consumes what the request side republishes
	require.NoError(t, bus.Consume(context.Background(), busclient.TopicFetch, FetchGroup, fetch.process))

	return &pipeline{bus: bus, store: s, request: request, fetch: fetch, fetcher: fetcher}
}

func (p *pipeline) deliver(t *testing.T, rid, body string) {
	t.Helper()
	require.NoError(t, p.request.process(context.Background(), busclient.Message{
		Topic:   busclient.TopicRequest,
		Body:    []byte(body),
		Headers: map[string]string{busclient.HeaderMessageKey: rid},
	}))
}

func euroRates() UpstreamRates {
	return UpstreamRates{
		Success: true,
		Base:    "EUR",
		Date:    "2024-01-15",
		Rates:   map[string]float64{"USD": 1.1, "RUB": 100.0, "EUR": 1.0},
	}
}

func decodeResponse(t *testing.T, msg busclient.Message) message.Reply {
	t.Helper()
	reply, err := message.DecodeReply(msg.Body)
	require.NoError(t, err)
	return reply
}

func TestColdAllFetchesAndCaches(t *testing.T) {
	// S1: first ALL query goes upstream, caches one row keyed "ALL"
	p := newPipeline(t, &stubFetcher{rates: euroRates()})

	p.deliver(t, "R1", "ALL:")

	require.EqualValues(t, 1, p.fetcher.calls.Load())

	responses := p.bus.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "R1", responses[0].CorrelationID())

	reply := decodeResponse(t, responses[0])
	assert.Equal(t, "ALL", reply.Currency)
	assert.Equal(t, "R1", reply.RequestID)
	assert.Equal(t, map[string]float64{"USD": 1.1, "RUB": 100.0, "EUR": 1.0}, reply.Rates)

	stored, found, err := p.store.LookupReply(context.Background(), "ALL")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "EUR", stored.BaseCurrency)

	_, found, err = p.store.LookupPayload(context.Background(), "ALL:")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestWarmSingleHitFromAllRow(t *testing.T) {
	// S2: within the freshness window a SINGLE query is served from the
	// ALL row with zero upstream calls
	p := newPipeline(t, &stubFetcher{rates: euroRates()})

	p.deliver(t, "R1", "ALL:")
	require.EqualValues(t, 1, p.fetcher.calls.Load())

	p.deliver(t, "R2", "SINGLE:USD")

	assert.EqualValues(t, 1, p.fetcher.calls.Load(), "warm hit must not call upstream")

	responses := p.bus.responses()
	require.Len(t, responses, 2)

	reply := decodeResponse(t, responses[1])
	assert.Equal(t, "USD", reply.Currency)
	assert.Equal(t, map[string]float64{"USD": 1.1}, reply.Rates)
	assert.Equal(t, "2024-01-15", reply.Date)
	assert.Equal(t, "R2", reply.RequestID)
}

func TestFilterMissOnAbsentCode(t *testing.T) {
	// S3: JPY is absent from the cached ALL row, so the fetch side is
	// invoked and a new row keyed "USD,JPY" is written
	fetcher := &stubFetcher{rates: euroRates()}
	p := newPipeline(t, fetcher)

	p.deliver(t, "R1", "ALL:")

	fetcher.rates.Rates = map[string]float64{"USD": 1.1, "RUB": 100.0, "EUR": 1.0, "JPY": 160.0}
	p.deliver(t, "R3", "FILTER:USD,JPY")

	assert.EqualValues(t, 2, fetcher.calls.Load())

	responses := p.bus.responses()
	require.Len(t, responses, 2)
	reply := decodeResponse(t, responses[1])
	assert.Equal(t, "USD,JPY", reply.Currency)
	assert.Equal(t, map[string]float64{"USD": 1.1, "JPY": 160.0}, reply.Rates)

	stored, found, err := p.store.LookupReply(context.Background(), "USD,JPY")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, stored.Rates, 2)
}

func TestDuplicateDeliveryAbsorbed(t *testing.T) {
	// S4: the same rid delivered twice emits exactly one response and one
	// upstream call
	p := newPipeline(t, &stubFetcher{rates: euroRates()})

	p.deliver(t, "R", "ALL:")
	p.deliver(t, "R", "ALL:")

	assert.Len(t, p.bus.responses(), 1)
	assert.EqualValues(t, 1, p.fetcher.calls.Load())
	assert.Empty(t, p.bus.deadLetters())
}

func TestStalePayloadTriggersRefresh(t *testing.T) {
	// S5: an aged payload-ledger row forces a refetch that overwrites the
	// cache and the ledger
	p := newPipeline(t, &stubFetcher{rates: euroRates()})
	ctx := context.Background()

	p.deliver(t, "R1", "ALL:")
	require.EqualValues(t, 1, p.fetcher.calls.Load())

	// Age the payload two hours
	require.NoError(t, p.store.TouchPayload(ctx, "ALL:", time.Now().UTC().Add(-2*time.Hour)))
	// A stale decision must reach the durable store, not the hot layer
	p.request.hot.Clear()

	p.fetcher.rates.Rates = map[string]float64{"USD": 1.2, "RUB": 101.0, "EUR": 1.0}
	p.deliver(t, "R5", "ALL:")

	assert.EqualValues(t, 2, p.fetcher.calls.Load())

	responses := p.bus.responses()
	require.Len(t, responses, 2)
	reply := decodeResponse(t, responses[1])
	assert.Equal(t, 1.2, reply.Rates["USD"])

	lastSaved, found, err := p.store.LookupPayload(ctx, "ALL:")
	require.NoError(t, err)
	require.True(t, found)
	assert.WithinDuration(t, time.Now().UTC(), lastSaved, time.Minute)
}

func TestFreshWindowNeverCallsUpstream(t *testing.T) {
	// Invariant 5: repeated queries inside the window stay on the cache
	p := newPipeline(t, &stubFetcher{rates: euroRates()})

	p.deliver(t, "R1", "ALL:")
	for i := 0; i < 5; i++ {
		p.deliver(t, "Rn"+string(rune('a'+i)), "ALL:")
	}

	assert.EqualValues(t, 1, p.fetcher.calls.Load())
	// Law 6: identical queries produce identical rates
	responses := p.bus.responses()
	first := decodeResponse(t, responses[0])
	for _, msg := range responses[1:] {
		assert.Equal(t, first.Rates, decodeResponse(t, msg).Rates)
	}
}

func TestContainmentMismatchIsAMiss(t *testing.T) {
	// Invariant 4: a cached row not covering the requested code set is
	// refreshed even inside the freshness window
	fetcher := &stubFetcher{rates: euroRates()}
	p := newPipeline(t, fetcher)
	ctx := context.Background()

	// A row keyed "USD,JPY" that lost its JPY rate
	require.NoError(t, p.store.UpsertReply(ctx, "USD,JPY", message.Reply{
		Rates:        map[string]float64{"USD": 1.1},
		BaseCurrency: "EUR",
		Date:         "2024-01-15",
		Currency:     "USD,JPY",
		RequestID:    "old",
	}))
	require.NoError(t, p.store.TouchPayload(ctx, "FILTER:USD,JPY", time.Now().UTC()))

	fetcher.rates.Rates["JPY"] = 160.0
	p.deliver(t, "R7", "FILTER:USD,JPY")

	assert.EqualValues(t, 1, fetcher.calls.Load())
	responses := p.bus.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, map[string]float64{"USD": 1.1, "JPY": 160.0}, decodeResponse(t, responses[0]).Rates)
}

func TestMissingCorrelationDeadLetters(t *testing.T) {
	p := newPipeline(t, &stubFetcher{rates: euroRates()})

	require.NoError(t, p.request.process(context.Background(), busclient.Message{
		Topic:   busclient.TopicRequest,
		Body:    []byte("ALL:"),
		Headers: map[string]string{},
	}))

	dead := p.bus.deadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "Reason: MissingCorrelation, Message: ALL:", string(dead[0].Body))
	assert.Empty(t, p.bus.responses())
}

func TestUnrecognisedBodyDeadLetters(t *testing.T) {
	p := newPipeline(t, &stubFetcher{rates: euroRates()})

	p.deliver(t, "R9", "BOGUS:USD")

	dead := p.bus.deadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "Reason: Unrecognised, Message: BOGUS:USD", string(dead[0].Body))
	// Validation failures never reach the response topic
	assert.Empty(t, p.bus.responses())
}

func TestUnknownCodeDeadLettersWithoutResponse(t *testing.T) {
	fetcher := &stubFetcher{rates: euroRates()} // no XXX upstream
	p := newPipeline(t, fetcher)

	p.deliver(t, "R10", "FILTER:USD,XXX")

	dead := p.bus.deadLetters()
	require.Len(t, dead, 1)
	assert.Contains(t, string(dead[0].Body), "Reason: UnknownCode")
	assert.Empty(t, p.bus.responses())
}

func TestUpstreamFailureEmitsSyntheticError(t *testing.T) {
	p := newPipeline(t, &stubFetcher{err: assert.AnError})

	p.deliver(t, "R11", "ALL:")

	dead := p.bus.deadLetters()
	require.Len(t, dead, 1)
	assert.Contains(t, string(dead[0].Body), "Reason: UpstreamUnavailable")

	responses := p.bus.responses()
	require.Len(t, responses, 1)
	reply := decodeResponse(t, responses[0])
	assert.True(t, reply.IsError())
	assert.Equal(t, "R11", reply.RequestID)
}

func TestHandlerLifecycle(t *testing.T) {
	p := newPipeline(t, &stubFetcher{rates: euroRates()})
	ctx := context.Background()

	require.NoError(t, p.request.Initialize())
	require.NoError(t, p.request.Start(ctx))
	assert.Error(t, p.request.Start(ctx))
	assert.True(t, p.request.Health().Healthy)
	require.NoError(t, p.request.Stop(time.Second))

	require.NoError(t, p.fetch.Initialize())
	require.NoError(t, p.fetch.Start(ctx))
	assert.True(t, p.fetch.Health().Healthy)
	require.NoError(t, p.fetch.Stop(time.Second))
}

func TestPortsDeclareTopics(t *testing.T) {
	p := newPipeline(t, &stubFetcher{rates: euroRates()})

	in := p.request.InputPorts()
	require.Len(t, in, 1)
	assert.Equal(t, busclient.TopicRequest, in[0].Subject)

	out := p.request.OutputPorts()
	require.Len(t, out, 2)

	fin := p.fetch.InputPorts()
	require.Len(t, fin, 1)
	assert.Equal(t, busclient.TopicFetch, fin[0].Subject)
}
