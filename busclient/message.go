// Package busclient provides the bus adapter: topic constants, the record
// model, and a NATS JetStream client with idempotent publishes, durable
// consumer groups and a dead-letter helper.
package busclient

import (
	"context"
	"fmt"
)

// Topics of the request/response pipeline. All live in one stream so a
// single correlation id can be traced across every hop.
const (
	TopicRequest    = "rate.request"
	TopicFetch      = "rate.fetch"
	TopicResponse   = "rate.response"
	TopicDeadLetter = "rate.dlt"
)

// TopicWildcard subscribes the stream to every pipeline subject
const TopicWildcard = "rate.>"

// Record headers. Every hop carries messageKey; the response path also
// carries correlationId. Both hold the UTF-8 bytes of the rid.
const (
	HeaderMessageKey    = "messageKey"
	HeaderCorrelationID = "correlationId"
)

// Message is one bus record as seen by handlers
type Message struct {
	Topic   string
	Body    []byte
	Headers map[string]string
}

// RID returns the messageKey header, the correlation id stamped by the edge
func (m Message) RID() string {
	return m.Headers[HeaderMessageKey]
}

// CorrelationID returns the correlationId header set on the response path
func (m Message) CorrelationID() string {
	return m.Headers[HeaderCorrelationID]
}

// Handler processes one consumed record. A returned transient error naks
// the record for redelivery; any other outcome acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Bus is the adapter contract consumed by the correlator and the engine.
// *Client implements it against NATS JetStream; tests use an in-process
// fake.
type Bus interface {
	// Publish sends body on topic with messageKey=rid plus any extra
	// headers. Publishes are idempotent: replaying the same (topic, rid)
	// commits at most one record.
	Publish(ctx context.Context, topic, rid string, body []byte, headers map[string]string) error

	// PublishDead routes a malformed record to the dead-letter topic
	PublishDead(ctx context.Context, rid string, reason string, original []byte) error

	// Consume attaches a durable consumer group to a topic. Fresh groups
	// start from the earliest record.
	Consume(ctx context.Context, topic, group string, handler Handler) error
}

// DeadLetterBody renders the dead-letter payload format:
// "Reason: <reason>, Message: <original body>"
func DeadLetterBody(reason string, original []byte) []byte {
	return []byte(fmt.Sprintf("Reason: %s, Message: %s", reason, original))
}

// ResponseHeaders returns the header set for a response-topic publish
func ResponseHeaders(rid string) map[string]string {
	return map[string]string{HeaderCorrelationID: rid}
}
