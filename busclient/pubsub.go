package busclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ratebridge/errors"
)

// Publish sends body on topic with messageKey=rid plus extra headers. When
// idempotence is enabled the publish carries a message id derived from
// (topic, rid) so a replay inside the duplicate window commits nothing: a
// duplicate ack is success, not an error.
func (c *Client) Publish(ctx context.Context, topic, rid string, body []byte, headers map[string]string) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Publish", "publish record")
	}
	if rid == "" {
		return errors.WrapInvalid(errors.ErrMissingCorrelation, "Client", "Publish", "stamp messageKey")
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    body,
		Header:  nats.Header{},
	}
	msg.Header.Set(HeaderMessageKey, rid)
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	var pubOpts []jetstream.PublishOpt
	if c.idempotence {
		pubOpts = append(pubOpts, jetstream.WithMsgID(fmt.Sprintf("%s/%s/%s", c.msgIDPrefix, topic, rid)))
	}

	ack, err := js.PublishMsg(ctx, msg, pubOpts...)
	if err != nil {
		classified := classifyPublishError(err)
		action := fmt.Sprintf("publish to %s", topic)
		if errors.IsFatal(classified) {
			// Fenced: never swallowed, never retried in place
			return errors.WrapFatal(classified, "Client", "Publish", action)
		}
		return errors.WrapTransient(classified, "Client", "Publish", action)
	}

	if ack.Duplicate {
		c.logger.Debug("duplicate publish absorbed", "topic", topic, "rid", rid)
	}
	if c.metrics != nil {
		c.metrics.MessagesPublished.WithLabelValues(topic).Inc()
	}
	return nil
}

// PublishDead routes a malformed record to the dead-letter topic. The
// message id includes the reason so distinct failures of one rid are all
// recorded while replays of the same failure are not.
func (c *Client) PublishDead(ctx context.Context, rid string, reason string, original []byte) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "PublishDead", "publish dead letter")
	}

	msg := &nats.Msg{
		Subject: TopicDeadLetter,
		Data:    DeadLetterBody(reason, original),
		Header:  nats.Header{},
	}
	if rid != "" {
		msg.Header.Set(HeaderMessageKey, rid)
	}

	var pubOpts []jetstream.PublishOpt
	if c.idempotence && rid != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(fmt.Sprintf("%s/dlt/%s/%s", c.msgIDPrefix, rid, reason)))
	}

	if _, err := js.PublishMsg(ctx, msg, pubOpts...); err != nil {
		return errors.WrapTransient(classifyPublishError(err), "Client", "PublishDead", "publish dead letter")
	}

	if c.metrics != nil {
		c.metrics.DeadLetters.WithLabelValues(reason).Inc()
	}
	c.logger.Warn("record dead-lettered", "rid", rid, "reason", reason)
	return nil
}

// Consume attaches a durable consumer group to a topic. Fresh groups replay
// from the earliest record so pending requests survive a cold start.
// Handler errors classified transient nak the record for redelivery; every
// other outcome acks.
func (c *Client) Consume(ctx context.Context, topic, group string, handler Handler) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Consume", "create consumer")
	}
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Consume", "check client state")
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, c.streamName, jetstream.ConsumerConfig{
		Durable:       group,
		FilterSubject: topic,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume",
			fmt.Sprintf("create consumer %s on %s", group, topic))
	}

	consumeCtx, err := consumer.Consume(func(jsMsg jetstream.Msg) {
		record := Message{
			Topic:   jsMsg.Subject(),
			Body:    jsMsg.Data(),
			Headers: flattenHeaders(jsMsg.Headers()),
		}

		if c.metrics != nil {
			c.metrics.MessagesConsumed.WithLabelValues(topic, group).Inc()
		}

		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if handlerErr := handler(msgCtx, record); handlerErr != nil {
			if errors.IsTransient(handlerErr) && !errors.IsFatal(handlerErr) {
				c.logger.Warn("record processing failed, requeueing",
					"topic", topic, "group", group, "error", handlerErr)
				_ = jsMsg.Nak()
				return
			}
			c.logger.Error("record processing failed",
				"topic", topic, "group", group, "error", handlerErr)
		}
		_ = jsMsg.Ack()
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume",
			fmt.Sprintf("start consumer %s on %s", group, topic))
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	if c.closed.Load() {
		consumeCtx.Stop()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Consume", "register consumer")
	}
	c.consumers[fmt.Sprintf("%s:%s", group, topic)] = consumeCtx
	return nil
}

// flattenHeaders converts NATS multi-value headers to the single-value map
// handlers expect
func flattenHeaders(h nats.Header) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(h))
	for key := range h {
		out[key] = h.Get(key)
	}
	return out
}
