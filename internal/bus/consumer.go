package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/order-saga/internal/event"
)

// EnvelopeHandler processes one decoded envelope. A returned error is treated
// as transient and the delivery is retried in place; an error wrapping
// event.ErrMalformedPayload is permanent and sends the message to the
// dead-letter topic instead.
type EnvelopeHandler func(ctx context.Context, env event.Envelope) error

type Consumer struct {
	reader      *kafka.Reader
	deadLetter  Publisher
	log         *zap.Logger
	maxInterval time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, deadLetter Publisher, log *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{
		reader:      reader,
		deadLetter:  deadLetter,
		log:         log.Named("consumer").With(zap.String("topic", topic), zap.String("group", groupID)),
		maxInterval: 30 * time.Second,
	}
}

// Consume reads until the context is cancelled. The offset is committed only
// once the message is dealt with: handled successfully, or dead-lettered as
// permanently bad. Transient handler failures block and retry in place, which
// both guarantees the event is never dropped and keeps per-order ordering —
// a later event of the same order cannot overtake a failing earlier one.
func (c *Consumer) Consume(ctx context.Context, handler EnvelopeHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("fetch message", zap.Error(err))
			continue
		}

		var env event.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			c.log.Error("malformed envelope, dead-lettering",
				zap.String("key", string(msg.Key)), zap.Error(err))
			c.sendToDeadLetter(ctx, msg.Key, msg.Value)
			c.commit(ctx, msg)
			continue
		}

		if err := c.handle(ctx, env, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("malformed payload, dead-lettering",
				zap.String("eventId", env.EventID),
				zap.String("eventType", env.EventType),
				zap.Error(err))
			c.sendToDeadLetter(ctx, msg.Key, msg.Value)
		}
		c.commit(ctx, msg)
	}
}

// handle runs the handler, retrying transient errors until the context ends.
// Only a permanent malformed-payload error comes back to the caller.
func (c *Consumer) handle(ctx context.Context, env event.Envelope, handler EnvelopeHandler) error {
	op := func() error {
		err := handler(ctx, env)
		if err == nil {
			return nil
		}
		if errors.Is(err, event.ErrMalformedPayload) {
			return backoff.Permanent(err)
		}
		c.log.Warn("handle event, will retry",
			zap.String("eventId", env.EventID),
			zap.String("eventType", env.EventType),
			zap.Error(err))
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.maxInterval
	bo.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		c.log.Error("commit offset", zap.Error(err))
	}
}

func (c *Consumer) sendToDeadLetter(ctx context.Context, key, value []byte) {
	if c.deadLetter == nil {
		return
	}
	env := event.Envelope{
		EventID:       uuid.New().String(),
		EventType:     "Unparseable",
		Timestamp:     time.Now().UTC(),
		CorrelationID: string(key),
		Payload:       json.RawMessage(value),
	}
	if err := c.deadLetter.Publish(ctx, string(key), env); err != nil {
		c.log.Error("dead-letter publish", zap.Error(err))
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
