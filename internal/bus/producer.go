package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/order-saga/internal/event"
)

// Publisher is what the outbox relay needs from the bus.
type Publisher interface {
	Publish(ctx context.Context, key string, env event.Envelope) error
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer}
}

// Publish writes the envelope keyed by key. With the hash balancer all
// messages sharing a key land on one partition, which is what gives the
// per-order ordering guarantee.
func (p *Producer) Publish(ctx context.Context, key string, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  env.Timestamp,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
