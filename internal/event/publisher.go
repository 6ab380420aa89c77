package event

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher appends envelopes to the transport. The Kafka implementation
// hashes the message key, so keying by aggregate id pins each account to one
// partition and gives per-account ordering for free.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// KafkaPublisher writes envelopes to a single topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a hash-balanced writer for the topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.AggregateID),
		Value: data,
		Time:  time.Now(),
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }
