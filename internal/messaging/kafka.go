package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yourorg/payment-reconciler/internal/payment"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes transaction events keyed by transaction id, so all
// events of one transaction land on the same partition in order.
type KafkaPublisher struct {
	writer   MessageWriter
	encoding Encoding
}

// NewKafkaPublisher creates a publisher writing to topic.
func NewKafkaPublisher(brokers []string, topic string, enc Encoding) *KafkaPublisher {
	return NewKafkaPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, enc)
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w MessageWriter, enc Encoding) *KafkaPublisher {
	if enc == "" {
		enc = EncodingJSON
	}
	return &KafkaPublisher{writer: w, encoding: enc}
}

// Publish implements the orchestrator's Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, ev payment.Event) error {
	value, err := EncodeEvent(ev, p.encoding)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TransactionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "content_type", Value: []byte(p.encoding.ContentType())},
		},
		Time: ev.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
