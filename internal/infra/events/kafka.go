// Package events publishes domain events to the downstream notification sink.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("events")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON event envelopes to a single topic, keyed by
// aggregate id so events for one entity stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
	return &KafkaPublisher{writer: writer, logger: logger, now: time.Now}
}

// Publish sends one event. Errors are returned to the caller, which decides
// whether to swallow them.
func (p *KafkaPublisher) Publish(ctx context.Context, eventType, key string, payload any) error {
	ctx, span := tracer.Start(ctx, "KafkaPublisher.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", eventType), attribute.String("event.key", key))

	value, err := json.Marshal(domain.EventEnvelope{
		EventType:  eventType,
		Key:        key,
		OccurredAt: p.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", eventType, err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to send event %s: %w", eventType, err)
	}

	p.logger.Debug("event published", zap.String("event_type", eventType), zap.String("key", key))
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("failed to close kafka writer", zap.Error(err))
		return err
	}
	p.logger.Info("kafka writer closed")
	return nil
}
