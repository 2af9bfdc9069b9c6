// Package bus publishes committed business events to Kafka for downstream
// consumers (analytics, AI recommendation agents, replication).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is one structured business event emitted per committed document.
type Event struct {
	EventType  string          `json:"event_type"`
	CompanyID  string          `json:"company_id"`
	SourceType string          `json:"source_type"`
	SourceID   string          `json:"source_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher hands events to the bus. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// KafkaPublisher writes events to a single Kafka topic keyed by company,
// so per-company ordering is preserved within a partition.
type KafkaPublisher struct {
	logger *slog.Logger
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher constructs a publisher against the given brokers.
func NewKafkaPublisher(logger *slog.Logger, brokers []string, topic string) (*KafkaPublisher, error) {
	if topic == "" {
		return nil, fmt.Errorf("platform/bus: kafka topic is not configured")
	}
	writer := &kafka.Writer{
		Addr:  kafka.TCP(brokers...),
		Topic: topic,
		// Hash routes by message key, so one company's events always land
		// on the same partition and stay ordered.
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 10 * time.Second,
	}
	return &KafkaPublisher{logger: logger, writer: writer, topic: topic}, nil
}

// Publish writes one event. The caller decides whether a publish failure is
// fatal; ledger posting treats it as best-effort and logs.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("platform/bus: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.CompanyID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publish business event",
			slog.String("topic", p.topic),
			slog.String("event_type", ev.EventType),
			slog.Any("error", err),
		)
		return fmt.Errorf("platform/bus: publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close releases the underlying writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("platform/bus: close writer: %w", err)
	}
	return nil
}
