// Package kafka carries engine events out and commands in over Kafka.
package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"idgraph/internal/events"
	"idgraph/internal/platform/config"
)

const (
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
	HeaderMessageID = "message_id"
)

// Producer publishes events to the events topic. Records are keyed by
// aggregate so every event of one identity lands on one partition in order.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.EventsTopic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{client: client, topic: cfg.EventsTopic, logger: logger}, nil
}

// Publish blocks until the broker acknowledges the record.
func (p *Producer) Publish(ctx context.Context, evt events.Event) error {
	record, err := Record(p.topic, evt)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", evt.Type, err)
	}
	p.logger.DebugContext(ctx, "event published",
		"event_type", string(evt.Type),
		"event_id", evt.ID.String(),
		"topic", p.topic,
	)
	return nil
}

// PublishRaw sends an already encoded event. The outbox relay uses it so
// stored bytes go out unchanged.
func (p *Producer) PublishRaw(ctx context.Context, key string, eventType events.Type, eventID string, body []byte) error {
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(key),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventType, Value: []byte(eventType)},
			{Key: HeaderEventID, Value: []byte(eventID)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", eventType, err)
	}
	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}

// Record builds the wire record for an event.
func Record(topic string, evt events.Event) (*kgo.Record, error) {
	body, err := events.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(evt.Aggregate.String()),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventType, Value: []byte(evt.Type)},
			{Key: HeaderEventID, Value: []byte(evt.ID.String())},
		},
	}, nil
}
