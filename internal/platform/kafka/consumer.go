package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"idgraph/internal/platform/config"
)

// Handler processes one inbound message. A returned error is logged and the
// record is still committed; redelivery is the dedupe ledger's concern, not
// a retry loop here.
type Handler func(ctx context.Context, messageID string, body []byte) error

// Flusher blocks until everything handed to the Handler has taken effect.
type Flusher func(ctx context.Context) error

// Consumer reads the commands topic as part of a consumer group.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	flush   Flusher
	logger  *slog.Logger
}

type ConsumerOption func(*Consumer)

// WithFlush runs flush after each polled batch. Offsets are committed only
// once it succeeds; a failure stops the consumer with the batch uncommitted.
func WithFlush(flush Flusher) ConsumerOption {
	return func(c *Consumer) { c.flush = flush }
}

func NewConsumer(cfg config.KafkaConfig, handler Handler, logger *slog.Logger, opts ...ConsumerOption) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.CommandsTopic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{client: client, handler: handler, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until ctx is cancelled or the client closes.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.ErrorContext(ctx, "kafka fetch failed",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			if err := c.handler(ctx, MessageID(r), r.Value); err != nil {
				c.logger.WarnContext(ctx, "inbound message rejected",
					"topic", r.Topic,
					"partition", r.Partition,
					"offset", r.Offset,
					"error", err,
				)
			}
		})
		if c.flush != nil {
			if err := c.flush(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("flush inbound batch: %w", err)
			}
		}
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "kafka commit failed", "error", err)
		}
	}
}

func (c *Consumer) Close() {
	c.client.Close()
}

// MessageID prefers the producer-assigned header and falls back to the
// record's log position, which is stable across redeliveries.
func MessageID(r *kgo.Record) string {
	for _, h := range r.Headers {
		if h.Key == HeaderMessageID && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}
