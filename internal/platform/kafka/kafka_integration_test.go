//go:build integration

package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"idgraph/internal/events"
	"idgraph/internal/platform/config"
	id "idgraph/pkg/domain"
	"idgraph/pkg/testutil/containers"
)

type KafkaIntegrationSuite struct {
	suite.Suite
	cfg config.KafkaConfig
}

func TestKafkaIntegrationSuite(t *testing.T) {
	suite.Run(t, new(KafkaIntegrationSuite))
}

func (s *KafkaIntegrationSuite) SetupSuite() {
	broker := containers.GetManager().GetRedpanda(s.T())
	s.cfg = config.KafkaConfig{
		Brokers:           []string{broker.Broker},
		EventsTopic:       "identity.events.it",
		CommandsTopic:     "identity.commands.it",
		ConsumerGroup:     "idgraph-it",
		Partitions:        1,
		ReplicationFactor: 1,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Require().NoError(EnsureTopics(ctx, s.cfg))
}

// =============================================================================
// Topic provisioning
// =============================================================================

func (s *KafkaIntegrationSuite) TestEnsureTopicsIsIdempotent() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Require().NoError(EnsureTopics(ctx, s.cfg))
}

// =============================================================================
// Publish and consume
// =============================================================================

func (s *KafkaIntegrationSuite) TestProducedEventsKeepAggregateOrder() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	producer, err := NewProducer(s.cfg, nil)
	s.Require().NoError(err)
	defer producer.Close()

	aggregate := id.NewIdentityID()
	first := events.New(aggregate, time.Now(), events.IdentityArchived{IdentityID: aggregate})
	second := events.New(aggregate, time.Now(), events.IdentityArchived{IdentityID: aggregate, ExternalReference: "second"})
	s.Require().NoError(producer.Publish(ctx, first))
	s.Require().NoError(producer.Publish(ctx, second))

	reader, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumeTopics(s.cfg.EventsTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer reader.Close()

	var got []events.Event
	for len(got) < 2 && ctx.Err() == nil {
		reader.PollFetches(ctx).EachRecord(func(r *kgo.Record) {
			if string(r.Key) != aggregate.String() {
				return
			}
			evt, err := events.Unmarshal(r.Value)
			s.Require().NoError(err)
			got = append(got, evt)
		})
	}
	s.Require().Len(got, 2)
	s.Equal(first.ID, got[0].ID)
	s.Equal(second.ID, got[1].ID)
}

func (s *KafkaIntegrationSuite) TestConsumerHandsMessagesToHandler() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	writer, err := kgo.NewClient(kgo.SeedBrokers(s.cfg.Brokers...))
	s.Require().NoError(err)
	defer writer.Close()
	s.Require().NoError(writer.ProduceSync(ctx, &kgo.Record{
		Topic:   s.cfg.CommandsTopic,
		Value:   []byte(`{"kind":"create_identity"}`),
		Headers: []kgo.RecordHeader{{Key: HeaderMessageID, Value: []byte("cmd-1")}},
	}).FirstErr())

	var (
		mu       sync.Mutex
		received []string
		done     = make(chan struct{})
	)
	consumer, err := NewConsumer(s.cfg, func(_ context.Context, messageID string, body []byte) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, messageID)
		if len(received) == 1 {
			close(done)
		}
		return nil
	}, nil)
	s.Require().NoError(err)

	runCtx, stop := context.WithCancel(ctx)
	go func() { _ = consumer.Run(runCtx) }()

	select {
	case <-done:
	case <-ctx.Done():
		s.FailNow("consumer did not receive the command")
	}
	stop()
	consumer.Close()

	mu.Lock()
	defer mu.Unlock()
	s.Equal("cmd-1", received[0])
}

func (s *KafkaIntegrationSuite) TestFailedFlushLeavesBatchUncommitted() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	writer, err := kgo.NewClient(kgo.SeedBrokers(s.cfg.Brokers...))
	s.Require().NoError(err)
	defer writer.Close()
	s.Require().NoError(writer.ProduceSync(ctx, &kgo.Record{
		Topic:   s.cfg.CommandsTopic,
		Value:   []byte(`{"kind":"archive_identity"}`),
		Headers: []kgo.RecordHeader{{Key: HeaderMessageID, Value: []byte("cmd-unflushed")}},
	}).FirstErr())

	failing, err := NewConsumer(s.cfg, func(context.Context, string, []byte) error { return nil }, nil,
		WithFlush(func(context.Context) error { return errors.New("ledger unavailable") }))
	s.Require().NoError(err)
	runErr := failing.Run(ctx)
	failing.Close()
	s.Require().Error(runErr)
	s.Contains(runErr.Error(), "ledger unavailable")

	redelivered := make(chan struct{})
	var once sync.Once
	retry, err := NewConsumer(s.cfg, func(_ context.Context, messageID string, _ []byte) error {
		if messageID == "cmd-unflushed" {
			once.Do(func() { close(redelivered) })
		}
		return nil
	}, nil)
	s.Require().NoError(err)
	runCtx, stop := context.WithCancel(ctx)
	go func() { _ = retry.Run(runCtx) }()

	select {
	case <-redelivered:
	case <-ctx.Done():
		s.FailNow("uncommitted record was not redelivered")
	}
	stop()
	retry.Close()
}
