package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"idgraph/internal/events"
	id "idgraph/pkg/domain"
)

func TestRecordKeysByAggregate(t *testing.T) {
	aggregate := id.NewIdentityID()
	evt := events.New(aggregate, time.Now(), events.IdentityArchived{IdentityID: aggregate})

	record, err := Record("identity.events", evt)
	require.NoError(t, err)

	assert.Equal(t, "identity.events", record.Topic)
	assert.Equal(t, aggregate.String(), string(record.Key))
	assert.Equal(t, []kgo.RecordHeader{
		{Key: HeaderEventType, Value: []byte(events.TypeIdentityArchived)},
		{Key: HeaderEventID, Value: []byte(evt.ID.String())},
	}, record.Headers)

	decoded, err := events.Unmarshal(record.Value)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, decoded.ID)
	assert.Equal(t, events.IdentityArchived{IdentityID: aggregate}, decoded.Payload)
}

func TestMessageID(t *testing.T) {
	t.Run("header wins", func(t *testing.T) {
		r := &kgo.Record{
			Topic:     "identity.commands",
			Partition: 2,
			Offset:    10,
			Headers:   []kgo.RecordHeader{{Key: HeaderMessageID, Value: []byte("msg-1")}},
		}
		assert.Equal(t, "msg-1", MessageID(r))
	})

	t.Run("falls back to log position", func(t *testing.T) {
		r := &kgo.Record{Topic: "identity.commands", Partition: 2, Offset: 10}
		assert.Equal(t, "identity.commands/2/10", MessageID(r))
	})

	t.Run("empty header ignored", func(t *testing.T) {
		r := &kgo.Record{
			Topic:   "identity.commands",
			Offset:  3,
			Headers: []kgo.RecordHeader{{Key: HeaderMessageID}},
		}
		assert.Equal(t, "identity.commands/0/3", MessageID(r))
	})
}
