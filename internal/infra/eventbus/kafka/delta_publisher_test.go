package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
)

// mockSyncProducer captures sent messages and returns scripted results.
type mockSyncProducer struct {
	sarama.SyncProducer

	sent    []*sarama.ProducerMessage
	sendErr error
	closed  bool
}

func (m *mockSyncProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if m.sendErr != nil {
		return 0, 0, m.sendErr
	}
	m.sent = append(m.sent, msg)
	return 0, int64(len(m.sent)), nil
}

func (m *mockSyncProducer) Close() error {
	m.closed = true
	return nil
}

func newTestPublisher(producer sarama.SyncProducer) *DeltaPublisher {
	return NewDeltaPublisher(producer, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func TestPublishDeltaRoutesToProviderTopic(t *testing.T) {
	producer := &mockSyncProducer{}
	publisher := newTestPublisher(producer)

	payload := []byte(`{"added":["repo-a"],"removed":[]}`)
	err := publisher.PublishDelta(context.Background(), "github", payload)
	require.NoError(t, err)

	require.Len(t, producer.sent, 1)
	msg := producer.sent[0]
	assert.Equal(t, "github-push", msg.Topic)

	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "github", string(key))

	value, err := msg.Value.Encode()
	require.NoError(t, err)
	assert.Equal(t, payload, value)
}

func TestPublishDeltaProducerFailure(t *testing.T) {
	producer := &mockSyncProducer{sendErr: errors.New("broker unreachable")}
	publisher := newTestPublisher(producer)

	err := publisher.PublishDelta(context.Background(), "github", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingestion.ErrPublishUnavailable))
	assert.Contains(t, err.Error(), "broker unreachable")
}

func TestPublishDeltaNilProducer(t *testing.T) {
	publisher := newTestPublisher(nil)

	err := publisher.PublishDelta(context.Background(), "github", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingestion.ErrPublishUnavailable))
}

func TestCloseReleasesProducer(t *testing.T) {
	producer := &mockSyncProducer{}
	publisher := newTestPublisher(producer)

	require.NoError(t, publisher.Close())
	assert.True(t, producer.closed)

	assert.NoError(t, newTestPublisher(nil).Close())
}
