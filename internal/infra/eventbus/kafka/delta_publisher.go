// Package kafka pushes provider delta payloads onto the event bus. Each
// provider owns a push topic named "<provider>-push"; payloads are forwarded
// verbatim, keyed by provider so a provider's deltas stay ordered within a
// partition.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
)

// Config contains the settings needed to connect the delta publisher.
type Config struct {
	Brokers  []string
	ClientID string
}

// pushTopic returns the event bus topic for a provider's deltas.
func pushTopic(provider string) string { return fmt.Sprintf("%s-push", provider) }

var _ ingestion.DeltaPublisher = (*DeltaPublisher)(nil)

// DeltaPublisher publishes delta payloads through a synchronous Kafka
// producer. Sync production with acks from all replicas means a nil return
// guarantees the broker holds the delta; any failure surfaces to the caller
// as a publish-unavailable error and is never retried here.
type DeltaPublisher struct {
	producer sarama.SyncProducer

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDeltaPublisher creates a publisher on an existing producer. The caller
// owns the producer lifecycle unless the publisher was built by
// ConnectWithRetry, in which case Close releases it.
func NewDeltaPublisher(producer sarama.SyncProducer, logger *logger.Logger, tracer trace.Tracer) *DeltaPublisher {
	return &DeltaPublisher{
		producer: producer,
		logger:   logger.With("component", "delta_publisher"),
		tracer:   tracer,
	}
}

// PublishDelta forwards a raw delta payload to the provider's push topic.
func (p *DeltaPublisher) PublishDelta(ctx context.Context, provider string, payload []byte) error {
	topic := pushTopic(provider)
	ctx, span := p.tracer.Start(ctx, "kafka.publish_delta",
		trace.WithAttributes(
			attribute.String("provider_name", provider),
			attribute.String("topic", topic),
			attribute.Int("payload_size", len(payload)),
		))
	defer span.End()

	if p.producer == nil {
		err := ingestion.NewPublishUnavailableError(fmt.Errorf("producer not initialized"))
		span.RecordError(err)
		span.SetStatus(codes.Error, "producer not initialized")
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(provider),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error(ctx, "failed to publish delta",
			"provider_name", provider, "topic", topic, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish delta")
		return ingestion.NewPublishUnavailableError(err)
	}

	span.SetAttributes(
		attribute.Int64("partition", int64(partition)),
		attribute.Int64("offset", offset),
	)
	p.logger.Debug(ctx, "delta published",
		"provider_name", provider, "topic", topic,
		"partition", partition, "offset", offset)
	return nil
}

// Close shuts down the underlying producer.
func (p *DeltaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// newProducerConfig returns the producer settings shared by all connections:
// acks from all in-sync replicas and hash partitioning on the provider key.
func newProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V3_6_0_0
	return config
}
