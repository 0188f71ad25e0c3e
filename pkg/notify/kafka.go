package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ParseKafkaConfig parses a comma-separated broker string
func ParseKafkaConfig(brokers, topic string) KafkaConfig {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}
	return KafkaConfig{Brokers: brokerList, Topic: topic}
}

// Writer is the part of *kafka.Writer the sink uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes status updates to a Kafka topic keyed by tenant and integration
type KafkaSink struct {
	writer Writer
	topic  string
	logger ectologger.Logger
}

// NewKafkaSink creates a sink with its own writer
func NewKafkaSink(cfg KafkaConfig, logger ectologger.Logger) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		// Allow Kafka to auto-create the topic in dev environments when it doesn't exist yet.
		AllowAutoTopicCreation: true,
	}
	return NewKafkaSinkWithWriter(writer, cfg.Topic, logger)
}

// NewKafkaSinkWithWriter creates a sink over an existing writer
func NewKafkaSinkWithWriter(writer Writer, topic string, logger ectologger.Logger) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic, logger: logger}
}

// Close closes the writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// EmitStatusUpdate publishes the update. Messages of one key land on one partition, so consumers
// see the updates of an integration in order.
func (k *KafkaSink) EmitStatusUpdate(ctx context.Context, tenantID string, status models.IntegrationStatus) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.EmitStatusUpdate")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", k.topic),
		attribute.String("messaging.operation", "publish"),
	)
	span.SetAttributes(tracing.KeyAttributes(tenantID, status.Integration, string(status.Environment))...)

	update := NewStatusUpdate(tenantID, status)
	update.TraceID = tracing.GetTraceID(ctx)
	update.SpanID = tracing.GetSpanID(ctx)

	data, err := json.Marshal(update)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal status update")
		return fmt.Errorf("failed to marshal status update: %w", err)
	}

	headers := []kafka.Header{
		{Key: "tenant_id", Value: []byte(tenantID)},
		{Key: "integration", Value: []byte(status.Integration)},
		{Key: "environment", Value: []byte(status.Environment)},
		{Key: "type", Value: []byte(update.Type)},
	}
	for _, h := range tracing.Headers(ctx) {
		headers = append(headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}

	start := time.Now()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(status.Key().String()),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		metrics.RecordKafkaPublish(k.topic, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish status update")
		k.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish status update to Kafka topic %s", k.topic)
		return err
	}

	metrics.RecordKafkaPublish(k.topic, "success", time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "status update published")
	k.logger.WithContext(ctx).Debugf("Published status update to Kafka: key=%s health=%s", status.Key(), status.Health)
	return nil
}
