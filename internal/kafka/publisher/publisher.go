package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/busguard/internal/models"
)

// ErrProducerNotInitialised is returned when a publisher has no producer.
var ErrProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour the publisher needs.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// RejectionPublisher writes rejection records to a Kafka topic using the
// shared producer.
type RejectionPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewRejectionPublisher returns nil when prod is nil so callers can treat a
// missing producer as "rejections are not published".
func NewRejectionPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *RejectionPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &RejectionPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger.With().Str("component", "rejection_publisher").Logger(),
	}
}

// Topic returns the destination topic.
func (p *RejectionPublisher) Topic() string {
	if p == nil {
		return ""
	}
	return p.topic
}

// PublishRejection writes record to Kafka synchronously, keyed by its
// correlation id.
func (p *RejectionPublisher) PublishRejection(_ context.Context, record models.RejectionRecord) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal rejection record: %w", err)
	}

	headers := map[string][]byte{
		"content-type":     []byte("application/json"),
		"rejection-reason": []byte(record.Reason),
		"source-topic":     []byte(record.Topic),
	}

	if err := p.producer.PublishSync(p.topic, []byte(record.CorrelationID), headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish rejection record: %w", err)
	}

	p.logger.Debug().
		Str("correlation_id", record.CorrelationID).
		Str("reason", record.Reason).
		Msg("rejection record published")
	return nil
}
