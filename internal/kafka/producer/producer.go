package producer

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	defaultMetadataRefreshInterval = 30 * time.Second
	defaultClientID                = "busguard-producer"
)

// Option customises the producer during construction.
type Option func(*options)

type options struct {
	config          *sarama.Config
	refreshInterval time.Duration
}

// WithConfig supplies a preconfigured Sarama config. It is copied so the
// caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithMetadataRefreshInterval overrides how often cluster metadata is
// refreshed to keep readiness current.
func WithMetadataRefreshInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.refreshInterval = interval
		}
	}
}

// metadataClient is the part of sarama.Client the readiness watch needs.
type metadataClient interface {
	RefreshMetadata(topics ...string) error
	Close() error
}

// Producer wraps a Sarama sync producer and tracks readiness from send
// results and periodic metadata refreshes.
type Producer struct {
	logger zerolog.Logger

	client       metadataClient
	syncProducer sarama.SyncProducer

	refreshInterval time.Duration

	ready atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New dials brokers and starts the metadata watch.
func New(brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}

	settings := &options{
		config:          defaultConfig(),
		refreshInterval: defaultMetadataRefreshInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	cfg := cloneConfig(settings.config)
	cfg.Metadata.RefreshFrequency = settings.refreshInterval

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create client: %w", err)
	}

	syncProd, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka producer: create sync producer: %w", err)
	}

	return newProducer(client, syncProd, settings.refreshInterval, logger), nil
}

// NewFromSyncProducer wraps an existing sync producer without a metadata
// watch. Readiness then follows send results only.
func NewFromSyncProducer(prod sarama.SyncProducer, logger zerolog.Logger) (*Producer, error) {
	if prod == nil {
		return nil, errors.New("kafka producer: sync producer is required")
	}
	return newProducer(nil, prod, 0, logger), nil
}

func newProducer(client metadataClient, syncProd sarama.SyncProducer, interval time.Duration, logger zerolog.Logger) *Producer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &Producer{
		logger:          logger.With().Str("component", "kafka_producer").Logger(),
		client:          client,
		syncProducer:    syncProd,
		refreshInterval: interval,
		stopCh:          make(chan struct{}),
	}

	if client == nil {
		p.ready.Store(true)
		return p
	}

	if err := client.RefreshMetadata(); err != nil {
		p.logger.Error().Err(err).Msg("kafka producer initial metadata refresh failed")
	} else {
		p.ready.Store(true)
	}

	p.wg.Add(1)
	go p.watchMetadata()
	return p
}

// PublishSync publishes a message and waits for the broker acknowledgement.
func (p *Producer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	if topic == "" {
		return errors.New("kafka producer: topic is required")
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: toRecordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	partition, offset, err := p.syncProducer.SendMessage(msg)
	if err != nil {
		p.ready.Store(false)
		return fmt.Errorf("kafka producer: send sync: %w", err)
	}

	p.ready.Store(true)
	p.logger.Trace().
		Str("topic", topic).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("kafka producer message acknowledged")
	return nil
}

// IsReady reports whether the last send or metadata refresh succeeded.
func (p *Producer) IsReady() bool {
	return p.ready.Load()
}

// Close stops the metadata watch and releases the producer and client.
func (p *Producer) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	var errs []error
	if err := p.syncProducer.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Producer) watchMetadata() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.client.RefreshMetadata(); err != nil {
				p.logger.Error().Err(err).Msg("kafka producer metadata refresh failed")
				p.ready.Store(false)
			} else {
				p.ready.Store(true)
			}
		}
	}
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{
			Key:   []byte(k),
			Value: append([]byte(nil), v...),
		})
	}
	return out
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = defaultClientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.RefreshFrequency = defaultMetadataRefreshInterval
	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig()
	}
	cloned := *cfg
	return &cloned
}
