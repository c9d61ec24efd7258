package consumer

import (
	"context"
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
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	defaultConsumeBackoff   = time.Second
	defaultClientID         = "busguard-consumer"
)

// Handler is invoked for every record delivered by the consumer. Records of
// one partition are delivered sequentially and in offset order; a handler
// that processes them concurrently must still commit them in that order.
type Handler func(ctx context.Context, record *Record) error

// Settings identifies the group and the topics to subscribe to.
type Settings struct {
	Brokers []string
	GroupID string
	Topics  []string
	// CommitOnSuccessOnly disables auto-commit; offsets are flushed when a
	// record is committed explicitly.
	CommitOnSuccessOnly bool
}

// Option customises the consumer during construction.
type Option func(*options)

type options struct {
	config *sarama.Config
}

// WithConfig supplies a Sarama config. It is copied so the caller retains
// ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// Consumer wraps a Sarama consumer group with explicit commit support and
// readiness tracking.
type Consumer struct {
	logger zerolog.Logger

	group        sarama.ConsumerGroup
	settings     Settings
	errorsDoneCh chan struct{}

	ready atomic.Bool

	mu      sync.RWMutex
	handler Handler
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// Record is a Kafka message together with the session needed to commit it.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	session sarama.ConsumerGroupSession
	message *sarama.ConsumerMessage

	mu        sync.Mutex
	committed bool
}

// New joins no group yet; Run starts consumption.
func New(settings Settings, logger zerolog.Logger, opts ...Option) (*Consumer, error) {
	if len(settings.Brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if settings.GroupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}
	if len(settings.Topics) == 0 {
		return nil, errors.New("kafka consumer: at least one topic is required")
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	o := &options{config: defaultConfig(settings.CommitOnSuccessOnly)}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	cfg := cloneConfig(o.config)
	cfg.Consumer.Offsets.AutoCommit.Enable = !settings.CommitOnSuccessOnly

	group, err := sarama.NewConsumerGroup(settings.Brokers, settings.GroupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	settings.Topics = append([]string(nil), settings.Topics...)
	c := &Consumer{
		logger:       logger.With().Str("component", "kafka_consumer").Str("group_id", settings.GroupID).Logger(),
		group:        group,
		settings:     settings,
		errorsDoneCh: make(chan struct{}),
	}

	go c.consumeErrors()

	return c, nil
}

// Topics returns the subscribed topics.
func (c *Consumer) Topics() []string {
	return append([]string(nil), c.settings.Topics...)
}

// Run invokes handler for each record until ctx is cancelled or the group is
// closed. Rebalances re-enter the consume loop.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.handler = handler
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	defer c.wg.Done()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.group.Consume(ctx, c.settings.Topics, &groupHandler{consumer: c})
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error().Err(err).Msg("kafka consumer: consume error")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultConsumeBackoff):
			}
		}
	}
}

// Commit marks record as processed. With CommitOnSuccessOnly the offset is
// flushed immediately; otherwise the auto-commit interval picks it up.
// Committing a record twice is a no-op.
func (c *Consumer) Commit(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("kafka consumer: record is required")
	}
	if record.session == nil || record.message == nil {
		return errors.New("kafka consumer: record missing session data")
	}

	record.mu.Lock()
	if record.committed {
		record.mu.Unlock()
		return nil
	}
	record.committed = true
	record.mu.Unlock()

	record.session.MarkMessage(record.message, "")
	if c.settings.CommitOnSuccessOnly {
		record.session.Commit()
	}
	return nil
}

// IsReady reports whether the consumer currently holds a group session.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close stops Run and shuts the group down.
func (c *Consumer) Close() error {
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	err := c.group.Close()
	c.wg.Wait()
	<-c.errorsDoneCh
	return err
}

func (c *Consumer) consumeErrors() {
	defer close(c.errorsDoneCh)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error().Err(err).Msg("kafka consumer error")
		}
	}
}

func (c *Consumer) currentHandler() Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(true)
	h.consumer.logger.Info().
		Str("member_id", session.MemberID()).
		Int32("generation", session.GenerationID()).
		Msg("kafka consumer group session started")
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(false)
	h.consumer.logger.Info().
		Int32("generation", session.GenerationID()).
		Msg("kafka consumer group session ended")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.dispatch(session, msg)
		}
	}
}

func (h *groupHandler) dispatch(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	if msg == nil {
		return
	}

	handler := h.consumer.currentHandler()
	if handler == nil {
		h.consumer.logger.Error().Msg("kafka consumer: message received without handler")
		return
	}

	record := newRecord(session, msg)
	if err := handler(session.Context(), record); err != nil {
		h.consumer.logger.Error().
			Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka consumer handler error")
	}
}

func newRecord(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) *Record {
	return &Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       cloneBytes(msg.Key),
		Value:     cloneBytes(msg.Value),
		Timestamp: msg.Timestamp,
		Headers:   fromHeaders(msg.Headers),
		session:   session,
		message:   msg,
	}
}

func defaultConfig(commitOnSuccessOnly bool) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = defaultClientID

	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = !commitOnSuccessOnly
	cfg.Consumer.Return.Errors = true

	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig(false)
	}
	cloned := *cfg
	return &cloned
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// fromHeaders flattens record headers; a repeated key keeps its last value.
func fromHeaders(headers []*sarama.RecordHeader) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		out[string(h.Key)] = cloneBytes(h.Value)
	}
	return out
}
