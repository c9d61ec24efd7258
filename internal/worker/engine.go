package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/busguard/internal/message"
	"github.com/example/busguard/internal/models"
	"github.com/example/busguard/internal/validation"
)

// Config contains the runtime settings of the dispatch engine.
type Config struct {
	// MsgMaxBytes rejects larger record values before validation. Zero
	// disables the limit.
	MsgMaxBytes       int
	WorkerConcurrency int
}

// Validator runs the inbound validation pipeline. *validation.Pipeline
// satisfies it. On a rejection the returned message may be nil or partially
// populated.
type Validator interface {
	Validate(in message.Inbound) (*message.Message, error)
}

// Handler receives every message that passed validation.
type Handler interface {
	Handle(ctx context.Context, msg *message.Message, record *Record) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *message.Message, record *Record) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *message.Message, record *Record) error {
	return f(ctx, msg, record)
}

// RejectionPublisher forwards rejected records to a rejection topic.
type RejectionPublisher interface {
	PublishRejection(ctx context.Context, record models.RejectionRecord) error
}

// Committer commits Kafka offsets once a record reached a terminal outcome.
type Committer interface {
	Commit(ctx context.Context, record *Record) error
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context, record *Record) error

// Commit calls f.
func (f CommitFunc) Commit(ctx context.Context, record *Record) error {
	return f(ctx, record)
}

// Recorder observes the outcome of each record.
type Recorder interface {
	Observe(topic string, outcome Outcome, duration time.Duration)
}

// Outcome labels the terminal state of a record.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeHandlerError     Outcome = "handler_error"
	OutcomeNormalization    Outcome = Outcome(validation.KindNormalization)
	OutcomeTopicMismatch    Outcome = Outcome(validation.KindTopicMismatch)
	OutcomeSignatureInvalid Outcome = Outcome(validation.KindSignatureInvalid)
	OutcomeOversize         Outcome = "oversize"
	OutcomeUnknown          Outcome = Outcome(validation.KindUnknown)
)

// Dependencies collects the engine's collaborators. RejectionPublisher,
// Committer and Recorder are optional; without a Committer the record's own
// commit function is used.
type Dependencies struct {
	Validator          Validator
	Handler            Handler
	RejectionPublisher RejectionPublisher
	Committer          Committer
	Recorder           Recorder
	Logger             zerolog.Logger
	Now                func() time.Time
	NewID              func() string
}

// Engine validates inbound records with bounded concurrency and dispatches
// accepted messages to the handler. Rejections are logged, counted,
// optionally published and committed; nothing is retried.
type Engine struct {
	cfg       Config
	validator Validator
	handler   Handler
	rejects   RejectionPublisher
	committer Committer
	recorder  Recorder
	logger    zerolog.Logger

	semaphore *semaphore.Weighted
	inflight  sync.WaitGroup
	order     *commitOrder

	now   func() time.Time
	newID func() string
}

// NewEngine validates cfg and deps and returns a ready engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.WorkerConcurrency < 1 {
		return nil, errors.New("worker: worker concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if deps.Validator == nil {
		return nil, errors.New("worker: validator dependency is required")
	}
	if deps.Handler == nil {
		return nil, errors.New("worker: handler dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	committer := deps.Committer
	if committer == nil {
		committer = CommitFunc(func(ctx context.Context, record *Record) error {
			return record.Commit(ctx)
		})
	}

	eng := &Engine{
		cfg:       cfg,
		validator: deps.Validator,
		handler:   deps.Handler,
		rejects:   deps.RejectionPublisher,
		committer: committer,
		recorder:  deps.Recorder,
		logger:    logger.With().Str("component", "worker_engine").Logger(),
		semaphore: semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		order:     newCommitOrder(),
		now:       deps.Now,
		newID:     deps.NewID,
	}
	if eng.now == nil {
		eng.now = time.Now
	}
	if eng.newID == nil {
		eng.newID = uuid.NewString
	}

	return eng, nil
}

// HandleRecord rejects oversize records inline and otherwise schedules
// validation and dispatch on a worker goroutine. It blocks while all workers
// are busy. Records of one partition must be passed in offset order; their
// offsets are committed in that order even though they are processed
// concurrently.
func (e *Engine) HandleRecord(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	received := e.now()
	if record.CorrelationID == "" {
		record.CorrelationID = e.correlationID(record)
	}

	if e.cfg.MsgMaxBytes > 0 && len(record.Value) > e.cfg.MsgMaxBytes {
		pending := e.order.track(record)
		err := message.WrapNormalization(fmt.Errorf("payload exceeds maximum size: got %d bytes, limit %d bytes", len(record.Value), e.cfg.MsgMaxBytes))
		e.reject(ctx, record, nil, err, OutcomeOversize, received)
		e.finish(ctx, pending, true)
		return
	}

	work := record.Clone()
	pending := e.order.track(work)

	if err := e.semaphore.Acquire(ctx, 1); err != nil {
		e.logger.Error().
			Str("correlation_id", record.CorrelationID).
			Err(err).
			Msg("worker: failed to acquire concurrency semaphore")
		e.finish(ctx, pending, false)
		return
	}

	e.inflight.Add(1)
	go e.processRecord(ctx, work, pending, received)
}

// Wait blocks until every scheduled record has finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) processRecord(ctx context.Context, record *Record, pending *pendingCommit, received time.Time) {
	defer e.inflight.Done()
	defer e.semaphore.Release(1)

	if ctx.Err() != nil {
		e.logger.Warn().
			Str("correlation_id", record.CorrelationID).
			Msg("worker: context cancelled before processing began")
		e.finish(ctx, pending, false)
		return
	}

	msg, err := e.validator.Validate(record.Wrapper())
	if err != nil {
		e.reject(ctx, record, msg, err, Outcome(validation.Classify(err)), received)
		e.finish(ctx, pending, true)
		return
	}

	if err := e.handler.Handle(ctx, msg, record); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn().
				Str("correlation_id", record.CorrelationID).
				Err(err).
				Msg("worker: context cancelled during handling; deferring commit for redelivery")
			e.finish(ctx, pending, false)
			return
		}
		e.logger.Error().
			Str("correlation_id", record.CorrelationID).
			Str("topic", msg.TopicName()).
			Err(err).
			Msg("worker: handler failed")
		e.observe(record.Topic, OutcomeHandlerError, received)
		e.finish(ctx, pending, true)
		return
	}

	e.observe(record.Topic, OutcomeAccepted, received)
	e.finish(ctx, pending, true)
}

func (e *Engine) reject(ctx context.Context, record *Record, msg *message.Message, err error, outcome Outcome, received time.Time) {
	e.logger.Warn().
		Str("correlation_id", record.CorrelationID).
		Str("topic", record.Topic).
		Int32("partition", record.Partition).
		Int64("offset", record.Offset).
		Str("outcome", string(outcome)).
		Err(err).
		Msg("worker: message rejected")

	e.observe(record.Topic, outcome, received)
	e.publishRejection(ctx, record, msg, err, outcome, received)
}

func (e *Engine) publishRejection(ctx context.Context, record *Record, msg *message.Message, err error, outcome Outcome, received time.Time) {
	if e.rejects == nil {
		return
	}

	rec := models.RejectionRecord{
		CorrelationID: record.CorrelationID,
		Topic:         record.Topic,
		Partition:     record.Partition,
		Offset:        record.Offset,
		Reason:        string(outcome),
		Error:         err.Error(),
		Encoding:      record.Wrapper().Encoding.String(),
		Payload:       cloneBytes(record.Value),
		ReceivedAt:    received,
		RejectedAt:    e.now(),
		Headers:       stringHeaders(record.Headers),
	}
	if msg != nil {
		for _, w := range msg.Warnings {
			rec.Warnings = append(rec.Warnings, w.Error())
		}
	}

	if pubErr := e.rejects.PublishRejection(ctx, rec); pubErr != nil {
		e.logger.Error().
			Str("correlation_id", record.CorrelationID).
			Err(pubErr).
			Msg("worker: failed to publish rejection record")
	}
}

// finish settles a scheduled record and commits every record of its
// partition that became committable. commit is false when the record must be
// redelivered.
func (e *Engine) finish(ctx context.Context, pending *pendingCommit, commit bool) {
	for _, record := range e.order.settle(pending, commit) {
		e.commitRecord(ctx, record)
	}
}

func (e *Engine) commitRecord(ctx context.Context, record *Record) {
	if err := e.committer.Commit(ctx, record); err != nil {
		e.logger.Error().
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Err(err).
			Msg("worker: failed to commit record offset")
	}
}

func (e *Engine) observe(topic string, outcome Outcome, received time.Time) {
	if e.recorder == nil {
		return
	}
	e.recorder.Observe(topic, outcome, e.now().Sub(received))
}

func (e *Engine) correlationID(record *Record) string {
	if len(record.Key) > 0 {
		return string(record.Key)
	}
	return e.newID()
}

func stringHeaders(headers map[string][]byte) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = string(v)
	}
	return out
}
