package worker

import (
	"context"

	"github.com/example/busguard/internal/kafka/consumer"
)

// NewRecordFromConsumer copies a consumer record into a worker record and
// binds commit as its commit function.
func NewRecordFromConsumer(rec *consumer.Record, commit func(context.Context) error) *Record {
	if rec == nil {
		return nil
	}

	wr := &Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       cloneBytes(rec.Key),
		Value:     cloneBytes(rec.Value),
		Timestamp: rec.Timestamp,
		Headers:   cloneHeaders(rec.Headers),
	}
	if commit != nil {
		wr.setCommitFn(commit)
	}
	return wr
}

// RecordCommitter is the consumer capability the Kafka handler commits
// through. *consumer.Consumer satisfies it.
type RecordCommitter interface {
	Commit(ctx context.Context, record *consumer.Record) error
}

// KafkaHandler returns a consumer.Handler that feeds records into engine.
// Commits go back through cons when it is set.
func KafkaHandler(engine *Engine, cons RecordCommitter) consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		if engine == nil || rec == nil {
			return nil
		}

		var commitFn func(context.Context) error
		if cons != nil {
			commitFn = func(c context.Context) error {
				return cons.Commit(c, rec)
			}
		}

		engine.HandleRecord(ctx, NewRecordFromConsumer(rec, commitFn))
		return nil
	}
}
