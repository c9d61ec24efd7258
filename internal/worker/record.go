package worker

import (
	"context"
	"time"

	"github.com/example/busguard/internal/message"
)

// Record is a Kafka message handed to the engine, decoupled from the
// concrete consumer.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	// CorrelationID is the record key, or a generated id for keyless
	// records.
	CorrelationID string

	commitFn func(context.Context) error
}

// Wrapper converts the record to the wrapper inbound form. Values that are
// not valid UTF-8 are treated as binary.
func (r *Record) Wrapper() message.Wrapper {
	return message.DetectWrapper(r.Topic, r.Value)
}

// Commit invokes the commit function bound by the consumer bridge. Records
// built without one commit nothing.
func (r *Record) Commit(ctx context.Context) error {
	if r == nil || r.commitFn == nil {
		return nil
	}
	return r.commitFn(ctx)
}

func (r *Record) setCommitFn(fn func(context.Context) error) {
	r.commitFn = fn
}

// Clone returns a deep copy safe to hand to another goroutine. The commit
// function is shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	clone := *r
	clone.Key = cloneBytes(r.Key)
	clone.Value = cloneBytes(r.Value)
	clone.Headers = cloneHeaders(r.Headers)
	return &clone
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	clone := make([]byte, len(b))
	copy(clone, b)
	return clone
}

func cloneHeaders(headers map[string][]byte) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	clone := make(map[string][]byte, len(headers))
	for k, v := range headers {
		clone[k] = cloneBytes(v)
	}
	return clone
}
