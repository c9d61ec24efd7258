package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/example/busguard/internal/kafka/consumer"
	"github.com/example/busguard/internal/worker"
)

type commitRecorder func()

func (c commitRecorder) Commit(context.Context, *consumer.Record) error {
	c()
	return nil
}

func consumerRecord(topic, value string) *consumer.Record {
	return &consumer.Record{
		Topic:     topic,
		Partition: 1,
		Offset:    11,
		Key:       []byte("key-1"),
		Value:     []byte(value),
		Timestamp: time.Unix(10, 0).UTC(),
		Headers:   map[string][]byte{"trace": []byte("abc")},
	}
}

func TestNewRecordFromConsumerCopiesFields(t *testing.T) {
	src := consumerRecord("org.example.build", `{"topic":"org.example.build"}`)

	committed := false
	rec := worker.NewRecordFromConsumer(src, func(context.Context) error {
		committed = true
		return nil
	})

	if rec.Topic != src.Topic || rec.Partition != 1 || rec.Offset != 11 || !rec.Timestamp.Equal(src.Timestamp) {
		t.Fatalf("unexpected record %+v", rec)
	}

	src.Value[0] = 'X'
	src.Headers["trace"][0] = 'X'
	if rec.Value[0] != '{' || string(rec.Headers["trace"]) != "abc" {
		t.Fatalf("expected record data to be copied")
	}

	if err := rec.Commit(context.Background()); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if !committed {
		t.Fatalf("expected bound commit function to be invoked")
	}
}

func TestNewRecordFromConsumerNil(t *testing.T) {
	if worker.NewRecordFromConsumer(nil, nil) != nil {
		t.Fatalf("expected nil record")
	}
}

func TestRecordWithoutCommitFunction(t *testing.T) {
	rec := worker.NewRecordFromConsumer(consumerRecord("t", "{}"), nil)
	if err := rec.Commit(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRecordWrapperDetectsEncoding(t *testing.T) {
	text := &worker.Record{Topic: "t", Value: []byte(`{"a":"b"}`)}
	if got := text.Wrapper().Encoding.String(); got != "text" {
		t.Fatalf("expected text encoding, got %s", got)
	}

	binary := &worker.Record{Topic: "t", Value: []byte{0xff, 0xfe}}
	if got := binary.Wrapper().Encoding.String(); got != "binary" {
		t.Fatalf("expected binary encoding, got %s", got)
	}
}

func TestKafkaHandlerIgnoresNilInputs(t *testing.T) {
	handler := worker.KafkaHandler(nil, nil)
	if err := handler(context.Background(), consumerRecord("t", "{}")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
