package worker

import (
	"context"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/busguard/internal/message"
)

// LogHandler logs every accepted message. It is the default handler of the
// consumer binary.
func LogHandler(logger zerolog.Logger) Handler {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "handler").Logger()

	return HandlerFunc(func(_ context.Context, msg *message.Message, record *Record) error {
		logger.Info().
			Str("correlation_id", record.CorrelationID).
			Str("topic", msg.TopicName()).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Bool("signed", msg.Signed()).
			Int("warnings", len(msg.Warnings)).
			Msg("message accepted")
		return nil
	})
}
