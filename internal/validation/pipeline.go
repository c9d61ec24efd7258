// Package validation implements the inbound validation pipeline a consumer
// runs before a message reaches its handler: normalize, check the topic,
// then verify the signature when enabled.
package validation

import (
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/busguard/internal/crypto"
	"github.com/example/busguard/internal/message"
)

// Pipeline is stateless apart from its immutable configuration and may be
// shared by concurrent callers.
type Pipeline struct {
	signatures *SignatureStage
	logger     zerolog.Logger
}

// New constructs a pipeline for one consumer. verifier may be nil when
// cfg.ValidateSignatures is false.
func New(cfg crypto.Config, verifier Verifier, logger zerolog.Logger) (*Pipeline, error) {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	signatures, err := NewSignatureStage(cfg, verifier)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		signatures: signatures,
		logger:     logger.With().Str("component", "validation").Logger(),
	}, nil
}

// Validate runs every stage against in. On success the returned message is
// in StateAccepted. On a topic or signature failure the message is returned
// in StateRejected alongside the error and must not reach a handler; on a
// normalization failure the message is nil.
func (p *Pipeline) Validate(in message.Inbound) (*message.Message, error) {
	msg, err := message.Normalize(in)
	if err != nil {
		p.logger.Debug().Err(err).Msg("validation: normalization failed")
		return nil, err
	}

	for _, w := range msg.Warnings {
		p.logger.Warn().
			Err(w).
			Str("topic", msg.TopicName()).
			Msg("validation: normalization warning")
	}

	if err := CheckTopic(msg); err != nil {
		return p.reject(msg, err)
	}
	msg.State = message.StateTopicChecked

	if err := p.signatures.Check(msg); err != nil {
		return p.reject(msg, err)
	}
	msg.State = message.StateSignatureChecked

	msg.State = message.StateAccepted
	return msg, nil
}

// SignaturesEnabled reports whether the signature stage is active.
func (p *Pipeline) SignaturesEnabled() bool {
	return p.signatures.Enabled()
}

// reject logs at debug; the caller owns the warn-level rejection log.
func (p *Pipeline) reject(msg *message.Message, err error) (*message.Message, error) {
	p.logger.Debug().
		Err(err).
		Str("topic", msg.TopicName()).
		Str("state", string(msg.State)).
		Msg("validation: message rejected")
	msg.State = message.StateRejected
	return msg, err
}
