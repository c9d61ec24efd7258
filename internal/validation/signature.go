package validation

import (
	"errors"

	"github.com/example/busguard/internal/crypto"
	"github.com/example/busguard/internal/message"
)

// Verifier checks the signature embedded in a canonical body.
// *crypto.Dispatcher satisfies it.
type Verifier interface {
	Validate(payload map[string]any, cfg crypto.Config) error
}

// SignatureStage runs the configured verifier against the message body when
// signature validation is enabled.
type SignatureStage struct {
	cfg      crypto.Config
	verifier Verifier
}

// NewSignatureStage binds cfg and verifier. A verifier is required only when
// cfg.ValidateSignatures is set.
func NewSignatureStage(cfg crypto.Config, verifier Verifier) (*SignatureStage, error) {
	if cfg.ValidateSignatures && verifier == nil {
		return nil, errors.New("validation: signature validation enabled without a verifier")
	}
	return &SignatureStage{cfg: cfg, verifier: verifier}, nil
}

// Enabled reports whether the stage performs any work.
func (s *SignatureStage) Enabled() bool {
	return s.cfg.ValidateSignatures
}

// Check passes the body, not the outer envelope, to the verifier.
func (s *SignatureStage) Check(msg *message.Message) error {
	if !s.cfg.ValidateSignatures {
		return nil
	}
	if msg == nil || msg.Body == nil {
		return WrapSignatureInvalid(errors.New("message has no body"))
	}
	if err := s.verifier.Validate(msg.Body, s.cfg); err != nil {
		return WrapSignatureInvalid(err)
	}
	return nil
}
