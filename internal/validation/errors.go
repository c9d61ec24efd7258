package validation

import (
	"errors"
	"fmt"

	"github.com/example/busguard/internal/message"
)

var (
	// ErrNormalization is re-exported so callers can classify every pipeline
	// failure from this package.
	ErrNormalization = message.ErrNormalization
	// ErrTopicMismatch is returned when the transport topic and the topic
	// declared in the body disagree.
	ErrTopicMismatch = errors.New("topic envelope mismatch")
	// ErrSignatureInvalid is returned when signature verification fails.
	ErrSignatureInvalid = errors.New("failed to authenticate message")
)

// Kind names the failure class of a rejected message.
type Kind string

const (
	KindNone             Kind = ""
	KindNormalization    Kind = "normalization"
	KindTopicMismatch    Kind = "topic_mismatch"
	KindSignatureInvalid Kind = "signature_invalid"
	KindUnknown          Kind = "unknown"
)

// Classify maps a pipeline error onto its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNormalization):
		return KindNormalization
	case errors.Is(err, ErrTopicMismatch):
		return KindTopicMismatch
	case errors.Is(err, ErrSignatureInvalid):
		return KindSignatureInvalid
	default:
		return KindUnknown
	}
}

// WrapTopicMismatch annotates err as a topic mismatch.
func WrapTopicMismatch(err error) error {
	if err == nil {
		return ErrTopicMismatch
	}
	return fmt.Errorf("%w: %v", ErrTopicMismatch, err)
}

// WrapSignatureInvalid annotates err as a failed signature check. The cause
// stays reachable through errors.Is.
func WrapSignatureInvalid(err error) error {
	if err == nil {
		return ErrSignatureInvalid
	}
	return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
}
