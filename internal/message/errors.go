package message

import (
	"errors"
	"fmt"
)

var (
	// ErrNormalization is returned when an inbound message has a shape the
	// normalizer does not recognise or a body that cannot be decoded.
	ErrNormalization = errors.New("normalization error")
	// ErrNonTextualBody is recorded as a warning when a wrapper body arrived
	// as bytes rather than text. Processing continues.
	ErrNonTextualBody = errors.New("message body is not unicode")
)

// WrapNormalization annotates err as a normalization failure.
func WrapNormalization(err error) error {
	if err == nil {
		return ErrNormalization
	}
	return fmt.Errorf("%w: %v", ErrNormalization, err)
}

func normalizationf(format string, args ...any) error {
	return WrapNormalization(fmt.Errorf(format, args...))
}
