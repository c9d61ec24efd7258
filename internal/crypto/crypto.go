// Package crypto defines the pluggable trust backends that verify signatures
// embedded in message bodies, the dispatch table that fans a verification out
// to the configured backends, and the canonical encoding signatures cover.
package crypto

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Policy decides how results from several configured backends combine.
type Policy string

const (
	// PolicyAny accepts a message as soon as one backend verifies it.
	PolicyAny Policy = "any"
	// PolicyAll requires every configured backend to verify the message.
	PolicyAll Policy = "all"
)

// ParsePolicy maps a configuration value onto a Policy. An empty value
// selects PolicyAny.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PolicyAny:
		return PolicyAny, nil
	case PolicyAll:
		return PolicyAll, nil
	default:
		return "", fmt.Errorf("crypto: unsupported validation policy %q", value)
	}
}

// Config carries the trust settings a consumer was constructed with. It is
// passed by value to every backend call and never mutated after startup.
type Config struct {
	ValidateSignatures bool

	SSLDir            string
	CertName          string
	CACertCache       string
	CACertCacheExpiry int64
	CRLLocation       string
	CRLCache          string
	CRLCacheExpiry    int64

	// Backends lists backend identifiers in the order they are consulted.
	Backends []string
	Policy   Policy

	// RoutingPolicy maps a topic to the signer names allowed to publish on it.
	RoutingPolicy map[string][]string
	// RoutingNitpicky rejects topics that have no RoutingPolicy entry.
	RoutingNitpicky bool
}

// AuthorizedSigner reports whether signer may publish on topic under the
// routing policy.
func (c Config) AuthorizedSigner(topic, signer string) bool {
	allowed, ok := c.RoutingPolicy[topic]
	if !ok {
		return !c.RoutingNitpicky
	}
	return slices.Contains(allowed, signer)
}

// Backend is one trust-verification capability, such as X.509.
type Backend interface {
	Name() string
	// Sign returns a copy of payload carrying the backend's signature fields.
	Sign(payload map[string]any, cfg Config) (map[string]any, error)
	// Validate fails with ErrSignatureInvalid when the payload's signature
	// does not verify against the configured trust material.
	Validate(payload map[string]any, cfg Config) error
}

var (
	// ErrSignatureInvalid is returned by backends when verification fails.
	ErrSignatureInvalid = errors.New("crypto: signature invalid")
	// ErrUnknownBackend is returned when a configured identifier has no backend.
	ErrUnknownBackend = errors.New("crypto: unknown backend")
)

// WrapInvalid annotates err as a failed verification.
func WrapInvalid(err error) error {
	if err == nil {
		return ErrSignatureInvalid
	}
	return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
}
