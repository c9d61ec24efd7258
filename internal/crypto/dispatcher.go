package crypto

import (
	"errors"
	"fmt"
)

// Dispatcher is the dispatch table built once at startup from the configured
// backend identifiers. It is safe for concurrent use as long as its backends
// are.
type Dispatcher struct {
	policy   Policy
	backends []Backend
}

// NewDispatcher builds a dispatcher over backends, consulted in order.
func NewDispatcher(policy Policy, backends ...Backend) (*Dispatcher, error) {
	if len(backends) == 0 {
		return nil, errors.New("crypto: at least one backend is required")
	}
	if policy == "" {
		policy = PolicyAny
	}
	if policy != PolicyAny && policy != PolicyAll {
		return nil, fmt.Errorf("crypto: unsupported validation policy %q", policy)
	}
	for i, b := range backends {
		if b == nil {
			return nil, fmt.Errorf("crypto: backend %d is nil", i)
		}
	}
	return &Dispatcher{policy: policy, backends: append([]Backend(nil), backends...)}, nil
}

// Policy returns the combination policy in effect.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Names lists the backend identifiers in consultation order.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.backends))
	for _, b := range d.backends {
		names = append(names, b.Name())
	}
	return names
}

// Validate verifies payload against the backends according to the policy.
// Every failure wraps ErrSignatureInvalid.
func (d *Dispatcher) Validate(payload map[string]any, cfg Config) error {
	if payload == nil {
		return WrapInvalid(errors.New("payload is nil"))
	}

	var errs []error
	for _, b := range d.backends {
		err := b.Validate(payload, cfg)
		if err == nil {
			if d.policy == PolicyAny {
				return nil
			}
			continue
		}
		err = fmt.Errorf("%s: %w", b.Name(), err)
		if d.policy == PolicyAll {
			return WrapInvalid(err)
		}
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return WrapInvalid(errors.Join(errs...))
	}
	return nil
}

// Sign signs payload with the first configured backend.
func (d *Dispatcher) Sign(payload map[string]any, cfg Config) (map[string]any, error) {
	b := d.backends[0]
	signed, err := b.Sign(payload, cfg)
	if err != nil {
		return nil, fmt.Errorf("crypto: %s sign: %w", b.Name(), err)
	}
	return signed, nil
}
