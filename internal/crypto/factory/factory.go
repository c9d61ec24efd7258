package factory

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/busguard/internal/crypto"
	x509backend "github.com/example/busguard/internal/crypto/x509"
)

// ErrNoBackends is returned when signature validation has no backend
// identifiers to resolve.
var ErrNoBackends = errors.New("factory: no crypto backends configured")

// Constructor builds one backend instance.
type Constructor func(logger zerolog.Logger) (crypto.Backend, error)

// Registry maps backend identifiers to their constructors.
type Registry struct {
	logger       zerolog.Logger
	constructors map[string]Constructor
}

// NewRegistry returns a registry holding every built-in backend.
func NewRegistry(logger zerolog.Logger) *Registry {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	r := &Registry{
		logger:       logger,
		constructors: make(map[string]Constructor),
	}
	r.Register(x509backend.Name, func(logger zerolog.Logger) (crypto.Backend, error) {
		backend, err := x509backend.New(logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	})
	return r
}

// Register adds or replaces the constructor for identifier.
func (r *Registry) Register(identifier string, ctor Constructor) {
	r.constructors[normalize(identifier)] = ctor
}

// Backend constructs the backend registered under identifier.
func (r *Registry) Backend(identifier string) (crypto.Backend, error) {
	key := normalize(identifier)
	ctor, ok := r.constructors[key]
	if !ok || ctor == nil {
		return nil, fmt.Errorf("factory: %w %q", crypto.ErrUnknownBackend, identifier)
	}

	backend, err := ctor(r.logger)
	if err != nil {
		return nil, fmt.Errorf("factory: %s backend init: %w", key, err)
	}
	r.logger.Info().
		Str("backend", key).
		Msg("crypto backend initialised")
	return backend, nil
}

// Resolve builds every backend named in cfg.Backends once, in order and
// without duplicates, and returns the dispatch table for cfg.Policy.
func (r *Registry) Resolve(cfg crypto.Config) (*crypto.Dispatcher, error) {
	seen := make(map[string]bool, len(cfg.Backends))
	backends := make([]crypto.Backend, 0, len(cfg.Backends))
	for _, id := range cfg.Backends {
		key := normalize(id)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		backend, err := r.Backend(key)
		if err != nil {
			return nil, err
		}
		backends = append(backends, backend)
	}
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}

	return crypto.NewDispatcher(cfg.Policy, backends...)
}

// Dispatcher resolves cfg against the built-in backends.
func Dispatcher(cfg crypto.Config, logger zerolog.Logger) (*crypto.Dispatcher, error) {
	return NewRegistry(logger).Resolve(cfg)
}

func normalize(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}
