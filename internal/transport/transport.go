// Package transport resolves the pairing transport named in config.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soyeahso/omnidesk/internal/config"
	"github.com/soyeahso/omnidesk/internal/lifecycle"
	"github.com/soyeahso/omnidesk/internal/logging"
	"github.com/soyeahso/omnidesk/internal/transport/sim"
)

// ErrUnknownKind is returned by Open for a kind nobody registered.
var ErrUnknownKind = errors.New("unknown transport kind")

// KindSim is the in-process simulated transport.
const KindSim = "sim"

// Factory builds a transport from its config section.
type Factory func(cfg config.TransportConfig, log *logging.Logger) (lifecycle.Transport, error)

// Registry maps transport kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	order     []string // registration order for listing
	log       *logging.Logger
}

// NewRegistry creates an empty transport registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		log:       log.Sub("transport"),
	}
}

// Default returns a registry with every built-in transport registered.
func Default(log *logging.Logger) *Registry {
	r := NewRegistry(log)
	_ = r.Register(KindSim, newSim)
	return r
}

func newSim(cfg config.TransportConfig, log *logging.Logger) (lifecycle.Transport, error) {
	return sim.New(log, sim.Options{
		QRDelay:     time.Duration(cfg.QRDelayMs) * time.Millisecond,
		RotateEvery: time.Duration(cfg.QRRotateSeconds) * time.Second,
	}), nil
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("transport already registered: %s", kind)
	}
	r.factories[kind] = f
	r.order = append(r.order, kind)
	return nil
}

// Open builds the transport selected by cfg.Kind. An empty kind means sim.
func (r *Registry) Open(cfg config.TransportConfig) (lifecycle.Transport, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = KindSim
	}

	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	t, err := f(cfg, r.log)
	if err != nil {
		return nil, fmt.Errorf("opening %s transport: %w", kind, err)
	}
	r.log.Info().Str("kind", kind).Msg("transport opened")
	return t, nil
}

// Kinds returns the registered kinds in registration order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
