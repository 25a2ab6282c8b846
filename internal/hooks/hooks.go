// Package hooks provides an event-driven hook system for channel and gateway
// lifecycle events.
package hooks

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/soyeahso/omnidesk/internal/logging"
)

// Event names for the hook system.
const (
	EventChannelConnecting   = "channel_connecting"
	EventChannelAwaitingScan = "channel_awaiting_scan"
	EventChannelConnected    = "channel_connected"
	EventChannelDisconnected = "channel_disconnected"
	EventChannelFailed       = "channel_failed"
	EventGatewayStart        = "gateway_start"
	EventGatewayStop         = "gateway_stop"
)

// AllEvents lists all known hook event names.
var AllEvents = []string{
	EventChannelConnecting,
	EventChannelAwaitingScan,
	EventChannelConnected,
	EventChannelDisconnected,
	EventChannelFailed,
	EventGatewayStart,
	EventGatewayStop,
}

// Payload carries event data to hook handlers.
type Payload struct {
	Event string         `json:"event"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

// Handler handles a hook event. A returned error, or a panic, is logged
// and never stops the other handlers.
type Handler func(ctx context.Context, p Payload) error

// Manager keeps hook registrations per event and dispatches to them.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	inflight sync.WaitGroup
	log      *logging.Logger

	lanesMu sync.Mutex
	// lanes holds the runs queued behind the active run for each
	// EmitOrdered key. A key is present only while its lane is draining.
	lanes map[string][]run
}

type namedHandler struct {
	name    string
	handler Handler
}

type run struct {
	ctx      context.Context
	handlers []namedHandler
	payload  Payload
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		lanes:    make(map[string][]run),
		log:      log.Sub("hooks"),
	}
}

// On registers a handler for event under name.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// Off removes all handlers with the given name from the event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(h namedHandler) bool {
		return h.name == name
	})
}

func (m *Manager) snapshot(event string) []namedHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.handlers[event])
}

// Emit runs the handlers for event in registration order and returns when
// all of them are done.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}

	payload := Payload{Event: event, At: time.Now().UTC(), Data: data}
	for _, h := range handlers {
		m.call(ctx, h, payload)
	}
}

// EmitOrdered runs the handlers for event in the background, in
// registration order, and returns at once. Runs sharing key execute in
// emission order, one after another; different keys run concurrently.
// Wait blocks until such runs finish.
func (m *Manager) EmitOrdered(ctx context.Context, key, event string, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}
	r := run{ctx: ctx, handlers: handlers, payload: Payload{Event: event, At: time.Now().UTC(), Data: data}}

	m.lanesMu.Lock()
	if queued, ok := m.lanes[key]; ok {
		m.lanes[key] = append(queued, r)
		m.lanesMu.Unlock()
		return
	}
	m.lanes[key] = nil
	m.inflight.Add(1)
	m.lanesMu.Unlock()

	go m.drainLane(key, r)
}

func (m *Manager) drainLane(key string, r run) {
	defer m.inflight.Done()
	for {
		for _, h := range r.handlers {
			m.call(r.ctx, h, r.payload)
		}

		m.lanesMu.Lock()
		queued := m.lanes[key]
		if len(queued) == 0 {
			delete(m.lanes, key)
			m.lanesMu.Unlock()
			return
		}
		r = queued[0]
		m.lanes[key] = queued[1:]
		m.lanesMu.Unlock()
	}
}

// Wait blocks until every EmitOrdered run has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for hooks: %w", ctx.Err())
	}
}

func (m *Manager) call(ctx context.Context, h namedHandler, p Payload) {
	defer func() {
		if v := recover(); v != nil {
			m.log.Error().
				Interface("panic", v).
				Str("event", p.Event).
				Str("handler", h.name).
				Msg("hook handler panicked")
		}
	}()
	if err := h.handler(ctx, p); err != nil {
		m.log.Warn().
			Err(err).
			Str("event", p.Event).
			Str("handler", h.name).
			Msg("hook handler error")
	}
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the events that have at least one handler, sorted.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]string, 0, len(m.handlers))
	for event, handlers := range m.handlers {
		if len(handlers) > 0 {
			events = append(events, event)
		}
	}
	sort.Strings(events)
	return events
}
