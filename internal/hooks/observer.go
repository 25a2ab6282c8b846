package hooks

import (
	"context"

	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/lifecycle"
)

var stateEvents = map[domain.ConnectionState]string{
	domain.StateConnecting:   EventChannelConnecting,
	domain.StateAwaitingScan: EventChannelAwaitingScan,
	domain.StateConnected:    EventChannelConnected,
	domain.StateDisconnected: EventChannelDisconnected,
	domain.StateFailed:       EventChannelFailed,
}

// EventForState returns the hook event fired on entering state.
func EventForState(state domain.ConnectionState) (string, bool) {
	ev, ok := stateEvents[state]
	return ev, ok
}

// Observer turns lifecycle transitions into asynchronous hook events.
type Observer struct {
	lifecycle.NopObserver
	hooks *Manager
}

// NewObserver returns a lifecycle.Observer that emits through m.
func NewObserver(m *Manager) *Observer {
	return &Observer{hooks: m}
}

// Transitioned is called with the manager lock held, so handlers run async.
// Events of one channel are delivered in transition order.
func (o *Observer) Transitioned(channelID string, from, to domain.ConnectionState) {
	event, ok := EventForState(to)
	if !ok {
		return
	}
	o.hooks.EmitOrdered(context.Background(), channelID, event, map[string]any{
		"channelId": channelID,
		"from":      string(from),
		"to":        string(to),
	})
}
