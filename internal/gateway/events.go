package gateway

import (
	"sync/atomic"

	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/logging"
)

// Event names pushed to clients.
const (
	EventConnectChallenge = "connect.challenge"
	EventChannelStatus    = "channel.status"
	EventChannelQR        = "channel.qr"
	EventChannelError     = "channel.error"
	EventChannelsChanged  = "channels.changed"
)

// AllEvents lists every event a client may receive.
var AllEvents = []string{
	EventConnectChallenge,
	EventChannelStatus,
	EventChannelQR,
	EventChannelError,
	EventChannelsChanged,
}

// eventName maps a lifecycle event kind to its wire event name.
func eventName(kind domain.EventKind) string {
	switch kind {
	case domain.EventQR:
		return EventChannelQR
	case domain.EventError:
		return EventChannelError
	default:
		return EventChannelStatus
	}
}

// eventForwarder is a lifecycle.Listener that writes events to one client.
// Each client has exactly one, so subscribing twice to the same channel is
// a no-op and disconnecting can unsubscribe everywhere at once.
type eventForwarder struct {
	client *Client
	seq    *atomic.Int64
	log    *logging.Logger
}

func (f *eventForwarder) OnEvent(ev domain.Event) {
	if err := f.client.SendEvent(eventName(ev.Kind), ev, f.seq.Add(1)); err != nil {
		f.log.Debug().Err(err).
			Str("connId", f.client.ConnID).
			Str("channel", ev.ChannelID).
			Msg("dropping channel event for client")
	}
}
