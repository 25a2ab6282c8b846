// Package lifecycle owns the connection state machine of each messaging
// channel: connect, QR pairing, connected and dropped sessions.
package lifecycle

import (
	"context"

	"github.com/soyeahso/omnidesk/internal/domain"
)

// ChannelStore is the persistence collaborator. It owns channel IDs.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (domain.ChannelRecord, error)
	ListChannels(ctx context.Context) ([]domain.ChannelRecord, error)
	UpdateChannelState(ctx context.Context, id string, u domain.ChannelStateUpdate) error
}

// PairingEventKind discriminates events on a pairing stream.
type PairingEventKind string

const (
	PairingQR    PairingEventKind = "qr"
	PairingAck   PairingEventKind = "ack"
	PairingDrop  PairingEventKind = "drop"
	PairingError PairingEventKind = "error"
)

// PairingEvent is one event produced by a transport during a pairing exchange.
type PairingEvent struct {
	Kind PairingEventKind
	QR   string
	Err  error
}

// Transport is the pairing collaborator. BeginPairing acquires a
// per-channel transport resource and streams its events until ctx is
// cancelled or the stream is closed. A closed stream counts as a drop.
// CancelPairing releases the resource and must be safe to call once
// after every successful BeginPairing.
type Transport interface {
	BeginPairing(ctx context.Context, channelID string) (<-chan PairingEvent, error)
	CancelPairing(channelID string)
}

// Sender is implemented by transports that can deliver outbound messages.
type Sender interface {
	Send(ctx context.Context, msg domain.OutboundMessage) error
}

// Listener receives lifecycle events for a channel. Implementations must
// be comparable (typically a pointer); subscribing the same value twice
// registers it once.
type Listener interface {
	OnEvent(ev domain.Event)
}

// Observer is notified of lifecycle activity for metrics and hooks.
// Methods are called with the manager's lock held and must not block.
type Observer interface {
	SessionOpened(channelID string, state domain.ConnectionState)
	SessionClosed(channelID string, state domain.ConnectionState)
	Transitioned(channelID string, from, to domain.ConnectionState)
	PairingStarted(channelID string)
	PersistFailed(channelID string, err error)
	SubscribersChanged(channelID string, delta int)
}

// NopObserver implements Observer with no-ops. Embed it to implement
// only the methods of interest.
type NopObserver struct{}

func (NopObserver) SessionOpened(string, domain.ConnectionState) {}
func (NopObserver) SessionClosed(string, domain.ConnectionState) {}
func (NopObserver) Transitioned(string, domain.ConnectionState, domain.ConnectionState) {}
func (NopObserver) PairingStarted(string) {}
func (NopObserver) PersistFailed(string, error) {}
func (NopObserver) SubscribersChanged(string, int) {}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) SessionOpened(id string, state domain.ConnectionState) {
	for _, ob := range o {
		ob.SessionOpened(id, state)
	}
}

func (o Observers) SessionClosed(id string, state domain.ConnectionState) {
	for _, ob := range o {
		ob.SessionClosed(id, state)
	}
}

func (o Observers) Transitioned(id string, from, to domain.ConnectionState) {
	for _, ob := range o {
		ob.Transitioned(id, from, to)
	}
}

func (o Observers) PairingStarted(id string) {
	for _, ob := range o {
		ob.PairingStarted(id)
	}
}

func (o Observers) PersistFailed(id string, err error) {
	for _, ob := range o {
		ob.PersistFailed(id, err)
	}
}

func (o Observers) SubscribersChanged(id string, delta int) {
	for _, ob := range o {
		ob.SubscribersChanged(id, delta)
	}
}
