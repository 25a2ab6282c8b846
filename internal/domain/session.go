package domain

import "time"

// ConnectionState is the lifecycle state of one channel connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateAwaitingScan ConnectionState = "awaiting_scan"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// AllStates lists every connection state.
var AllStates = []ConnectionState{
	StateDisconnected,
	StateConnecting,
	StateAwaitingScan,
	StateConnected,
	StateFailed,
}

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	return string(s)
}

// Valid reports whether s is one of the known states.
func (s ConnectionState) Valid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateAwaitingScan, StateConnected, StateFailed:
		return true
	default:
		return false
	}
}

// Pairing reports whether a pairing exchange is in progress in this state.
func (s ConnectionState) Pairing() bool {
	return s == StateConnecting || s == StateAwaitingScan
}

// ChannelSession is the in-memory lifecycle view of one channel.
// QRPayload is only set in StateAwaitingScan and LastError only in StateFailed.
type ChannelSession struct {
	ChannelID    string          `json:"channelId"`
	State        ConnectionState `json:"state"`
	QRPayload    string          `json:"qrPayload,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	LastSyncedAt time.Time       `json:"lastSyncedAt,omitzero"`
}

// EventKind discriminates lifecycle events.
type EventKind string

const (
	EventStatus EventKind = "status"
	EventQR     EventKind = "qr"
	EventError  EventKind = "error"
)

// Event is a single lifecycle notification delivered to subscribers.
// Payload is the state for status events, the pairing string for qr
// events and a human-readable reason for error events.
type Event struct {
	ChannelID string          `json:"channelId"`
	Kind      EventKind       `json:"kind"`
	State     ConnectionState `json:"state"`
	Payload   string          `json:"payload"`
	Seq       int64           `json:"seq"`
	At        time.Time       `json:"at"`

	// Err carries the typed cause of an error event for in-process callers.
	Err error `json:"-"`
}
