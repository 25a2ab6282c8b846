package lifecycle

import (
	"errors"
	"fmt"

	"github.com/soyeahso/omnidesk/internal/domain"
)

var (
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPairingExpired is the failure reason when a QR code is not scanned in time.
	ErrPairingExpired = errors.New("pairing expired")
	// ErrUnknownChannel is returned for channel IDs the store does not know.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNotConnected is returned when sending through a channel that is not connected.
	ErrNotConnected = errors.New("channel is not connected")
	// ErrSendUnsupported is returned when the transport cannot deliver messages.
	ErrSendUnsupported = errors.New("transport does not support sending")
	// ErrClosed is returned by a manager or registry after Close.
	ErrClosed = errors.New("lifecycle closed")

	errTransportDropped = errors.New("transport dropped the session")
)

// InvalidTransitionError reports an operation that is illegal in the
// session's current state. The session is left unchanged.
type InvalidTransitionError struct {
	ChannelID string
	From      domain.ConnectionState
	Trigger   Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("channel %s: cannot %s while %s", e.ChannelID, e.Trigger, e.From)
}

// Is makes errors.Is(err, ErrInvalidTransition) succeed.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// TransportError wraps a failure reported by the pairing transport.
type TransportError struct {
	ChannelID string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on channel %s: %v", e.ChannelID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
