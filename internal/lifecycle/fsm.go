package lifecycle

import (
	"errors"
	"time"

	"github.com/soyeahso/omnidesk/internal/domain"
)

// Trigger names an input to the connection state machine.
type Trigger string

const (
	TriggerConnect        Trigger = "connect"
	TriggerDisconnect     Trigger = "disconnect"
	TriggerRefresh        Trigger = "refresh_pairing"
	TriggerPairingReady   Trigger = "pairing_ready"
	TriggerScanned        Trigger = "scanned"
	TriggerExpired        Trigger = "expired"
	TriggerTransportError Trigger = "transport_error"
	TriggerTransportDrop  Trigger = "transport_drop"
)

// Input is one command or transport event fed to Transition.
type Input struct {
	Trigger Trigger
	// QR is the pairing payload for TriggerPairingReady.
	QR string
	// Err is the cause for TriggerTransportError and TriggerTransportDrop.
	Err error
	// At is the time the input was observed.
	At time.Time
}

// EffectKind names a side effect requested by a transition.
type EffectKind int

const (
	EffectEmitStatus EffectKind = iota
	EffectEmitQR
	EffectEmitError
	EffectBeginPairing
	EffectReleasePairing
	EffectArmExpiry
	EffectDisarmExpiry
	EffectPersist
)

var effectNames = [...]string{
	EffectEmitStatus:     "emit_status",
	EffectEmitQR:         "emit_qr",
	EffectEmitError:      "emit_error",
	EffectBeginPairing:   "begin_pairing",
	EffectReleasePairing: "release_pairing",
	EffectArmExpiry:      "arm_expiry",
	EffectDisarmExpiry:   "disarm_expiry",
	EffectPersist:        "persist",
}

func (k EffectKind) String() string {
	if int(k) < len(effectNames) {
		return effectNames[k]
	}
	return "unknown"
}

// Effect is a side effect the caller of Transition must carry out, in order.
type Effect struct {
	Kind EffectKind
	// Err is set for EffectEmitError.
	Err error
}

// Transition computes the next session and the effects for one input.
// It never mutates its argument and has no side effects of its own.
// Inputs that are no-ops in the current state return the session
// unchanged with no effects; illegal inputs return *InvalidTransitionError.
func Transition(s domain.ChannelSession, in Input) (domain.ChannelSession, []Effect, error) {
	from := s.State
	invalid := &InvalidTransitionError{ChannelID: s.ChannelID, From: from, Trigger: in.Trigger}

	next := domain.ChannelSession{
		ChannelID:    s.ChannelID,
		LastSyncedAt: s.LastSyncedAt,
	}

	switch in.Trigger {
	case TriggerConnect:
		switch from {
		case domain.StateDisconnected, domain.StateFailed:
			next.State = domain.StateConnecting
			return next, effects(EffectEmitStatus, EffectBeginPairing, EffectPersist), nil
		case domain.StateConnecting, domain.StateAwaitingScan, domain.StateConnected:
			return s, nil, nil
		}

	case TriggerDisconnect:
		next.State = domain.StateDisconnected
		switch from {
		case domain.StateDisconnected:
			return s, nil, nil
		case domain.StateConnecting, domain.StateConnected:
			return next, effects(EffectReleasePairing, EffectEmitStatus, EffectPersist), nil
		case domain.StateAwaitingScan:
			return next, effects(EffectDisarmExpiry, EffectReleasePairing, EffectEmitStatus, EffectPersist), nil
		case domain.StateFailed:
			return next, effects(EffectEmitStatus, EffectPersist), nil
		}

	case TriggerRefresh:
		next.State = domain.StateConnecting
		switch from {
		case domain.StateAwaitingScan:
			return next, effects(EffectDisarmExpiry, EffectReleasePairing, EffectEmitStatus, EffectBeginPairing, EffectPersist), nil
		case domain.StateFailed:
			return next, effects(EffectEmitStatus, EffectBeginPairing, EffectPersist), nil
		}

	case TriggerPairingReady:
		next.State = domain.StateAwaitingScan
		next.QRPayload = in.QR
		switch from {
		case domain.StateConnecting:
			return next, effects(EffectEmitStatus, EffectEmitQR, EffectArmExpiry, EffectPersist), nil
		case domain.StateAwaitingScan:
			// Rotation keeps the original expiry deadline.
			return next, effects(EffectEmitQR), nil
		}

	case TriggerScanned:
		if from == domain.StateAwaitingScan {
			next.State = domain.StateConnected
			return next, effects(EffectDisarmExpiry, EffectEmitStatus, EffectPersist), nil
		}

	case TriggerExpired:
		if from == domain.StateAwaitingScan {
			next.State = domain.StateFailed
			next.LastError = ErrPairingExpired.Error()
			return next, []Effect{
				{Kind: EffectDisarmExpiry},
				{Kind: EffectReleasePairing},
				{Kind: EffectEmitStatus},
				{Kind: EffectEmitError, Err: ErrPairingExpired},
				{Kind: EffectPersist},
			}, nil
		}

	case TriggerTransportError, TriggerTransportDrop:
		cause := in.Err
		if cause == nil {
			cause = errTransportDropped
		}
		var terr *TransportError
		if !errors.As(cause, &terr) {
			terr = &TransportError{ChannelID: s.ChannelID, Err: cause}
		}

		switch from {
		case domain.StateConnecting, domain.StateAwaitingScan:
			next.State = domain.StateFailed
			next.LastError = terr.Error()
			out := make([]Effect, 0, 5)
			if from == domain.StateAwaitingScan {
				out = append(out, Effect{Kind: EffectDisarmExpiry})
			}
			out = append(out,
				Effect{Kind: EffectReleasePairing},
				Effect{Kind: EffectEmitStatus},
				Effect{Kind: EffectEmitError, Err: terr},
				Effect{Kind: EffectPersist},
			)
			return next, out, nil
		case domain.StateConnected:
			next.State = domain.StateDisconnected
			if in.Trigger == TriggerTransportDrop {
				return next, effects(EffectReleasePairing, EffectEmitStatus, EffectPersist), nil
			}
			return next, []Effect{
				{Kind: EffectReleasePairing},
				{Kind: EffectEmitStatus},
				{Kind: EffectEmitError, Err: terr},
				{Kind: EffectPersist},
			}, nil
		}
	}

	return s, nil, invalid
}

func effects(kinds ...EffectKind) []Effect {
	out := make([]Effect, len(kinds))
	for i, k := range kinds {
		out[i] = Effect{Kind: k}
	}
	return out
}
