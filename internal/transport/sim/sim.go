// Package sim provides an in-process pairing transport for development and
// tests. It issues QR codes after a delay and lets operators scan, drop or
// fail a session by hand.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/lifecycle"
	"github.com/soyeahso/omnidesk/internal/logging"
)

var (
	ErrNoSession = errors.New("no pairing session for channel")
	ErrBusy      = errors.New("pairing session already active for channel")
	ErrNoQR      = errors.New("no QR code issued yet")
	ErrNotLinked = errors.New("session is not linked")
)

// Options tunes the simulated transport.
type Options struct {
	// QRDelay is how long the transport takes to produce the first QR code.
	QRDelay time.Duration
	// RotateEvery reissues the QR code periodically; zero disables rotation.
	RotateEvery time.Duration
}

type command struct {
	kind lifecycle.PairingEventKind
	err  error
}

type session struct {
	events chan lifecycle.PairingEvent
	cmds   chan command
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	qr     string
	linked bool
}

func (s *session) state() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr, s.linked
}

// Transport is a simulated QR pairing transport. It implements
// lifecycle.Transport and lifecycle.Sender.
type Transport struct {
	opts Options
	log  *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
	outbox   map[string][]domain.OutboundMessage
}

// New creates a simulated transport.
func New(log *logging.Logger, opts Options) *Transport {
	return &Transport{
		opts:     opts,
		log:      log.Sub("sim"),
		sessions: make(map[string]*session),
		outbox:   make(map[string][]domain.OutboundMessage),
	}
}

// BeginPairing starts a simulated exchange for channelID.
func (t *Transport) BeginPairing(ctx context.Context, channelID string) (<-chan lifecycle.PairingEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.sessions[channelID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrBusy, channelID)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		events: make(chan lifecycle.PairingEvent),
		cmds:   make(chan command, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.sessions[channelID] = s
	go t.run(sctx, channelID, s)

	t.log.Debug().Str("channel", channelID).Msg("pairing session opened")
	return s.events, nil
}

// CancelPairing ends the session for channelID and waits for it to stop.
func (t *Transport) CancelPairing(channelID string) {
	t.mu.Lock()
	s, ok := t.sessions[channelID]
	delete(t.sessions, channelID)
	t.mu.Unlock()

	if !ok {
		return
	}
	s.cancel()
	<-s.done
	t.log.Debug().Str("channel", channelID).Msg("pairing session released")
}

func (t *Transport) run(ctx context.Context, channelID string, s *session) {
	defer close(s.done)

	first := time.NewTimer(t.opts.QRDelay)
	defer first.Stop()

	var (
		rotate  <-chan time.Time
		rotator *time.Ticker
	)
	defer func() {
		if rotator != nil {
			rotator.Stop()
		}
	}()

	send := func(ev lifecycle.PairingEvent) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	issue := func() bool {
		qr := fmt.Sprintf("omnidesk:%s:%s", channelID, uuid.NewString())
		s.mu.Lock()
		s.qr = qr
		s.mu.Unlock()
		return send(lifecycle.PairingEvent{Kind: lifecycle.PairingQR, QR: qr})
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-first.C:
			if !issue() {
				return
			}
			if t.opts.RotateEvery > 0 {
				rotator = time.NewTicker(t.opts.RotateEvery)
				rotate = rotator.C
			}

		case <-rotate:
			if !issue() {
				return
			}

		case cmd := <-s.cmds:
			switch cmd.kind {
			case lifecycle.PairingAck:
				s.mu.Lock()
				s.linked = true
				s.qr = ""
				s.mu.Unlock()
				if rotator != nil {
					rotator.Stop()
					rotate = nil
				}
				if !send(lifecycle.PairingEvent{Kind: lifecycle.PairingAck}) {
					return
				}
			case lifecycle.PairingDrop:
				send(lifecycle.PairingEvent{Kind: lifecycle.PairingDrop, Err: cmd.err})
				return
			case lifecycle.PairingError:
				send(lifecycle.PairingEvent{Kind: lifecycle.PairingError, Err: cmd.err})
				return
			}
		}
	}
}

func (t *Transport) session(channelID string) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, channelID)
	}
	return s, nil
}

func (t *Transport) command(channelID string, c command) error {
	s, err := t.session(channelID)
	if err != nil {
		return err
	}
	select {
	case s.cmds <- c:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: %s", ErrNoSession, channelID)
	}
}

// Scan simulates the phone scanning the current QR code.
func (t *Transport) Scan(channelID string) error {
	s, err := t.session(channelID)
	if err != nil {
		return err
	}
	if qr, _ := s.state(); qr == "" {
		return ErrNoQR
	}
	return t.command(channelID, command{kind: lifecycle.PairingAck})
}

// Drop simulates the remote side ending the session.
func (t *Transport) Drop(channelID string) error {
	return t.command(channelID, command{kind: lifecycle.PairingDrop, err: errors.New("remote session ended")})
}

// Fail simulates a transport failure with the given reason.
func (t *Transport) Fail(channelID, reason string) error {
	if reason == "" {
		reason = "simulated failure"
	}
	return t.command(channelID, command{kind: lifecycle.PairingError, err: errors.New(reason)})
}

// QR returns the QR code currently on offer for channelID.
func (t *Transport) QR(channelID string) (string, error) {
	s, err := t.session(channelID)
	if err != nil {
		return "", err
	}
	qr, _ := s.state()
	if qr == "" {
		return "", ErrNoQR
	}
	return qr, nil
}

// Active reports whether a pairing session holds the transport for channelID.
func (t *Transport) Active(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[channelID]
	return ok
}

// Send records msg if the channel has a linked session.
func (t *Transport) Send(_ context.Context, msg domain.OutboundMessage) error {
	s, err := t.session(msg.ChannelID)
	if err != nil {
		return err
	}
	if _, linked := s.state(); !linked {
		return fmt.Errorf("%w: %s", ErrNotLinked, msg.ChannelID)
	}

	t.mu.Lock()
	t.outbox[msg.ChannelID] = append(t.outbox[msg.ChannelID], msg)
	t.mu.Unlock()

	t.log.Info().Str("channel", msg.ChannelID).Str("to", msg.To).Int("bytes", len(msg.Body)).Msg("message sent")
	return nil
}

// Sent returns the messages delivered through channelID.
func (t *Transport) Sent(channelID string) []domain.OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.OutboundMessage, len(t.outbox[channelID]))
	copy(out, t.outbox[channelID])
	return out
}
