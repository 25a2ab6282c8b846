package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/logging"
)

// Manager owns the connection lifecycle of one channel. It is the only
// writer of the channel's session; every transition runs under its lock,
// so transitions for a channel are totally ordered.
type Manager struct {
	id        string
	transport Transport
	log       *logging.Logger
	opts      Options
	observer  Observer
	persist   *persister

	mu     sync.Mutex
	sess   domain.ChannelSession
	seq    int64
	closed bool
	subs   map[Listener]*mailbox

	// gen identifies the current pairing exchange; inputs from older
	// exchanges are dropped.
	gen      uint64
	cancel   context.CancelFunc
	released chan struct{}

	expiry    *time.Timer
	expiryGen uint64

	retry reconnector

	wg sync.WaitGroup
}

// NewManager creates a manager for a channel the store already knows.
// The session starts disconnected.
func NewManager(rec domain.ChannelRecord, store ChannelStore, transport Transport, log *logging.Logger, opts Options) *Manager {
	return newManager(rec, store, transport, nil, log, opts)
}

func newManager(rec domain.ChannelRecord, store ChannelStore, transport Transport, pool *ants.Pool, log *logging.Logger, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		id:        rec.ID,
		transport: transport,
		log:       log.Sub("lifecycle").Channel(rec.ID),
		opts:      opts,
		observer:  opts.Observer,
		sess: domain.ChannelSession{
			ChannelID:    rec.ID,
			State:        domain.StateDisconnected,
			LastSyncedAt: rec.LastSyncedAt,
		},
		subs:  make(map[Listener]*mailbox),
		retry: reconnector{policy: opts.Reconnect},
	}
	m.persist = newPersister(rec.ID, store, pool, m.log, opts)
	m.persist.onSuccess = m.synced
	m.persist.onFailure = func(err error) { m.observer.PersistFailed(m.id, err) }
	m.observer.SessionOpened(m.id, domain.StateDisconnected)

	// A record left connected by a previous process no longer has a
	// transport session behind it.
	if (rec.State != "" && rec.State != domain.StateDisconnected) || rec.Connected {
		m.log.Info().Str("stored", rec.State.String()).Msg("resetting stale channel state")
		m.persist.submit(domain.ChannelStateUpdate{
			State:        domain.StateDisconnected,
			LastSyncedAt: time.Now(),
		})
	}
	return m
}

// ID returns the channel ID.
func (m *Manager) ID() string {
	return m.id
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() domain.ChannelSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Connect starts a pairing exchange from Disconnected or Failed. While a
// connection is in progress or established it is a no-op that returns the
// current session. Progress is reported through events only.
func (m *Manager) Connect() (domain.ChannelSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.sess, ErrClosed
	}
	m.retry.stop()
	return m.apply(Input{Trigger: TriggerConnect, At: time.Now()})
}

// Disconnect tears down any exchange or session and ends in Disconnected.
// It is idempotent.
func (m *Manager) Disconnect() (domain.ChannelSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.sess, ErrClosed
	}
	m.retry.stop()
	return m.apply(Input{Trigger: TriggerDisconnect, At: time.Now()})
}

// RefreshPairing discards the current QR code and requests a fresh one.
// It is only valid in AwaitingScan or Failed; otherwise it returns an
// *InvalidTransitionError and leaves the session unchanged.
func (m *Manager) RefreshPairing() (domain.ChannelSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.sess, ErrClosed
	}
	sess, err := m.apply(Input{Trigger: TriggerRefresh, At: time.Now()})
	if err != nil {
		return sess, err
	}
	m.retry.stop()
	return sess, nil
}

// Subscribe registers l and synchronously delivers the current state to it
// as a status event before any live event. Subscribing a registered
// listener again is a no-op.
func (m *Manager) Subscribe(l Listener) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.subs[l]; ok {
		m.mu.Unlock()
		return nil
	}

	mb := newMailbox(l)
	m.subs[l] = mb
	replay := domain.Event{
		ChannelID: m.id,
		Kind:      domain.EventStatus,
		State:     m.sess.State,
		Payload:   m.sess.State.String(),
		Seq:       m.seq,
		At:        time.Now(),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		mb.run()
	}()
	m.observer.SubscribersChanged(m.id, 1)
	m.mu.Unlock()

	l.OnEvent(replay)
	close(mb.ready)
	return nil
}

// Unsubscribe removes l. Events still queued for it are discarded.
func (m *Manager) Unsubscribe(l Listener) {
	m.mu.Lock()
	mb, ok := m.subs[l]
	if ok {
		delete(m.subs, l)
		m.observer.SubscribersChanged(m.id, -1)
	}
	m.mu.Unlock()

	if ok {
		mb.drop()
	}
}

// Subscribers returns the number of registered listeners.
func (m *Manager) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// SendMessage delivers a message through the channel's transport.
func (m *Manager) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	closed, state := m.closed, m.sess.State
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if state != domain.StateConnected {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, m.id, state)
	}
	sender, ok := m.transport.(Sender)
	if !ok {
		return ErrSendUnsupported
	}
	return sender.Send(ctx, domain.OutboundMessage{ChannelID: m.id, To: to, Body: body})
}

// Close disconnects the channel, delivers pending events and waits for
// background work to finish or ctx to end. The manager rejects further
// operations with ErrClosed. Close must not be called from a Listener.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.retry.stop()
	if _, err := m.apply(Input{Trigger: TriggerDisconnect, At: time.Now()}); err != nil {
		m.log.Warn().Err(err).Msg("disconnect on close failed")
	}
	m.closed = true
	m.disarmExpiry()
	m.releaseExchange()

	subs := m.subs
	m.subs = make(map[Listener]*mailbox)
	if len(subs) > 0 {
		m.observer.SubscribersChanged(m.id, -len(subs))
	}
	m.observer.SessionClosed(m.id, m.sess.State)
	m.mu.Unlock()

	for _, mb := range subs {
		mb.finish()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		for _, mb := range subs {
			mb.drop()
		}
		err = ctx.Err()
	}
	m.persist.flush(ctx)
	return err
}

// apply runs one transition and its effects. m.mu must be held.
func (m *Manager) apply(in Input) (domain.ChannelSession, error) {
	prev := m.sess
	next, effects, err := Transition(prev, in)
	if err != nil {
		return prev, err
	}
	if len(effects) == 0 {
		return prev, nil
	}

	m.sess = next
	if prev.State != next.State {
		m.observer.Transitioned(m.id, prev.State, next.State)
		m.log.Debug().
			Str("from", prev.State.String()).
			Str("to", next.State.String()).
			Str("trigger", string(in.Trigger)).
			Msg("state changed")
	}

	for _, e := range effects {
		m.run(e, in.At)
	}
	m.afterTransition(prev.State, in)
	return next, nil
}

func (m *Manager) run(e Effect, at time.Time) {
	switch e.Kind {
	case EffectEmitStatus:
		m.publish(domain.EventStatus, m.sess.State.String(), nil)
	case EffectEmitQR:
		m.publish(domain.EventQR, m.sess.QRPayload, nil)
	case EffectEmitError:
		m.log.Warn().Err(e.Err).Str("state", m.sess.State.String()).Msg("channel error")
		m.publish(domain.EventError, e.Err.Error(), e.Err)
	case EffectBeginPairing:
		m.beginExchange()
	case EffectReleasePairing:
		m.releaseExchange()
	case EffectArmExpiry:
		m.armExpiry()
	case EffectDisarmExpiry:
		m.disarmExpiry()
	case EffectPersist:
		if at.IsZero() {
			at = time.Now()
		}
		m.persist.submit(domain.ChannelStateUpdate{
			State:        m.sess.State,
			Connected:    m.sess.State == domain.StateConnected,
			LastError:    m.sess.LastError,
			LastSyncedAt: at,
		})
	}
}

func (m *Manager) publish(kind domain.EventKind, payload string, err error) {
	m.seq++
	ev := domain.Event{
		ChannelID: m.id,
		Kind:      kind,
		State:     m.sess.State,
		Payload:   payload,
		Seq:       m.seq,
		At:        time.Now(),
		Err:       err,
	}
	for _, mb := range m.subs {
		mb.put(ev)
	}
}

// afterTransition drives the reconnect policy.
func (m *Manager) afterTransition(from domain.ConnectionState, in Input) {
	to := m.sess.State
	switch {
	case to == domain.StateConnected:
		if m.retry.active() {
			m.log.Info().Msg("reconnected")
		}
		m.retry.stop()
	case in.Trigger == TriggerExpired:
		m.retry.stop()
	case from == domain.StateConnected && to == domain.StateDisconnected &&
		(in.Trigger == TriggerTransportDrop || in.Trigger == TriggerTransportError):
		m.scheduleReconnect()
	case to == domain.StateFailed && m.retry.attempt:
		m.scheduleReconnect()
	}
}

func (m *Manager) scheduleReconnect() {
	if m.closed || m.retry.policy == nil {
		return
	}
	d, ok := m.retry.next(m.autoReconnect)
	if !ok {
		m.log.Warn().Msg("reconnect attempts exhausted")
		return
	}
	m.retry.attempt = false
	m.log.Info().Dur("delay", d).Msg("reconnect scheduled")
}

func (m *Manager) autoReconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.retry.gen || !m.retry.active() {
		return
	}
	m.retry.timer = nil
	m.retry.attempt = true
	if _, err := m.apply(Input{Trigger: TriggerConnect, At: time.Now()}); err != nil {
		m.log.Warn().Err(err).Msg("automatic reconnect rejected")
	}
}

func (m *Manager) beginExchange() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	prev := m.released
	released := make(chan struct{})
	m.cancel = cancel
	m.released = released

	m.wg.Add(1)
	go m.runExchange(ctx, gen, prev, released)
	m.observer.PairingStarted(m.id)
	m.log.Info().Uint64("exchange", gen).Msg("pairing started")
}

func (m *Manager) releaseExchange() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// runExchange holds the transport resource for one exchange. It starts
// only after the previous exchange has released it and releases it on
// every exit path.
func (m *Manager) runExchange(ctx context.Context, gen uint64, prev <-chan struct{}, released chan struct{}) {
	defer m.wg.Done()
	defer close(released)

	if prev != nil {
		<-prev
	}
	if ctx.Err() != nil {
		return
	}

	events, err := m.transport.BeginPairing(ctx, m.id)
	if err != nil {
		if ctx.Err() == nil {
			m.input(gen, Input{Trigger: TriggerTransportError, Err: err})
		}
		return
	}
	defer m.transport.CancelPairing(m.id)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.input(gen, Input{Trigger: TriggerTransportDrop})
				return
			}
			m.input(gen, pairingInput(ev))
		}
	}
}

func pairingInput(ev PairingEvent) Input {
	switch ev.Kind {
	case PairingQR:
		return Input{Trigger: TriggerPairingReady, QR: ev.QR}
	case PairingAck:
		return Input{Trigger: TriggerScanned}
	case PairingDrop:
		return Input{Trigger: TriggerTransportDrop, Err: ev.Err}
	default:
		err := ev.Err
		if err == nil {
			err = errors.New("unspecified transport failure")
		}
		return Input{Trigger: TriggerTransportError, Err: err}
	}
}

// input applies a transport-originated input if it belongs to the current
// exchange. Illegal inputs are logged and dropped.
func (m *Manager) input(gen uint64, in Input) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		m.log.Debug().Str("trigger", string(in.Trigger)).Msg("dropping stale transport input")
		return
	}
	in.At = time.Now()
	if _, err := m.apply(in); err != nil {
		m.log.Warn().Err(err).Msg("ignoring transport input")
	}
}

func (m *Manager) armExpiry() {
	m.disarmExpiry()
	gen := m.expiryGen
	m.expiry = time.AfterFunc(m.opts.PairingExpiry, func() { m.expire(gen) })
}

func (m *Manager) disarmExpiry() {
	m.expiryGen++
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
}

func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.expiryGen {
		return
	}
	m.expiry = nil
	m.log.Warn().Dur("after", m.opts.PairingExpiry).Msg("pairing expired")
	if _, err := m.apply(Input{Trigger: TriggerExpired, At: time.Now()}); err != nil {
		m.log.Debug().Err(err).Msg("expiry ignored")
	}
}

func (m *Manager) synced(u domain.ChannelStateUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.LastSyncedAt.After(m.sess.LastSyncedAt) {
		m.sess.LastSyncedAt = u.LastSyncedAt
	}
}
