package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/logging"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

// --- store ---

type storeUpdate struct {
	id string
	u  domain.ChannelStateUpdate
}

type fakeStore struct {
	mu      sync.Mutex
	recs    map[string]domain.ChannelRecord
	updates []storeUpdate
	failAll  bool
	listErr  error
	attempts int
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{recs: make(map[string]domain.ChannelRecord)}
	for _, id := range ids {
		s.recs[id] = domain.ChannelRecord{
			ID:    id,
			Name:  "channel " + id,
			Type:  domain.ChannelTypeWhatsApp,
			State: domain.StateDisconnected,
		}
	}
	return s
}

func (s *fakeStore) GetChannel(_ context.Context, id string) (domain.ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return domain.ChannelRecord{}, domain.ErrChannelNotFound
	}
	return rec, nil
}

func (s *fakeStore) ListChannels(_ context.Context) ([]domain.ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.ChannelRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) UpdateChannelState(_ context.Context, id string, u domain.ChannelStateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failAll {
		return errors.New("database is locked")
	}
	if _, ok := s.recs[id]; !ok {
		return domain.ErrChannelNotFound
	}
	s.updates = append(s.updates, storeUpdate{id: id, u: u})
	return nil
}

func (s *fakeStore) setFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

func (s *fakeStore) lastUpdate(id string) (domain.ChannelStateUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.updates) - 1; i >= 0; i-- {
		if s.updates[i].id == id {
			return s.updates[i].u, true
		}
	}
	return domain.ChannelStateUpdate{}, false
}

func (s *fakeStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// --- transport ---

type fakeTransport struct {
	mu       sync.Mutex
	streams  map[string][]chan PairingEvent
	begins   map[string]int
	cancels  map[string]int
	active   map[string]int
	overlap  bool
	beginErr error
	sent     []domain.OutboundMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		streams: make(map[string][]chan PairingEvent),
		begins:  make(map[string]int),
		cancels: make(map[string]int),
		active:  make(map[string]int),
	}
}

func (f *fakeTransport) BeginPairing(_ context.Context, id string) (<-chan PairingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins[id]++
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.active[id]++
	if f.active[id] > 1 {
		f.overlap = true
	}
	ch := make(chan PairingEvent, 16)
	f.streams[id] = append(f.streams[id], ch)
	return ch, nil
}

func (f *fakeTransport) CancelPairing(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[id]++
	f.active[id]--
}

func (f *fakeTransport) Send(_ context.Context, msg domain.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) beginCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begins[id]
}

func (f *fakeTransport) cancelCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels[id]
}

func (f *fakeTransport) activeCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id]
}

func (f *fakeTransport) overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

func (f *fakeTransport) setBeginErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beginErr = err
}

// waitBegins blocks until the n-th exchange for id has started.
func (f *fakeTransport) waitBegins(t *testing.T, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.streams[id]) >= n
	}, waitFor, tick, "waiting for exchange %d on %s", n, id)
}

// emit sends ev on the latest stream for id.
func (f *fakeTransport) emit(id string, ev PairingEvent) {
	f.mu.Lock()
	streams := f.streams[id]
	f.mu.Unlock()
	streams[len(streams)-1] <- ev
}

// closeStream closes the latest stream for id.
func (f *fakeTransport) closeStream(id string) {
	f.mu.Lock()
	streams := f.streams[id]
	f.mu.Unlock()
	close(streams[len(streams)-1])
}

// noSendTransport hides the Sender implementation of the wrapped transport.
type noSendTransport struct {
	Transport
}

// --- listener ---

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) OnEvent(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

// trace renders events as "kind:payload" for compact assertions.
func (r *recorder) trace() []string {
	evs := r.snapshot()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = fmt.Sprintf("%s:%s", ev.Kind, ev.Payload)
	}
	return out
}

func (r *recorder) waitLen(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.events) >= n
	}, waitFor, tick, "waiting for %d events", n)
}

// --- observer ---

type countingObserver struct {
	NopObserver
	transitions    atomic.Int64
	pairings       atomic.Int64
	persistFails   atomic.Int64
	subscribers    atomic.Int64
	openedSessions atomic.Int64
}

func (o *countingObserver) SessionOpened(string, domain.ConnectionState) {
	o.openedSessions.Add(1)
}

func (o *countingObserver) SessionClosed(string, domain.ConnectionState) {
	o.openedSessions.Add(-1)
}

func (o *countingObserver) Transitioned(string, domain.ConnectionState, domain.ConnectionState) {
	o.transitions.Add(1)
}

func (o *countingObserver) PairingStarted(string) {
	o.pairings.Add(1)
}

func (o *countingObserver) PersistFailed(string, error) {
	o.persistFails.Add(1)
}

func (o *countingObserver) SubscribersChanged(_ string, delta int) {
	o.subscribers.Add(int64(delta))
}

// --- helpers ---

func testOptions() Options {
	return Options{
		PairingExpiry:   time.Minute,
		PersistRetries:  2,
		PersistInterval: time.Millisecond,
	}
}

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

type harness struct {
	m         *Manager
	store     *fakeStore
	transport *fakeTransport
	rec       *recorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := newFakeStore("c1")
	tr := newFakeTransport()
	rec, _ := store.GetChannel(context.Background(), "c1")
	m := NewManager(rec, store, tr, testLogger(), opts)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return &harness{m: m, store: store, transport: tr, rec: &recorder{}}
}

func (h *harness) waitState(t *testing.T, want domain.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.m.Session().State == want
	}, waitFor, tick, "waiting for state %s", want)
}

// toAwaitingScan drives a fresh harness to AwaitingScan with the given QR.
func (h *harness) toAwaitingScan(t *testing.T, qr string) {
	t.Helper()
	n := h.transport.beginCount("c1") + 1
	_, err := h.m.Connect()
	require.NoError(t, err)
	h.transport.waitBegins(t, "c1", n)
	h.transport.emit("c1", PairingEvent{Kind: PairingQR, QR: qr})
	h.waitState(t, domain.StateAwaitingScan)
}

func (h *harness) toConnected(t *testing.T) {
	t.Helper()
	h.toAwaitingScan(t, "QR-1")
	h.transport.emit("c1", PairingEvent{Kind: PairingAck})
	h.waitState(t, domain.StateConnected)
}
