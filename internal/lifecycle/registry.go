package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/logging"
)

// Registry owns one Manager per channel ID. Managers are created on first
// use, only for IDs the store knows about.
type Registry struct {
	store     ChannelStore
	transport Transport
	opts      Options
	log       *logging.Logger
	pool      *ants.Pool

	managers cmap.ConcurrentMap[string, *Manager]
	// createMu serializes manager creation against Close and Remove.
	createMu sync.Mutex
	closed   atomic.Bool
	// removing holds channels whose deletion is in progress. No manager
	// is created for them.
	removing map[string]struct{}
}

// NewRegistry creates a registry. The persistence pool is sized by
// opts.Workers.
func NewRegistry(store ChannelStore, transport Transport, log *logging.Logger, opts Options) (*Registry, error) {
	opts = opts.withDefaults()
	r := &Registry{
		store:     store,
		transport: transport,
		opts:      opts,
		log:       log.Sub("lifecycle"),
		managers:  cmap.New[*Manager](),
		removing:  make(map[string]struct{}),
	}
	if opts.Workers > 0 {
		pool, err := ants.NewPool(opts.Workers, ants.WithNonblocking(true))
		if err != nil {
			return nil, fmt.Errorf("creating persistence pool: %w", err)
		}
		r.pool = pool
	}
	return r, nil
}

// Load creates managers for every channel in the store.
func (r *Registry) Load(ctx context.Context) (int, error) {
	recs, err := r.store.ListChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing channels: %w", err)
	}
	for _, rec := range recs {
		if _, err := r.managerFor(rec); err != nil {
			return 0, err
		}
	}
	r.log.Info().Int("channels", len(recs)).Msg("channels loaded")
	return len(recs), nil
}

// Manager returns the manager for id, creating it if the store knows id.
func (r *Registry) Manager(ctx context.Context, id string) (*Manager, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if m, ok := r.managers.Get(id); ok {
		return m, nil
	}

	rec, err := r.store.GetChannel(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrChannelNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
		}
		return nil, fmt.Errorf("looking up channel %s: %w", id, err)
	}
	return r.managerFor(rec)
}

func (r *Registry) managerFor(rec domain.ChannelRecord) (*Manager, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if r.closed.Load() {
		return nil, ErrClosed
	}
	if _, ok := r.removing[rec.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, rec.ID)
	}
	if m, ok := r.managers.Get(rec.ID); ok {
		return m, nil
	}
	m := newManager(rec, r.store, r.transport, r.pool, r.log, r.opts)
	r.managers.Set(rec.ID, m)
	return m, nil
}

// Connect starts pairing for a channel. See Manager.Connect.
func (r *Registry) Connect(ctx context.Context, id string) (domain.ChannelSession, error) {
	m, err := r.Manager(ctx, id)
	if err != nil {
		return domain.ChannelSession{}, err
	}
	return m.Connect()
}

// Disconnect tears down a channel's session. See Manager.Disconnect.
func (r *Registry) Disconnect(ctx context.Context, id string) (domain.ChannelSession, error) {
	m, err := r.Manager(ctx, id)
	if err != nil {
		return domain.ChannelSession{}, err
	}
	return m.Disconnect()
}

// RefreshPairing requests a fresh QR code. See Manager.RefreshPairing.
func (r *Registry) RefreshPairing(ctx context.Context, id string) (domain.ChannelSession, error) {
	m, err := r.Manager(ctx, id)
	if err != nil {
		return domain.ChannelSession{}, err
	}
	return m.RefreshPairing()
}

// Subscribe registers l for a channel's events. See Manager.Subscribe.
func (r *Registry) Subscribe(ctx context.Context, id string, l Listener) error {
	m, err := r.Manager(ctx, id)
	if err != nil {
		return err
	}
	return m.Subscribe(l)
}

// Unsubscribe removes l from a channel. Unknown channels are ignored.
func (r *Registry) Unsubscribe(id string, l Listener) {
	if m, ok := r.managers.Get(id); ok {
		m.Unsubscribe(l)
	}
}

// Session returns the current session of a channel.
func (r *Registry) Session(ctx context.Context, id string) (domain.ChannelSession, error) {
	m, err := r.Manager(ctx, id)
	if err != nil {
		return domain.ChannelSession{}, err
	}
	return m.Session(), nil
}

// Sessions returns a snapshot of every loaded session, ordered by channel ID.
func (r *Registry) Sessions() []domain.ChannelSession {
	out := make([]domain.ChannelSession, 0, r.managers.Count())
	for item := range r.managers.IterBuffered() {
		out = append(out, item.Val.Session())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// SendMessage sends through a connected channel. See Manager.SendMessage.
func (r *Registry) SendMessage(ctx context.Context, id, to, body string) error {
	m, err := r.Manager(ctx, id)
	if err != nil {
		return err
	}
	return m.SendMessage(ctx, to, body)
}

// Remove closes and forgets the manager of a channel that is being
// deleted, then runs del. Until del returns, lookups of id fail with
// ErrUnknownChannel so no new manager can resurrect the row. If del fails
// the channel becomes usable again.
func (r *Registry) Remove(ctx context.Context, id string, del func(context.Context) error) error {
	r.createMu.Lock()
	r.removing[id] = struct{}{}
	r.createMu.Unlock()
	defer func() {
		r.createMu.Lock()
		delete(r.removing, id)
		r.createMu.Unlock()
	}()

	if m, ok := r.managers.Pop(id); ok {
		r.log.Info().Str("channel", id).Msg("removing channel manager")
		if err := m.Close(ctx); err != nil {
			r.log.Warn().Err(err).Str("channel", id).Msg("closing channel manager")
		}
	}
	if del == nil {
		return nil
	}
	return del(ctx)
}

// Count returns the number of loaded managers.
func (r *Registry) Count() int {
	return r.managers.Count()
}

// Close disconnects and closes every manager, then releases the
// persistence pool.
func (r *Registry) Close(ctx context.Context) error {
	r.createMu.Lock()
	if r.closed.Swap(true) {
		r.createMu.Unlock()
		return nil
	}
	r.createMu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range r.managers.Keys() {
		m, ok := r.managers.Pop(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("closing channel %s: %w", m.ID(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if r.pool != nil {
		timeout := time.Second
		if dl, ok := ctx.Deadline(); ok {
			timeout = time.Until(dl)
		}
		if err := r.pool.ReleaseTimeout(timeout); err != nil {
			r.log.Warn().Err(err).Msg("persistence pool did not drain")
		}
	}
	r.log.Info().Msg("lifecycle registry closed")
	return errors.Join(errs...)
}
