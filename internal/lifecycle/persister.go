package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/logging"
)

// persister writes channel state to the store off the transition path.
// Only the latest pending update is kept, and writes for one channel
// never overlap, so the store cannot observe them out of order.
type persister struct {
	channelID string
	store     ChannelStore
	pool      *ants.Pool
	log       *logging.Logger
	retries   int
	interval  time.Duration
	onSuccess func(domain.ChannelStateUpdate)
	onFailure func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *domain.ChannelStateUpdate
	running bool
	idle    chan struct{}
}

func newPersister(channelID string, store ChannelStore, pool *ants.Pool, log *logging.Logger, opts Options) *persister {
	ctx, cancel := context.WithCancel(context.Background())
	return &persister{
		channelID: channelID,
		store:     store,
		pool:      pool,
		log:       log,
		retries:   opts.PersistRetries,
		interval:  opts.PersistInterval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// submit queues u, replacing any update not yet started.
func (p *persister) submit(u domain.ChannelStateUpdate) {
	p.mu.Lock()
	p.pending = &u
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.idle = make(chan struct{})
	p.mu.Unlock()

	if p.pool == nil || p.pool.Submit(p.drain) != nil {
		go p.drain()
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		u := p.pending
		p.pending = nil
		if u == nil {
			p.running = false
			close(p.idle)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		p.write(*u)
	}
}

func (p *persister) write(u domain.ChannelStateUpdate) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.interval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.retries)), p.ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := p.store.UpdateChannelState(p.ctx, p.channelID, u)
		if errors.Is(err, domain.ErrChannelNotFound) {
			// The row is gone; retrying cannot bring it back.
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		p.log.Warn().
			Err(err).
			Str("state", u.State.String()).
			Int("attempts", attempts).
			Msg("persistence warning")
		if p.onFailure != nil {
			p.onFailure(err)
		}
		return
	}
	if p.onSuccess != nil {
		p.onSuccess(u)
	}
}

// flush waits for queued writes. If ctx ends first, in-flight retries are
// abandoned.
func (p *persister) flush(ctx context.Context) {
	p.mu.Lock()
	idle := p.idle
	running := p.running
	p.mu.Unlock()

	if running {
		select {
		case <-idle:
		case <-ctx.Done():
			p.cancel()
			<-idle
		}
	}
	p.cancel()
}
