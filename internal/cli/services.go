package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/omnidesk/internal/config"
	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/hooks"
	"github.com/soyeahso/omnidesk/internal/lifecycle"
	"github.com/soyeahso/omnidesk/internal/metrics"
	"github.com/soyeahso/omnidesk/internal/store"
	"github.com/soyeahso/omnidesk/internal/transport"
	"github.com/soyeahso/omnidesk/internal/transport/sim"
)

// shutdownTimeout bounds how long closing channels may take on exit.
const shutdownTimeout = 15 * time.Second

// services is the wired runtime shared by the gateway and the pair command.
type services struct {
	db       *store.DB
	channels *store.ChannelStore
	sim      *sim.Transport // nil unless transport.kind is sim
	hooks    *hooks.Manager
	metrics  *metrics.Collector
	registry *lifecycle.Registry
}

// openStore opens the channel database under the data directory.
func openStore(cfg config.Config) (*store.DB, *store.ChannelStore, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, nil, fmt.Errorf("creating data directories: %w", err)
	}
	db, err := store.Open(paths.StorePath(cfg.Store), log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return db, store.NewChannelStore(db), nil
}

// seedChannels creates the channels declared in config that the store does
// not know yet.
func seedChannels(ctx context.Context, cs *store.ChannelStore, entries []config.ChannelEntry) error {
	for _, e := range entries {
		rec, created, err := cs.EnsureChannel(ctx, e.Name, domain.ChannelType(e.Type))
		if err != nil {
			return fmt.Errorf("seeding channel %q: %w", e.Name, err)
		}
		if created {
			log.Info().Str("channel", rec.ID).Str("name", rec.Name).Msg("seeded channel from config")
		}
	}
	return nil
}

func openServices(ctx context.Context, cfg config.Config) (*services, error) {
	db, cs, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := seedChannels(ctx, cs, cfg.Channels); err != nil {
		db.Close()
		return nil, err
	}

	tr, err := transport.Default(log).Open(cfg.Transport)
	if err != nil {
		db.Close()
		return nil, err
	}
	// Only the simulated transport can be driven by hand.
	simTr, _ := tr.(*sim.Transport)

	hm := hooks.NewManager(log)
	if n := hooks.RegisterCommands(hm, cfg.Hooks); n > 0 {
		log.Info().Int("hooks", n).Msg("shell hooks registered")
	}

	mc := metrics.New()

	opts := lifecycle.OptionsFromConfig(cfg)
	opts.Observer = lifecycle.Observers{mc, hooks.NewObserver(hm)}

	reg, err := lifecycle.NewRegistry(cs, tr, log, opts)
	if err != nil {
		db.Close()
		return nil, err
	}

	n, err := reg.Load(ctx)
	if err != nil {
		reg.Close(ctx)
		db.Close()
		return nil, err
	}
	log.Info().Int("channels", n).Str("transport", cfg.Transport.Kind).Msg("channel lifecycle ready")

	return &services{
		db:       db,
		channels: cs,
		sim:      simTr,
		hooks:    hm,
		metrics:  mc,
		registry: reg,
	}, nil
}

// Close disconnects every channel, waits for their final state writes and
// pending hooks, then closes the database.
func (s *services) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(
		s.registry.Close(ctx),
		s.hooks.Wait(ctx),
		s.db.Close(),
	)
}

// resolveChannel finds a channel by ID or, failing that, by name.
func resolveChannel(ctx context.Context, cs *store.ChannelStore, ref string) (domain.ChannelRecord, error) {
	rec, err := cs.GetChannel(ctx, ref)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.ChannelRecord{}, err
	}

	recs, err := cs.ListChannels(ctx)
	if err != nil {
		return domain.ChannelRecord{}, err
	}
	for _, r := range recs {
		if r.Name == ref {
			return r, nil
		}
	}
	return domain.ChannelRecord{}, fmt.Errorf("%w: %s", store.ErrNotFound, ref)
}
