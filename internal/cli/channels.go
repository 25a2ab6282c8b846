package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/soyeahso/omnidesk/internal/config"
	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/spf13/cobra"
)

func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channels",
		Aliases: []string{"channel"},
		Short:   "Manage messaging channels",
	}

	cmd.AddCommand(newChannelsListCmd())
	cmd.AddCommand(newChannelsAddCmd())
	cmd.AddCommand(newChannelsRemoveCmd())
	cmd.AddCommand(newChannelsPairCmd())

	return cmd
}

func newChannelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered channels and their last-known state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			db, cs, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := cs.ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No channels registered.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATE\tLAST ERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Type, r.State, r.LastError)
			}
			return tw.Flush()
		},
	}
}

func newChannelsAddCmd() *cobra.Command {
	var typ string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct := domain.ChannelType(typ)
			if !slices.Contains(domain.KnownChannelTypes, ct) {
				return fmt.Errorf("unknown channel type %q (want one of %v)", typ, domain.KnownChannelTypes)
			}

			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			db, cs, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			rec, err := cs.CreateChannel(cmd.Context(), args[0], ct)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added channel %s (%s) id=%s\n", rec.Name, rec.Type, rec.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&typ, "type", string(domain.ChannelTypeWhatsApp), "channel type")
	return cmd
}

func newChannelsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id|name>",
		Short: "Delete a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			db, cs, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			rec, err := resolveChannel(cmd.Context(), cs, args[0])
			if err != nil {
				return err
			}
			if err := cs.DeleteChannel(cmd.Context(), rec.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed channel %s\n", rec.Name)
			return nil
		},
	}
}

// pairListener buffers lifecycle events for the pair command.
type pairListener struct {
	events chan domain.Event
}

func (l *pairListener) OnEvent(ev domain.Event) {
	select {
	case l.events <- ev:
	default:
	}
}

func newChannelsPairCmd() *cobra.Command {
	var (
		timeout      time.Duration
		simulateScan bool
	)

	cmd := &cobra.Command{
		Use:   "pair <id|name>",
		Short: "Pair a channel by QR code and wait until it connects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			svc, err := openServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			rec, err := resolveChannel(ctx, svc.channels, args[0])
			if err != nil {
				return err
			}

			if simulateScan && svc.sim == nil {
				return fmt.Errorf("--simulate-scan needs the sim transport, got %q", cfg.Transport.Kind)
			}

			l := &pairListener{events: make(chan domain.Event, 64)}
			if err := svc.registry.Subscribe(ctx, rec.ID, l); err != nil {
				return err
			}
			defer svc.registry.Unsubscribe(rec.ID, l)

			// The current state is replayed before Subscribe returns.
			<-l.events

			if _, err := svc.registry.Connect(ctx, rec.ID); err != nil {
				return err
			}
			return waitPaired(ctx, cmd, svc, rec, l, simulateScan)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up if the channel is not connected in time")
	cmd.Flags().BoolVar(&simulateScan, "simulate-scan", false, "scan the QR code on the simulated transport")
	return cmd
}

func waitPaired(ctx context.Context, cmd *cobra.Command, svc *services, rec domain.ChannelRecord, l *pairListener, simulateScan bool) error {
	out := cmd.OutOrStdout()
	// A failed status is followed by the error event carrying its reason.
	failed := false
	for {
		select {
		case ev := <-l.events:
			if failed && ev.Kind == domain.EventError {
				return fmt.Errorf("pairing %s failed: %s", rec.Name, ev.Payload)
			}
			switch ev.Kind {
			case domain.EventQR:
				fmt.Fprintf(out, "Scan this code with %s:\n  %s\n", rec.Type, ev.Payload)
				if simulateScan {
					if err := svc.sim.Scan(rec.ID); err != nil {
						return err
					}
				}
			case domain.EventError:
				fmt.Fprintf(out, "Error: %s\n", ev.Payload)
			case domain.EventStatus:
				fmt.Fprintf(out, "State: %s\n", ev.State)
				switch ev.State {
				case domain.StateConnected:
					fmt.Fprintf(out, "Channel %s connected.\n", rec.Name)
					return nil
				case domain.StateFailed:
					failed = true
				}
			}
		case <-ctx.Done():
			if failed {
				return fmt.Errorf("pairing %s failed", rec.Name)
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out waiting for %s to connect", rec.Name)
			}
			return ctx.Err()
		}
	}
}
