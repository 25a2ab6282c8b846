package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/soyeahso/omnidesk/internal/config"
	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/hooks"
	"github.com/soyeahso/omnidesk/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show omnidesk status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, version.Info())
			fmt.Fprintln(out)

			// Show paths
			fmt.Fprintf(out, "Config:      %s\n", paths.Config)
			fmt.Fprintf(out, "Data:        %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:        %s\n", paths.Logs)
			fmt.Fprintln(out)

			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintln(out, "Config file: not found (using defaults)")
			}

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:      error loading: %v\n", err)
				return nil
			}

			fmt.Fprintf(out, "Gateway:     port=%d bind=%s tls=%v\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.TLS.Enabled)
			fmt.Fprintf(out, "Pairing:     expiry=%s\n", cfg.PairingExpiry())
			if cfg.Reconnect.Enabled {
				fmt.Fprintf(out, "Reconnect:   initial=%dms max=%dms giveUp=%ds\n",
					cfg.Reconnect.InitialIntervalMs, cfg.Reconnect.MaxIntervalMs, cfg.Reconnect.MaxElapsedSeconds)
			} else {
				fmt.Fprintln(out, "Reconnect:   disabled")
			}
			fmt.Fprintf(out, "Persistence: retries=%d retry=%dms workers=%d\n",
				cfg.Persistence.MaxRetries, cfg.Persistence.RetryMs, cfg.Persistence.Workers)
			fmt.Fprintf(out, "Transport:   kind=%s qrDelay=%dms\n", cfg.Transport.Kind, cfg.Transport.QRDelayMs)
			fmt.Fprintf(out, "Store:       %s\n", paths.StorePath(cfg.Store))

			hm := hooks.NewManager(log)
			if hooks.RegisterCommands(hm, cfg.Hooks) > 0 {
				var parts []string
				for _, ev := range hm.Events() {
					parts = append(parts, fmt.Sprintf("%s(%d)", ev, hm.Count(ev)))
				}
				fmt.Fprintf(out, "Hooks:       %s\n", strings.Join(parts, " "))
			}

			// Channels are only counted when the database already exists.
			if _, err := os.Stat(paths.StorePath(cfg.Store)); err == nil {
				printChannelSummary(cmd, cfg)
			} else {
				fmt.Fprintln(out, "Channels:    (no database yet)")
			}

			// Validation
			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}

func printChannelSummary(cmd *cobra.Command, cfg config.Config) {
	out := cmd.OutOrStdout()

	db, cs, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(out, "Channels:    error: %v\n", err)
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	recs, err := cs.ListChannels(ctx)
	if err != nil {
		fmt.Fprintf(out, "Channels:    error: %v\n", err)
		return
	}

	connected := 0
	for _, r := range recs {
		if r.State == domain.StateConnected {
			connected++
		}
	}
	fmt.Fprintf(out, "Channels:    %d (%d last seen connected)\n", len(recs), connected)

	if v, err := db.SchemaVersion(ctx); err == nil {
		fmt.Fprintf(out, "Schema:      v%d\n", v)
	}
}
