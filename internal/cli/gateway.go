package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/soyeahso/omnidesk/internal/config"
	"github.com/soyeahso/omnidesk/internal/gateway"
	"github.com/soyeahso/omnidesk/internal/logging"
	"github.com/soyeahso/omnidesk/internal/metrics"
	"github.com/spf13/cobra"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the omnidesk gateway server",
	}

	cmd.AddCommand(newGatewayRunCmd())
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			// The --log-level flag wins over the config file.
			if logLevel == "" {
				l, closer, err := logging.Open(logging.Options{
					Level: cfg.Logging.Level,
					Style: cfg.Logging.ConsoleStyle,
					File:  cfg.Logging.File,
				})
				if err != nil {
					return err
				}
				defer closer.Close()
				log = l
			}

			// Load raw config for RPC access
			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				raw = make(map[string]any)
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := openServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					log.Error().Err(err).Msg("shutting down channels")
				}
			}()

			srv := gateway.New(cfg, log,
				gateway.WithConfigRaw(raw),
				gateway.WithChannels(svc.registry, svc.channels),
				gateway.WithSimulator(svc.sim),
				gateway.WithHooks(svc.hooks),
				gateway.WithMetrics(svc.metrics, metrics.NewHealth(svc.metrics, svc.db)),
			)

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")

	return cmd
}
