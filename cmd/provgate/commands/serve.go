package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/provgate/provgate/pkg/api"
	"github.com/provgate/provgate/pkg/rules"
	"github.com/provgate/provgate/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning HTTP API",
		Long: `Run the provisioning gateway.

The server:
  - loads the rule document and reloads it when the file changes
  - accepts create, update and delete requests under /api/v1
  - writes one audit record per request
  - logs lifecycle events at or above telemetry.events.log_level
  - exposes Prometheus metrics on /metrics`,
		Example: `  # Serve with defaults (configs/rules.yaml, SQLite audit)
  provgate serve

  # Serve with a config file on another address
  provgate serve -c /etc/provgate/config.yaml --listen :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("Shutdown finished with errors")
				}
			}()

			cfg := a.cfg
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}

			a.tel.Events.Subscribe(
				telemetry.LogSubscriber(a.tel.Logger.NewComponentLogger("events").Zerolog()),
				telemetry.FilterByLevel(cfg.Telemetry.Events.LogLevel),
			)

			if cfg.Rules.Watch {
				watcher := rules.NewWatcher(a.engine, cfg.Rules.Path, cfg.Rules.Debounce, a.logger)
				if err := watcher.Start(ctx); err != nil {
					return err
				}
			}

			if metricsServer := a.tel.Metrics.StartMetricsServer(a.logger); metricsServer != nil {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = metricsServer.Shutdown(shutdownCtx)
				}()
			}

			opts := []api.Option{api.WithTelemetry(a.tel), api.WithVersion(version)}
			if a.reader != nil {
				opts = append(opts, api.WithAuditReader(a.reader))
			}
			server := api.NewServer(api.Config{
				ListenAddress:    cfg.Server.ListenAddress,
				ReadTimeout:      cfg.Server.ReadTimeout,
				WriteTimeout:     cfg.Server.WriteTimeout,
				ShutdownTimeout:  cfg.Server.ShutdownTimeout,
				BatchParallelism: cfg.Provisioning.BatchParallelism,
			}, a.orch, a.engine, a.logger, opts...)

			a.logger.Info().
				Str("version", version).
				Str("rules", cfg.Rules.Path).
				Strs("systems", a.engine.Systems()).
				Str("audit_driver", cfg.Audit.Driver).
				Msg("Starting provisioning gateway")

			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen_address")

	return cmd
}
