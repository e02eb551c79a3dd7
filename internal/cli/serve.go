package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/conveyor/internal/telemetry"
	"github.com/lucasnoah/conveyor/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve webhooks, chat commands and the JSON API",
	Long: `Start the HTTP surface: GitHub push and pull_request webhooks, chat
approval commands, manual re-runs and a read-only JSON API.

On start the recovery sweep fails deployments left in flight by a crash and
re-advances approved deployments that never ran.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		logger := newLogger(cfg, os.Stderr, true)

		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, cfg.Telemetry.Enabled, nil, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer shutdown(context.WithoutCancel(ctx))

		e, err := wire(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		server := web.NewServer(e.orch, e.gate, e.store, e.normalizer, web.Options{
			Addr:          cfg.Server.Addr,
			WebhookSecret: []byte(cfg.Server.WebhookSecret),
			APIToken:      cfg.Server.APIToken,
			MaxInFlight:   cfg.Server.MaxInFlight,
			Logger:        logger,
		})
		// chat commands return once the decision is recorded
		e.gate.SetAdvancer(server)

		if skip, _ := cmd.Flags().GetBool("no-recover"); !skip {
			report, err := e.orch.Recover(ctx, cfg.Executor.StaleAfter())
			if err != nil {
				logger.Error("recovery sweep failed", "err", err)
			} else {
				logger.Info("recovery sweep finished", "interrupted", len(report.Interrupted), "resumed", len(report.Resumed))
			}
		}

		return server.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().Bool("no-recover", false, "skip the startup recovery sweep")
}
