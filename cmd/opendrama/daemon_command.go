package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"opendrama/internal/daemon"
	"opendrama/internal/logging"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the generation daemon in the foreground",
		Long: `Run the reconciler and HTTP API until interrupted.

The daemon owns every provider submission. It resumes reserved groups left
by earlier runs or queued by 'opendrama generate'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateProvider(); err != nil {
				return err
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			components, err := daemon.Wire(cfg, logger, daemon.Overrides{})
			if err != nil {
				return err
			}
			d, err := daemon.New(cfg, components, logger)
			if err != nil {
				_ = components.Close()
				return err
			}
			defer func() {
				if closeErr := d.Close(); closeErr != nil {
					fmt.Fprintf(os.Stderr, "daemon shutdown: %v\n", closeErr)
				}
			}()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Start(runCtx); err != nil {
				return err
			}
			status := d.Status(runCtx)
			logger.Info("opendrama daemon started",
				logging.String(logging.FieldEventType, "daemon_started"),
				logging.String("database", status.DatabasePath),
				logging.String("api", status.APIAddress),
			)
			<-runCtx.Done()
			logger.Info("opendrama daemon stopping",
				logging.String(logging.FieldEventType, "daemon_stopping"),
			)
			return nil
		},
	}
}
