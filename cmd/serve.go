package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the channel consumer",
		Long: `Starts the coordinator, attaches it to the configured push channel and
serves the HTTP API until SIGINT or SIGTERM. Pending renders are flushed and
every run is disposed before exit.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	e.logger.Info("progressd stopped", zap.Bool("signalled", ctx.Err() != nil))
	return nil
}
