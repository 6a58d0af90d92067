// Package cmd defines and implements the CLI commands for the progressd
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/config"
	"github.com/JakeFAU/progress-coordinator/internal/logging"
)

type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand receives from the root pre-run hook.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newLogger is swapped in tests.
var newLogger = logging.New

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "progressd",
		Short: "Coordinates progress events from background jobs into live run snapshots.",
		Long: `progressd listens for "<stage>_<kind>" progress events on a push channel
(in-process, websocket or Pub/Sub), folds them into per-run stage state and
totals, and exposes live snapshots, a websocket stream, and run history over
HTTP.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.AddCommand(newServeCmd(), newReplayCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
