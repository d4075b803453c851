package commands

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/texsandbox/texsandbox/pkg/worker"
)

func newServeCommand() *cobra.Command {
	var metrics bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the worker protocol on stdin/stdout",
		Long: `Load the engine, perform its cold start and answer commands on stdin.

A READY message is written once the baseline is captured. The process exits
after a grace command, when stdin closes, or after the engine aborts. The exit
code is 0, 1 on a protocol failure and 2 after an engine fault.`,
		Example: `  # Serve with the default configuration
  texsandbox serve --wasm ./swiftlatexpdftex.wasm

  # Serve with a config file and expose Prometheus metrics
  texsandbox serve -c worker.yaml --metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if metrics {
				cfg.Telemetry.Metrics.Enabled = true
			}

			rt, err := newInstance(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			ctx := rt.tel.WithContext(cmd.Context())
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				rt.close(shutdownCtx)
			}()

			rt.tel.StartMetricsServer()

			// A failed cold start still serves: the session reports the
			// fault and exits.
			if err := rt.worker.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Worker start failed")
			}

			exit := rt.worker.Serve(ctx, os.Stdin, os.Stdout)
			log.Info().
				Str("reason", exit.Reason).
				Int("commands", exit.CommandsTotal).
				Msg("Worker session ended")

			if exit.ExitCode != worker.ExitCodeOK {
				return &ExitError{Code: exit.ExitCode, Reason: exit.Reason}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&metrics, "metrics", false, "expose Prometheus metrics, overrides telemetry.metrics.enabled")

	return cmd
}
