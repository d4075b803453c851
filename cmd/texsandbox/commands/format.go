package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/texsandbox/texsandbox/pkg/engine"
)

func newFormatCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "format [dir]",
		Short: "Build the preloaded format file",
		Long: `Run a format job and write the dumped format file.

When a directory is given its contents are copied into the work root first,
for example a customised pdflatex.ini.`,
		Example: `  # Dump the default format
  texsandbox format -o pdflatex.fmt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if output == "" {
				output = cfg.Engine.FormatFile
			}

			ctx := cmd.Context()
			rt, err := newInstance(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			rt.sink.SetEmitter(printEvents(cmd.ErrOrStderr()))

			if err := rt.worker.Start(ctx); err != nil {
				return err
			}

			if len(args) == 1 {
				if _, err := stageInputs(rt.worker, args[0]); err != nil {
					return fmt.Errorf("failed to stage %s: %w", args[0], err)
				}
			}

			result, err := rt.worker.Compile(ctx, engine.JobFormat)
			if err != nil {
				return err
			}
			if !result.OK() {
				return fmt.Errorf("format job failed with status %d", result.Status)
			}

			if err := os.WriteFile(output, result.Artifact, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}

			log.Info().Str("output", output).Int("bytes", len(result.Artifact)).Msg("Format file written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "format destination (default: engine.format_file)")

	return cmd
}
