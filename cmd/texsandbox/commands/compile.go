package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/texsandbox/texsandbox/pkg/engine"
	"github.com/texsandbox/texsandbox/pkg/worker"
)

func newCompileCommand() *cobra.Command {
	var (
		mainFile string
		output   string
		noBib    bool
	)

	cmd := &cobra.Command{
		Use:   "compile <dir>",
		Short: "Compile a document once",
		Long: `Copy a project directory into a fresh worker, compile its entry file and
write the resulting PDF.

Engine output is streamed to stderr. Missing packages and fonts are fetched
from the origin and cached in fs.cache_dir, so later runs are faster.`,
		Example: `  # Compile ./paper/main.tex into ./paper/main.pdf
  texsandbox compile ./paper

  # Compile another entry file to a chosen location
  texsandbox compile ./thesis --main thesis.tex -o /tmp/thesis.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mainFile != "" {
				cfg.Engine.EntryFile = mainFile
			}
			if noBib {
				cfg.Engine.RunBibliography = false
			}
			if output == "" {
				output = filepath.Join(dir, filepath.FromSlash(worker.ArtifactName(cfg.Engine.EntryFile)))
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

			files, err := stageInputs(rt.worker, dir)
			if err != nil {
				return fmt.Errorf("failed to stage %s: %w", dir, err)
			}
			log.Debug().Int("files", files).Str("dir", dir).Msg("Inputs staged")

			result, err := rt.worker.Compile(ctx, engine.JobDocument)
			if err != nil {
				return err
			}
			if !result.OK() {
				return fmt.Errorf("compilation failed with status %d", result.Status)
			}

			if err := os.WriteFile(output, result.Artifact, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}

			log.Info().
				Str("output", output).
				Int("bytes", len(result.Artifact)).
				Str("job", result.JobID).
				Msg("Document compiled")
			return nil
		},
	}

	cmd.Flags().StringVarP(&mainFile, "main", "m", "", "entry file relative to <dir>, overrides engine.entry_file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "PDF destination (default: next to the entry file)")
	cmd.Flags().BoolVar(&noBib, "no-bibliography", false, "skip the bibliography pass")

	return cmd
}
