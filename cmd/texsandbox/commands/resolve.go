package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newResolveCommand() *cobra.Command {
	var (
		format int
		bitmap bool
		dpi    int
	)

	cmd := &cobra.Command{
		Use:   "resolve <name>...",
		Short: "Look up resources on the origin",
		Long: `Resolve resource names the way the engine does and print where each one
landed in the cache. No engine is loaded.

Named lookups take the kpathsea format number (26 is tex). Bitmap lookups
take a resolution in dpi.`,
		Example: `  # Fetch a package
  texsandbox resolve article.cls amsmath.sty

  # Fetch a bitmap font
  texsandbox resolve --bitmap --dpi 600 cmr10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := newStack(cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				st.close(shutdownCtx)
			}()

			st.sink.SetEmitter(printEvents(cmd.ErrOrStderr()))

			ctx := cmd.Context()
			missing := 0
			for _, name := range args {
				var (
					guest string
					found bool
				)
				if bitmap {
					guest, found = st.resolver.ResolveBitmap(ctx, name, dpi)
				} else {
					guest, found = st.resolver.ResolveNamed(ctx, name, format, true)
				}

				if !found {
					missing++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tnot found\n", name)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, guest)
			}

			stats := st.resolver.Stats()
			log.Debug().
				Int("named_found", stats.NamedFound).
				Int("named_missing", stats.NamedMissing).
				Int("bitmap_found", stats.BitmapFound).
				Int("bitmap_missing", stats.BitmapMissing).
				Msg("Resolver tables")

			if missing > 0 {
				return fmt.Errorf("%d of %d resources not found", missing, len(args))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&format, "format", 26, "kpathsea format number for named lookups")
	cmd.Flags().BoolVar(&bitmap, "bitmap", false, "look up bitmap fonts instead of named files")
	cmd.Flags().IntVar(&dpi, "dpi", 600, "resolution for bitmap lookups")

	return cmd
}
