package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath    string
	wasmPath      string
	endpoint      string
	verifyRestore bool
	verbose       bool

	buildVersion = "dev"
)

// ExitError carries the exit code the process should terminate with.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d (%s)", e.Code, e.Reason)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "texsandbox",
		Short: "texsandbox - sandboxed TeX compilation worker",
		Long: `texsandbox hosts a WebAssembly TeX engine behind a line-delimited JSON
protocol on stdin/stdout.

Every job starts from a memory snapshot taken after the engine's cold start,
so a long-lived worker compiles each document as if freshly started. Missing
TeX resources are fetched lazily from a remote origin and cached.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .yml or .cue)")
	rootCmd.PersistentFlags().StringVar(&wasmPath, "wasm", "", "engine binary, overrides engine.wasm_path")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "resource origin, overrides origin.endpoint")
	rootCmd.PersistentFlags().BoolVar(&verifyRestore, "verify-restore", false, "compare memory with the baseline after every restore")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCompileCommand())
	rootCmd.AddCommand(newFormatCommand())
	rootCmd.AddCommand(newResolveCommand())

	return rootCmd
}
