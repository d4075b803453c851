package commands

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/texsandbox/texsandbox/pkg/diagnostics"
	"github.com/texsandbox/texsandbox/pkg/worker"
)

// stageInputs copies a host directory tree into the worker's work root.
func stageInputs(w *worker.Worker, dir string) (int, error) {
	files := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			return w.Mkdir(rel)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := w.WriteFile(rel, data); err != nil {
			return fmt.Errorf("staging %s: %w", rel, err)
		}
		files++
		return nil
	})
	return files, err
}

// printEvents streams engine diagnostics to out.
func printEvents(out io.Writer) diagnostics.Emitter {
	return diagnostics.EmitterFunc(func(level, text string) {
		if level == "info" {
			fmt.Fprintln(out, text)
			return
		}
		fmt.Fprintf(out, "[%s] %s\n", level, text)
	})
}
