package engine

import (
	"context"

	"github.com/texsandbox/texsandbox/pkg/session"
)

// Engine is the compilation engine as seen by the worker.
// Implementations are not safe for concurrent use; the worker runs one call at a time.
//
// A non-nil error from a compile call means the engine aborted (trap, exit or
// host failure) and its state can no longer be trusted.
type Engine interface {
	// Initialize performs the engine's cold start.
	Initialize(ctx context.Context) error

	// SetEntryFile selects the document compiled by CompileDocument.
	SetEntryFile(ctx context.Context, name string) error

	// CompileDocument compiles the entry file and returns the engine status.
	CompileDocument(ctx context.Context) (int, error)

	// CompileFormat builds the format file and returns the engine status.
	CompileFormat(ctx context.Context) (int, error)

	// CompileBibliography runs the bibliography pass over the last document.
	CompileBibliography(ctx context.Context) (int, error)

	// Chdir changes the engine's working directory to a guest path.
	Chdir(ctx context.Context, dir string) error

	// CloseFiles closes every handle opened since the baseline.
	CloseFiles() error

	// Memory returns the engine's linear memory.
	Memory() session.Memory

	// Globals returns the mutable globals belonging to the engine state.
	Globals() session.Globals

	// Close releases the engine.
	Close(ctx context.Context) error
}

// Hooks are the host services the engine calls back into while compiling.
// Both calls block until the resource is available or known to be missing.
type Hooks interface {
	// ResolveNamed locates a named resource file and returns its guest path.
	ResolveNamed(ctx context.Context, name string, format int, mustExist bool) (string, bool)

	// ResolveBitmap locates a bitmap font at a resolution and returns its guest path.
	ResolveBitmap(ctx context.Context, name string, dpi int) (string, bool)
}
