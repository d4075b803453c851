package wasm

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/texsandbox/texsandbox/pkg/engine"
	"github.com/texsandbox/texsandbox/pkg/session"
	"github.com/texsandbox/texsandbox/pkg/telemetry"
	"github.com/texsandbox/texsandbox/pkg/vfs"
)

// DefaultMemoryLimitPages caps the engine at 2GiB of linear memory.
const DefaultMemoryLimitPages = 32768

// Config contains configuration for the WASM engine host.
type Config struct {
	// CacheRoot is mounted read-write at its guest path.
	CacheRoot vfs.Root

	// WorkRoot is mounted read-write at its guest path.
	WorkRoot vfs.Root

	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	MemoryLimitPages uint32

	// CheckpointGlobals are the mutable globals saved with memory snapshots.
	CheckpointGlobals []string

	// Stdout and Stderr receive the engine's output streams.
	Stdout io.Writer
	Stderr io.Writer

	// Hooks serve the engine's resource lookups.
	Hooks engine.Hooks

	Logger *telemetry.Logger
}

// Engine runs the compilation engine in a wazero runtime.
type Engine struct {
	runtime wazero.Runtime
	module  api.Module
	bridge  *bridge
	globals *globalSet
	handles *HandleTable
	logger  *telemetry.Logger
	// hooks is fixed at construction; host functions read it without locking.
	hooks engine.Hooks
}

var _ engine.Engine = (*Engine)(nil)

// Load reads a WASM binary from disk and instantiates it.
func Load(ctx context.Context, path string, cfg Config) (*Engine, error) {
	wasmModule, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine binary: %w", err)
	}
	return New(ctx, wasmModule, cfg)
}

// New instantiates the engine. The module's start functions are not run;
// Initialize performs the cold start.
func New(ctx context.Context, wasmModule []byte, cfg Config) (*Engine, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNopLogger()
	}

	e := &Engine{
		handles: NewHandleTable(),
		logger:  cfg.Logger,
		hooks:   cfg.Hooks,
	}

	// Jobs are never cancelled mid-call, so the runtime does not watch the context.
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages)

	e.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := e.runtime.NewHostModuleBuilder(hostModuleName)
	e.registerHostFunctions(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := e.runtime.CompileModule(ctx, wasmModule)
	if err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	fsConfig := wazero.NewFSConfig().(sysfs.FSConfig).
		WithSysFSMount(newTrackingFS(sysfs.DirFS(cfg.CacheRoot.Host), cfg.CacheRoot.Guest, e.handles), cfg.CacheRoot.Guest).(sysfs.FSConfig).
		WithSysFSMount(newTrackingFS(sysfs.DirFS(cfg.WorkRoot.Host), cfg.WorkRoot.Guest, e.handles), cfg.WorkRoot.Guest)

	moduleConfig := wazero.NewModuleConfig().
		WithName("engine").
		WithArgs("pdftex").
		WithStdout(cfg.Stdout).
		WithStderr(cfg.Stderr).
		WithFSConfig(fsConfig).
		WithSysWalltime().
		WithSysNanotime().
		WithStartFunctions()

	e.module, err = e.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	e.bridge, err = newBridge(e.module)
	if err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to create WASM bridge: %w", err)
	}

	e.globals = newGlobalSet(e.module, cfg.CheckpointGlobals)
	for _, name := range e.globals.missing {
		e.logger.Warnf("checkpoint global %s is not exported as mutable, skipping", name)
	}

	return e, nil
}

// Initialize runs the reactor initializer and the engine's own cold start.
// Handles open afterwards are pinned.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.bridge.initialize != nil {
		if _, err := e.bridge.initialize.Call(ctx); err != nil {
			return engine.NewAbortError("_initialize", err)
		}
	}

	if e.bridge.engineInit != nil {
		status, err := e.bridge.callStatus(ctx, "engine_init", e.bridge.engineInit)
		if err != nil {
			return err
		}
		if status != engine.StatusOK {
			return fmt.Errorf("engine_init returned status %d", status)
		}
	}

	pinned := e.handles.Pin()
	e.logger.Debugf("engine initialized, %d handles pinned", pinned)
	return nil
}

// SetEntryFile selects the document compiled by CompileDocument.
func (e *Engine) SetEntryFile(ctx context.Context, name string) error {
	ptr, err := e.bridge.allocString(ctx, name)
	if err != nil {
		return engine.NewAbortError("set_main_entry", err)
	}
	status, err := e.bridge.callStatus(ctx, "set_main_entry", e.bridge.setMainEntry, api.EncodeU32(ptr))
	if err != nil {
		return err
	}
	if status != engine.StatusOK {
		return fmt.Errorf("set_main_entry(%q) returned status %d", name, status)
	}
	return nil
}

// CompileDocument compiles the entry file.
func (e *Engine) CompileDocument(ctx context.Context) (int, error) {
	return e.bridge.callStatus(ctx, "compile_latex", e.bridge.compileLatex)
}

// CompileFormat builds the format file.
func (e *Engine) CompileFormat(ctx context.Context) (int, error) {
	return e.bridge.callStatus(ctx, "compile_format", e.bridge.compileFormat)
}

// CompileBibliography runs the bibliography pass.
func (e *Engine) CompileBibliography(ctx context.Context) (int, error) {
	return e.bridge.callStatus(ctx, "compile_bibtex", e.bridge.compileBibtex)
}

// Chdir changes the engine's working directory.
func (e *Engine) Chdir(ctx context.Context, dir string) error {
	ptr, err := e.bridge.allocString(ctx, dir)
	if err != nil {
		return engine.NewAbortError("chdir", err)
	}
	status, err := e.bridge.callStatus(ctx, "chdir", e.bridge.chdir, api.EncodeU32(ptr))
	if err != nil {
		return err
	}
	if status != engine.StatusOK {
		return fmt.Errorf("chdir(%q) returned status %d", dir, status)
	}
	return nil
}

// CloseFiles closes every handle opened since the baseline.
func (e *Engine) CloseFiles() error {
	closed, err := e.handles.CloseUnpinned()
	if closed > 0 {
		e.logger.Debugf("closed %d leaked engine handles", closed)
	}
	if err != nil {
		return fmt.Errorf("closing engine handles: %w", err)
	}
	return nil
}

// Handles returns the engine's handle table.
func (e *Engine) Handles() *HandleTable {
	return e.handles
}

// Memory returns the engine's linear memory.
func (e *Engine) Memory() session.Memory {
	return e.bridge.memory
}

// Globals returns the checkpointed globals.
func (e *Engine) Globals() session.Globals {
	return e.globals
}

// Close releases the module and the runtime.
func (e *Engine) Close(ctx context.Context) error {
	if e.module != nil {
		if err := e.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM module: %w", err)
		}
	}
	if e.runtime != nil {
		if err := e.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM runtime: %w", err)
		}
	}
	return nil
}
