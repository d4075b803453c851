package wasm

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/texsandbox/texsandbox/pkg/engine"
)

// maxCStringLen bounds strings read from guest memory.
const maxCStringLen = 4096

// bridge holds the guest exports the host calls.
type bridge struct {
	module api.Module

	// memory provides access to the guest's linear memory.
	memory api.Memory

	// malloc allocates guest memory; it is also called re-entrantly from host imports.
	malloc api.Function

	setMainEntry  api.Function
	compileLatex  api.Function
	compileFormat api.Function
	compileBibtex api.Function
	chdir         api.Function

	// initialize is the reactor entry point, optional.
	initialize api.Function

	// engineInit performs the engine's cold start, optional.
	engineInit api.Function
}

// newBridge resolves the guest exports. All but _initialize and engine_init
// are required.
func newBridge(module api.Module) (*bridge, error) {
	b := &bridge{module: module}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	required := []struct {
		name string
		fn   *api.Function
	}{
		{"malloc", &b.malloc},
		{"set_main_entry", &b.setMainEntry},
		{"compile_latex", &b.compileLatex},
		{"compile_format", &b.compileFormat},
		{"compile_bibtex", &b.compileBibtex},
		{"chdir", &b.chdir},
	}
	for _, r := range required {
		*r.fn = module.ExportedFunction(r.name)
		if *r.fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", r.name)
		}
	}

	b.initialize = module.ExportedFunction("_initialize")
	b.engineInit = module.ExportedFunction("engine_init")

	return b, nil
}

// callStatus calls a guest function returning an i32 status. Any call error
// is an engine abort.
func (b *bridge) callStatus(ctx context.Context, name string, fn api.Function, params ...uint64) (int, error) {
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return engine.StatusEngineCrashed, engine.NewAbortError(name, err)
	}
	if len(results) == 0 {
		return engine.StatusEngineCrashed, engine.NewAbortError(name, fmt.Errorf("%s returned no results", name))
	}
	return int(api.DecodeI32(results[0])), nil
}

// allocString copies s into guest memory as a NUL-terminated string.
func (b *bridge) allocString(ctx context.Context, s string) (uint32, error) {
	size := uint32(len(s) + 1)
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}

	buf := make([]byte, size)
	copy(buf, s)
	if !b.memory.Write(ptr, buf) {
		return 0, fmt.Errorf("failed to write string to WASM memory at %d", ptr)
	}
	return ptr, nil
}

// readCString reads a NUL-terminated string from guest memory.
func readCString(mem api.Memory, ptr uint32) (string, bool) {
	if ptr == 0 {
		return "", false
	}
	size := mem.Size()
	if ptr >= size {
		return "", false
	}

	n := size - ptr
	if n > maxCStringLen {
		n = maxCStringLen
	}
	view, ok := mem.Read(ptr, n)
	if !ok {
		return "", false
	}

	end := bytes.IndexByte(view, 0)
	if end < 0 {
		return "", false
	}
	return string(view[:end]), true
}

// globalSet exposes the configured mutable globals of the guest.
type globalSet struct {
	mu      sync.Mutex
	module  api.Module
	names   []string
	missing []string
}

func newGlobalSet(module api.Module, names []string) *globalSet {
	g := &globalSet{module: module}
	for _, name := range names {
		if _, ok := module.ExportedGlobal(name).(api.MutableGlobal); ok {
			g.names = append(g.names, name)
		} else {
			g.missing = append(g.missing, name)
		}
	}
	return g
}

func (g *globalSet) Names() []string {
	return append([]string(nil), g.names...)
}

func (g *globalSet) Get(name string) (uint64, bool) {
	global := g.module.ExportedGlobal(name)
	if global == nil {
		return 0, false
	}
	return global.Get(), true
}

func (g *globalSet) Set(name string, value uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	global, ok := g.module.ExportedGlobal(name).(api.MutableGlobal)
	if !ok {
		return fmt.Errorf("global %s is not an exported mutable global", name)
	}
	global.Set(value)
	return nil
}
