package wasm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the import module the engine links its lookups against.
const hostModuleName = "env"

// registerHostFunctions exports the resource lookups the engine calls while
// compiling. Each returns a guest pointer to a NUL-terminated guest path, or
// 0 when the resource cannot be found.
func (e *Engine) registerHostFunctions(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, format, mustExist uint32) uint32 {
			name, ok := readCString(mod.Memory(), namePtr)
			if !ok {
				e.logger.Warnf("kpse_find_file_js: unreadable name at %d", namePtr)
				return 0
			}

			if e.hooks == nil {
				return 0
			}

			path, found := e.hooks.ResolveNamed(ctx, name, int(int32(format)), mustExist != 0)
			if !found {
				return 0
			}
			return e.returnPath(ctx, path)
		}).
		Export("kpse_find_file_js")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, dpi uint32) uint32 {
			name, ok := readCString(mod.Memory(), namePtr)
			if !ok {
				e.logger.Warnf("kpse_find_pk_js: unreadable name at %d", namePtr)
				return 0
			}

			if e.hooks == nil {
				return 0
			}

			path, found := e.hooks.ResolveBitmap(ctx, name, int(int32(dpi)))
			if !found {
				return 0
			}
			return e.returnPath(ctx, path)
		}).
		Export("kpse_find_pk_js")
}

// returnPath hands a path to the guest. The guest owns the allocation.
func (e *Engine) returnPath(ctx context.Context, path string) uint32 {
	if e.bridge == nil {
		return 0
	}
	ptr, err := e.bridge.allocString(ctx, path)
	if err != nil {
		e.logger.WithError(err).Warnf("returning %s to the engine", path)
		return 0
	}
	return ptr
}
