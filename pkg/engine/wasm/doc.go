// Package wasm hosts the compilation engine in a wazero runtime.
//
// The guest must export:
//
//	memory
//	malloc(size i32) i32
//	set_main_entry(name_ptr i32) i32
//	compile_latex() i32
//	compile_format() i32
//	compile_bibtex() i32
//	chdir(path_ptr i32) i32
//
// and may export _initialize and engine_init() i32, which Initialize calls
// in that order. The host module "env" provides the resource lookups:
//
//	kpse_find_file_js(name_ptr i32, format i32, must_exist i32) i32
//	kpse_find_pk_js(name_ptr i32, dpi i32) i32
//
// Both block until engine.Hooks answer and return a malloc'd NUL-terminated
// guest path, or 0.
//
// The cache and work roots are mounted through WASI. Every file the guest
// opens through them is tracked so CloseFiles can release what a job leaked.
package wasm
