// Package engine defines how the sandbox talks to the compilation engine.
//
// The engine is an opaque, single-threaded program that owns a linear memory
// and a set of file handles. The worker drives it through the Engine
// interface and serves its resource lookups through Hooks:
//
//	worker ──► Engine.CompileDocument ──► guest code
//	                                        │
//	           Hooks.ResolveNamed ◄─────────┘ (blocking, any number of times)
//
// Compile calls return the engine's own status code. StatusArtifactMissing
// and StatusEngineCrashed are synthesized by the host and never produced by
// the guest.
//
// # Errors
//
// Failures are classified with Error:
//
//   - transient: the remote origin was unreachable
//   - permanent: the request was invalid (bad path, unknown command)
//   - fatal: the engine aborted and the process must be restarted
//
// The wasm subpackage provides the wazero-backed implementation.
package engine
