// Package worker runs compile jobs through one long-lived engine.
//
// A Worker moves through Idle, Preparing and Running for every compile job:
// the engine memory is restored from the baseline captured after its cold
// start, leaked file handles are closed, the engine is pointed at the work
// root and the entry file is compiled. The artifact is read back from the
// work root, which is wiped once the job ends. An engine abort leaves the
// worker Faulted for good.
//
// Serve speaks the protocol package over a pair of streams, one command at
// a time, streaming diagnostics as EVENT messages.
package worker
