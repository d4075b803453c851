// Package diagnostics buffers the engine's log for the current job and
// streams individual diagnostics to the controller while the job runs.
package diagnostics
