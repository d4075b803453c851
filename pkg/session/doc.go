// Package session checkpoints the working memory of the compilation engine.
//
// A Checkpoint is a versioned copy of the engine's linear memory plus the
// mutable globals that belong to its state (typically the stack pointer).
// The Manager captures one baseline right after the engine's cold start and
// restores it before every job, so each job observes a freshly started engine
// without paying the start-up cost again.
//
// Restoring only overwrites the captured prefix of the memory. Linear memory
// can grow during a job but never shrinks, and the allocator state that lives
// inside the restored prefix makes the tail unreachable again.
package session
