// Package vfs manages the private filesystem namespace of the engine.
//
// The namespace has two roots. The cache root is flat and holds resources
// fetched from the origin, keyed by the id the origin assigned. The work root
// holds the files of the current job and is wiped before every job. Both are
// host directories mounted into the engine at fixed guest paths.
package vfs
