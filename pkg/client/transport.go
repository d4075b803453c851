package client

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Transport starts a worker and returns its protocol streams.
type Transport interface {
	// Execute starts the worker and returns its stdin and stdout.
	Execute(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup releases the worker once its streams are closed.
	Cleanup(ctx context.Context) error
}

// ProcessTransport runs the worker as a child process.
type ProcessTransport struct {
	// Path is the worker binary.
	Path string
	// Args are passed to the binary, e.g. "serve --config worker.yaml".
	Args []string
	// Env is the environment of the child; nil inherits the current one.
	Env []string
	// Stderr receives the worker's logs; nil discards them.
	Stderr io.Writer

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Execute starts the worker process.
func (t *ProcessTransport) Execute(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil, nil, fmt.Errorf("worker process already started")
	}

	cmd := exec.CommandContext(ctx, t.Path, t.Args...)
	cmd.Env = t.Env
	cmd.Stderr = t.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", t.Path, err)
	}
	t.cmd = cmd
	return stdin, stdout, nil
}

// Cleanup waits for the worker process to exit.
func (t *ProcessTransport) Cleanup(ctx context.Context) error {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("worker exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}

// PipeTransport connects to a worker that is already running, e.g. in the
// same process.
type PipeTransport struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
}

// Execute returns the configured streams.
func (t *PipeTransport) Execute(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if t.Stdin == nil || t.Stdout == nil {
		return nil, nil, fmt.Errorf("pipe transport requires both streams")
	}
	return t.Stdin, t.Stdout, nil
}

// Cleanup does nothing; the streams are closed by the client.
func (t *PipeTransport) Cleanup(ctx context.Context) error {
	return nil
}
