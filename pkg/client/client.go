// Package client provides a client library for driving a texsandbox worker.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/texsandbox/texsandbox/pkg/protocol"
	"github.com/texsandbox/texsandbox/pkg/telemetry"
)

// ErrWorkerExited is returned when the worker sent EXIT instead of answering.
var ErrWorkerExited = errors.New("worker exited")

// CommandError is an ERROR message received in response to a command.
type CommandError struct {
	CommandID string
	Code      string
	Message   string
	Retryable bool
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %s - %s", e.CommandID, e.Code, e.Message)
}

// IsBusy reports whether err means the worker was running another job.
func IsBusy(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == protocol.CodeBusy
}

// Client manages communication with one worker. Commands are serialized:
// at most one is in flight.
type Client struct {
	transport      Transport
	startupTimeout time.Duration
	maxMessageSize int
	onEvent        func(*protocol.EventMessage)
	logger         *telemetry.Logger

	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage
	exit    *protocol.ExitMessage
	mu      sync.Mutex
	closed  bool
	// aborted is set once a wait was cut short; the stream position is lost.
	aborted error
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	StartupTimeout time.Duration
	// MaxMessageSize bounds one line read from the worker; 0 keeps
	// protocol.MaxMessageSize. Artifacts travel inside RESULT lines.
	MaxMessageSize int
	// OnEvent receives every EVENT while a command runs.
	OnEvent func(*protocol.EventMessage)
	Logger  *telemetry.Logger
}

// NewClient creates a new worker client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &Client{
		transport:      cfg.Transport,
		startupTimeout: cfg.StartupTimeout,
		maxMessageSize: cfg.MaxMessageSize,
		onEvent:        cfg.OnEvent,
		logger:         logger.NewComponentLogger("client"),
	}, nil
}

// Start starts the worker and waits for its READY message.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	stdin, stdout, err := c.transport.Execute(ctx)
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	c.stdin = stdin
	c.stdout = &onceCloser{ReadCloser: stdout}
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout, protocol.WithMaxMessageSize(c.maxMessageSize))

	readyCtx, cancel := context.WithTimeout(ctx, c.startupTimeout)
	defer cancel()

	stop := c.watch(readyCtx)
	msg, err := c.decoder.Decode()
	if !stop() {
		c.aborted = fmt.Errorf("timeout waiting for READY message: %w", readyCtx.Err())
		return c.aborted
	}
	if err != nil {
		return fmt.Errorf("failed to receive READY: %w", err)
	}
	if msg.Type != protocol.MessageTypeReady {
		return fmt.Errorf("failed to receive READY: expected READY, got %s", msg.Type)
	}

	var ready protocol.ReadyMessage
	if err := msg.DecodeData(&ready); err != nil {
		return fmt.Errorf("failed to receive READY: %w", err)
	}
	c.ready = &ready
	c.logger.Debugf("worker ready: engine %s, baseline %v", ready.EngineClass, ready.Baseline)
	return nil
}

// Execute sends a command and waits for its RESULT. Events are passed to
// the OnEvent callback as they arrive. If ctx ends first the worker's stdout
// is closed and every later command fails.
func (c *Client) Execute(ctx context.Context, cmd protocol.CommandType, params interface{}) (*protocol.ResultMessage, error) {
	msg, err := c.newCommand(cmd, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(msg); err != nil {
		return nil, err
	}

	stop := c.watch(ctx)
	defer stop()

	for {
		reply, err := c.receive(ctx)
		if err != nil {
			return nil, err
		}

		switch reply.Type {
		case protocol.MessageTypeEvent:
			c.handleEvent(reply)

		case protocol.MessageTypeResult:
			var result protocol.ResultMessage
			if err := reply.DecodeData(&result); err != nil {
				return nil, fmt.Errorf("failed to parse result: %w", err)
			}
			if result.CommandID != msg.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", msg.ID, result.CommandID)
			}
			return &result, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := reply.DecodeData(&errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != msg.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", msg.ID, errMsg.CommandID)
			}
			return nil, &CommandError{
				CommandID: msg.ID,
				Code:      errMsg.Code,
				Message:   errMsg.Message,
				Retryable: errMsg.Retryable,
			}

		case protocol.MessageTypeExit:
			c.recordExit(reply)
			return nil, fmt.Errorf("%w: %s", ErrWorkerExited, c.exit.Reason)

		default:
			return nil, fmt.Errorf("unexpected message type: %s", reply.Type)
		}
	}
}

// CompileLatex compiles the main file.
func (c *Client) CompileLatex(ctx context.Context) (*protocol.ResultMessage, error) {
	return c.Execute(ctx, protocol.CommandCompileLatex, nil)
}

// CompileFormat builds the format file.
func (c *Client) CompileFormat(ctx context.Context) (*protocol.ResultMessage, error) {
	return c.Execute(ctx, protocol.CommandCompileFormat, nil)
}

// SetTexliveURL points the worker at another origin.
func (c *Client) SetTexliveURL(ctx context.Context, url string) error {
	return c.expectOK(c.Execute(ctx, protocol.CommandSetTexliveURL, &protocol.SetTexliveURLParams{URL: url}))
}

// Mkdir creates a directory in the worker's work root.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	return c.expectOK(c.Execute(ctx, protocol.CommandMkdir, &protocol.MkdirParams{Path: path}))
}

// WriteFile writes a file in the worker's work root.
func (c *Client) WriteFile(ctx context.Context, path string, content []byte) error {
	return c.expectOK(c.Execute(ctx, protocol.CommandWriteFile, &protocol.WriteFileParams{Path: path, Content: content}))
}

// SetMainFile selects the document compiled by CompileLatex.
func (c *Client) SetMainFile(ctx context.Context, name string) error {
	return c.expectOK(c.Execute(ctx, protocol.CommandSetMainFile, &protocol.SetMainFileParams{Name: name}))
}

// FlushCache drops the worker's resource cache.
func (c *Client) FlushCache(ctx context.Context) error {
	return c.expectOK(c.Execute(ctx, protocol.CommandFlushCache, nil))
}

// Grace asks the worker to shut down and waits for its EXIT message or the
// end of ctx.
func (c *Client) Grace(ctx context.Context) (*protocol.ExitMessage, error) {
	msg, err := c.newCommand(protocol.CommandGrace, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(msg); err != nil {
		return nil, err
	}

	stop := c.watch(ctx)
	defer stop()

	for {
		reply, err := c.receive(ctx)
		if err != nil {
			return nil, err
		}
		switch reply.Type {
		case protocol.MessageTypeEvent:
			c.handleEvent(reply)
		case protocol.MessageTypeExit:
			c.recordExit(reply)
			return c.exit, nil
		default:
			return nil, fmt.Errorf("unexpected message type: %s", reply.Type)
		}
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Exit returns the EXIT message, if the worker sent one.
func (c *Client) Exit() *protocol.ExitMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// Close closes the worker streams and releases the transport.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	var errs []error

	// Closing stdin makes the worker leave its loop.
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}

	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}

	if err := c.transport.Cleanup(ctx); err != nil {
		c.logger.WithError(err).Debug("transport cleanup failed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

func (c *Client) newCommand(cmd protocol.CommandType, params interface{}) (*protocol.CommandMessage, error) {
	msg := &protocol.CommandMessage{
		ID:  uuid.NewString(),
		Cmd: cmd,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// send writes a command. The caller holds c.mu.
func (c *Client) send(msg *protocol.CommandMessage) error {
	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.encoder == nil {
		return fmt.Errorf("client is not started")
	}
	if c.aborted != nil {
		return fmt.Errorf("client is unusable: %w", c.aborted)
	}
	if c.exit != nil {
		return fmt.Errorf("%w: %s", ErrWorkerExited, c.exit.Reason)
	}
	if err := c.encoder.EncodeCommand(msg); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return nil
}

// watch closes the worker's stdout once ctx is done, which unblocks a
// pending Decode. Call the returned func when the wait is over.
func (c *Client) watch(ctx context.Context) func() bool {
	stdout := c.stdout
	return context.AfterFunc(ctx, func() {
		_ = stdout.Close()
	})
}

// receive reads the next message. The caller holds c.mu and watches ctx.
func (c *Client) receive(ctx context.Context) (*protocol.Message, error) {
	reply, err := c.decoder.Decode()
	if err == nil {
		return reply, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.aborted = ctxErr
		return nil, fmt.Errorf("waiting for response: %w", ctxErr)
	}
	return nil, fmt.Errorf("failed to read response: %w", err)
}

func (c *Client) handleEvent(msg *protocol.Message) {
	var event protocol.EventMessage
	if err := msg.DecodeData(&event); err != nil {
		c.logger.WithError(err).Warn("discarding undecodable event")
		return
	}
	if c.onEvent != nil {
		c.onEvent(&event)
	}
}

func (c *Client) recordExit(msg *protocol.Message) {
	var exit protocol.ExitMessage
	if err := msg.DecodeData(&exit); err != nil {
		exit.Reason = "unknown"
	}
	c.exit = &exit
}

func (c *Client) expectOK(result *protocol.ResultMessage, err error) error {
	if err != nil {
		return err
	}
	if !result.OK() {
		if result.Log != "" {
			return fmt.Errorf("command %s failed: %s", result.CommandID, result.Log)
		}
		return fmt.Errorf("command %s failed with status %d", result.CommandID, result.Status)
	}
	return nil
}

// onceCloser lets a wait and Close both close the worker's stdout.
type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.ReadCloser.Close() })
	return o.err
}
