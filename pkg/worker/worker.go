package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/texsandbox/texsandbox/pkg/diagnostics"
	"github.com/texsandbox/texsandbox/pkg/engine"
	"github.com/texsandbox/texsandbox/pkg/session"
	"github.com/texsandbox/texsandbox/pkg/telemetry"
	"github.com/texsandbox/texsandbox/pkg/vfs"
)

const (
	// DefaultEntryFile is compiled until setmainfile names another document.
	DefaultEntryFile = "main.tex"

	// DefaultFormatFile is the artifact of a format job, relative to the work root.
	DefaultFormatFile = "pdflatex.fmt"
)

var (
	// ErrBusy is returned when a command arrives while a job is in progress.
	ErrBusy = errors.New("worker is busy")

	// ErrFaulted is returned once the engine aborted; the worker must be restarted.
	ErrFaulted = errors.New("engine faulted")
)

// State is the lifecycle state of a worker.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRunning
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Resolver is the part of the resource resolver the worker controls.
// *resolver.Resolver satisfies it.
type Resolver interface {
	SetEndpoint(url string)
	Flush()
}

// Config contains job settings.
type Config struct {
	// EntryFile is the initial document, relative to the work root.
	EntryFile string

	// FormatFile is read back after a format job, relative to the work root.
	FormatFile string

	// RunBibliography runs the bibliography pass after a successful document compile.
	RunBibliography bool

	// VerifyRestore compares the memory with the baseline after every restore.
	// A mismatch faults the worker.
	VerifyRestore bool

	// MaxMessageSize bounds one protocol line read by Serve. Longer lines are
	// answered with BAD_MESSAGE. Zero keeps protocol.MaxMessageSize.
	MaxMessageSize int

	// EngineClass and Version are reported in the READY message.
	EngineClass string
	Version     string
}

// DefaultConfig returns the default job settings.
func DefaultConfig() Config {
	return Config{
		EntryFile:       DefaultEntryFile,
		FormatFile:      DefaultFormatFile,
		RunBibliography: true,
		EngineClass:     "pdftex",
		Version:         "dev",
	}
}

// Options contains the collaborators of a worker.
type Options struct {
	Config Config

	Engine    engine.Engine
	Namespace *vfs.Namespace
	Resolver  Resolver
	Sink      *diagnostics.Sink

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Worker drives jobs through one long-lived engine. Every job starts from
// the baseline captured after the engine's cold start.
type Worker struct {
	cfg      Config
	engine   engine.Engine
	session  *session.Manager
	ns       *vfs.Namespace
	resolver Resolver
	sink     *diagnostics.Sink

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu    sync.Mutex
	state State
	entry string
}

// New creates a worker. Start must be called before the first job.
func New(opts Options) (*Worker, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Namespace == nil {
		return nil, fmt.Errorf("namespace is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("diagnostics sink is required")
	}

	cfg := opts.Config
	defaults := DefaultConfig()
	if cfg.EntryFile == "" {
		cfg.EntryFile = defaults.EntryFile
	}
	if cfg.FormatFile == "" {
		cfg.FormatFile = defaults.FormatFile
	}
	if cfg.EngineClass == "" {
		cfg.EngineClass = defaults.EngineClass
	}
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &Worker{
		cfg:      cfg,
		engine:   opts.Engine,
		session:  session.NewManager(opts.Engine),
		ns:       opts.Namespace,
		resolver: opts.Resolver,
		sink:     opts.Sink,
		logger:   logger.NewComponentLogger("worker"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		entry:    cfg.EntryFile,
	}, nil
}

// Start performs the engine's cold start and captures the baseline. When
// the cold start fails the worker keeps serving from the engine's current
// state without a baseline; an engine abort leaves it faulted.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.ns.Init(); err != nil {
		return fmt.Errorf("failed to create namespace roots: %w", err)
	}

	w.resetWork()

	if err := w.engine.Initialize(ctx); err != nil {
		if engine.IsFatal(err) {
			w.fault(err)
			return fmt.Errorf("engine cold start: %w", err)
		}
		w.logger.WithError(err).Warn("engine cold start failed, serving without baseline")
		return nil
	}

	baseline, err := w.session.CaptureBaseline(ctx)
	if err != nil {
		if errors.Is(err, session.ErrBaselineExists) {
			w.logger.Warn("baseline already captured, keeping the first one")
			return nil
		}
		w.logger.WithError(err).Warn("failed to capture baseline, jobs will not be isolated")
		return nil
	}

	w.metrics.SetBaselineBytes(baseline.Size())
	w.logger.Infof("baseline captured: %d bytes of memory, %d globals", baseline.Size(), len(baseline.Globals))
	return nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Faulted reports whether the engine aborted.
func (w *Worker) Faulted() bool {
	return w.State() == StateFaulted
}

// Baseline returns the baseline snapshot, or nil before a successful Start.
func (w *Worker) Baseline() *session.Checkpoint {
	return w.session.Baseline()
}

// EntryFile returns the document compiled by the next document job.
func (w *Worker) EntryFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entry
}

// Sink returns the diagnostics sink.
func (w *Worker) Sink() *diagnostics.Sink {
	return w.sink
}

// acquire moves an idle worker into next.
func (w *Worker) acquire(next State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateIdle:
		w.state = next
		return nil
	case StateFaulted:
		return ErrFaulted
	default:
		return ErrBusy
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateFaulted {
		w.state = s
	}
}

// release returns the worker to Idle unless it faulted.
func (w *Worker) release() {
	w.setState(StateIdle)
}

// fault records an engine abort. The worker stays faulted for good.
func (w *Worker) fault(err error) {
	w.mu.Lock()
	w.state = StateFaulted
	w.mu.Unlock()

	w.sink.AppendRaw("Engine crashed")
	w.metrics.RecordEngineFault()
	w.metrics.RecordError(string(engine.ErrorClassFatal), engine.CodeOf(err))
	w.logger.WithError(err).Error("engine aborted, worker is faulted")
}
