package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/texsandbox/texsandbox/pkg/engine"
	"github.com/texsandbox/texsandbox/pkg/session"
	"github.com/texsandbox/texsandbox/pkg/telemetry"
)

type fakeMemory struct {
	buf []byte

	// dropWrites makes Write report success without storing anything.
	dropWrites bool
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.buf)) }

func (m *fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset:end], true
}

func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(m.buf)) {
		return false
	}
	if m.dropWrites {
		return true
	}
	copy(m.buf[offset:], v)
	return true
}

type fakeGlobals map[string]uint64

func (g fakeGlobals) Names() []string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g fakeGlobals) Get(name string) (uint64, bool) {
	v, ok := g[name]
	return v, ok
}

func (g fakeGlobals) Set(name string, value uint64) error {
	if _, ok := g[name]; !ok {
		return fmt.Errorf("unknown global %s", name)
	}
	g[name] = value
	return nil
}

// fakeEngine counts compiles in memory byte 0 and lowers the stack pointer
// global, so restores are observable. On success it writes the artifact
// into the work root.
type fakeEngine struct {
	mu sync.Mutex

	mem     *fakeMemory
	globals fakeGlobals

	workHost string
	stderr   io.Writer

	initErr  error
	status   int
	artifact bool
	abortOp  string

	started chan struct{}
	block   chan struct{}

	entry      string
	cwd        string
	compiles   int
	seen       []byte
	sawFiles   [][]string
	bibCalls   int
	closeFiles int
	jobLogger  *telemetry.Logger
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		mem:      &fakeMemory{buf: make([]byte, 64)},
		globals:  fakeGlobals{"__stack_pointer": 4096},
		artifact: true,
	}
}

var _ engine.Engine = (*fakeEngine)(nil)

func (e *fakeEngine) Initialize(ctx context.Context) error {
	if e.initErr != nil {
		return e.initErr
	}
	// Cold start leaves a recognizable pattern behind.
	for i := 1; i < len(e.mem.buf); i++ {
		e.mem.buf[i] = byte(i)
	}
	return nil
}

func (e *fakeEngine) SetEntryFile(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entry = name
	return nil
}

func (e *fakeEngine) run(op, artifact string) (int, error) {
	e.mu.Lock()
	e.compiles++
	e.seen = append(e.seen, e.mem.buf[0])
	e.mem.buf[0]++
	e.mem.buf[1] = 0xff
	e.globals["__stack_pointer"] -= 16

	var names []string
	entries, _ := os.ReadDir(e.workHost)
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	e.sawFiles = append(e.sawFiles, names)
	status, writeArtifact, abort := e.status, e.artifact, e.abortOp == op
	started, block := e.started, e.block
	e.mu.Unlock()

	if e.stderr != nil {
		fmt.Fprintf(e.stderr, "This is pdfTeX, entering %s\n", op)
	}

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}

	if abort {
		return engine.StatusEngineCrashed, engine.NewAbortError(op, errors.New("wasm error: unreachable"))
	}
	if status == engine.StatusOK && writeArtifact {
		if err := os.WriteFile(filepath.Join(e.workHost, artifact), []byte("%PDF-1.5 "+op), 0o644); err != nil {
			return 0, err
		}
	}
	return status, nil
}

func (e *fakeEngine) CompileDocument(ctx context.Context) (int, error) {
	e.mu.Lock()
	entry := e.entry
	e.jobLogger = telemetry.FromContextOr(ctx, nil)
	e.mu.Unlock()
	return e.run("compile_latex", ArtifactName(entry))
}

func (e *fakeEngine) CompileFormat(ctx context.Context) (int, error) {
	return e.run("compile_format", DefaultFormatFile)
}

func (e *fakeEngine) CompileBibliography(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bibCalls++
	if e.abortOp == "compile_bibtex" {
		return engine.StatusEngineCrashed, engine.NewAbortError("compile_bibtex", errors.New("exit status 3"))
	}
	return 0, nil
}

func (e *fakeEngine) Chdir(ctx context.Context, dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cwd = dir
	return nil
}

func (e *fakeEngine) CloseFiles() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeFiles++
	return nil
}

func (e *fakeEngine) Memory() session.Memory   { return e.mem }
func (e *fakeEngine) Globals() session.Globals { return e.globals }
func (e *fakeEngine) Close(ctx context.Context) error {
	return nil
}

type fakeResolver struct {
	mu       sync.Mutex
	endpoint string
	flushes  int
}

func (r *fakeResolver) SetEndpoint(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoint = url
}

func (r *fakeResolver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}
