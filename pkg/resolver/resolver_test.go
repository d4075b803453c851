package resolver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"

	"github.com/texsandbox/texsandbox/pkg/telemetry"
	"github.com/texsandbox/texsandbox/pkg/vfs"
)

// fakeOrigin serves canned answers keyed by URL path and counts requests.
type fakeOrigin struct {
	mu       sync.Mutex
	requests map[string]int
	server   *httptest.Server
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{requests: make(map[string]int)}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.requests[r.URL.Path]++
		o.mu.Unlock()

		switch r.URL.Path {
		case "/pdftex/10/article.cls":
			w.Header().Set("fileid", "article.cls")
			w.Write([]byte("% article class"))
		case "/pdftex/pk/600/cmr10":
			w.Header().Set("pkid", "cmr10.600pk")
			w.Write([]byte("pk bytes"))
		case "/pdftex/26/missing.sty", "/pdftex/pk/600/nofont":
			w.Header().Set("Location", "/elsewhere")
			w.WriteHeader(http.StatusMovedPermanently)
		case "/pdftex/10/noid.cls":
			w.Write([]byte("no id header"))
		case "/pdftex/10/badid.cls":
			w.Header().Set("fileid", "../escape")
			w.Write([]byte("x"))
		case "/pdftex/10/flaky.cls":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *fakeOrigin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[path]
}

func (o *fakeOrigin) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.requests {
		n += c
	}
	return n
}

type recordingEmitter struct {
	mu    sync.Mutex
	lines []string
}

func (e *recordingEmitter) Emit(level, text string) {
	e.mu.Lock()
	e.lines = append(e.lines, level+": "+text)
	e.mu.Unlock()
}

func (e *recordingEmitter) joined() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.lines, "\n")
}

type fixture struct {
	resolver *Resolver
	origin   *fakeOrigin
	ns       *vfs.Namespace
	emitter  *recordingEmitter
	metrics  *telemetry.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	origin := newFakeOrigin(t)
	base := t.TempDir()
	ns := vfs.New(
		vfs.Root{Host: filepath.Join(base, "tex"), Guest: vfs.DefaultCacheMount},
		vfs.Root{Host: filepath.Join(base, "work"), Guest: vfs.DefaultWorkMount},
		nil,
	)
	if err := ns.Init(); err != nil {
		t.Fatal(err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Namespace: "test"})
	if err != nil {
		t.Fatal(err)
	}
	emitter := &recordingEmitter{}

	r := New(Options{
		Endpoint:    origin.server.URL,
		EngineClass: "pdftex",
		Origin:      NewHTTPOrigin(HTTPOriginConfig{Timeout: 5 * time.Second}),
		Cache:       ns,
		Emitter:     emitter,
		Metrics:     metrics,
	})
	return &fixture{resolver: r, origin: origin, ns: ns, emitter: emitter, metrics: metrics}
}

func TestResolveNamedFetchesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		guest, ok := f.resolver.ResolveNamed(ctx, "article.cls", 10, true)
		if !ok {
			t.Fatalf("lookup %d: expected article.cls to resolve", i)
		}
		if guest != "/tex/article.cls" {
			t.Errorf("Expected guest path /tex/article.cls, got %s", guest)
		}
	}

	if n := f.origin.count("/pdftex/10/article.cls"); n != 1 {
		t.Errorf("Expected exactly 1 origin request, got %d", n)
	}

	data, err := os.ReadFile(filepath.Join(f.ns.Cache().Host, "article.cls"))
	if err != nil {
		t.Fatalf("cache entry not written: %v", err)
	}
	if string(data) != "% article class" {
		t.Errorf("unexpected cache content %q", data)
	}

	if got := testutil.ToFloat64(f.metrics.LookupCounter("named", outcomeHit)); got != 2 {
		t.Errorf("Expected 2 hits, got %v", got)
	}

	if !strings.Contains(f.emitter.joined(), "info: Start downloading texlive file "+f.origin.server.URL+"/pdftex/10/article.cls") {
		t.Errorf("missing download diagnostic: %s", f.emitter.joined())
	}
}

func TestResolveBitmap(t *testing.T) {
	f := newFixture(t)

	guest, ok := f.resolver.ResolveBitmap(context.Background(), "cmr10", 600)
	if !ok || guest != "/tex/cmr10.600pk" {
		t.Fatalf("ResolveBitmap() = %q, %v", guest, ok)
	}

	// Same name as a named lookup must not share the table.
	if _, ok := f.resolver.ResolveNamed(context.Background(), "cmr10", 600, false); ok {
		t.Error("named lookup must not be served from the bitmap table")
	}
}

func TestMovedPermanentlyIsMemoized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, ok := f.resolver.ResolveNamed(ctx, "missing.sty", 26, false); ok {
			t.Fatal("Expected missing.sty to be not found")
		}
		if _, ok := f.resolver.ResolveBitmap(ctx, "nofont", 600); ok {
			t.Fatal("Expected nofont to be not found")
		}
	}

	if n := f.origin.count("/pdftex/26/missing.sty"); n != 1 {
		t.Errorf("Expected 1 request for missing.sty, got %d", n)
	}
	if n := f.origin.count("/pdftex/pk/600/nofont"); n != 1 {
		t.Errorf("Expected 1 request for nofont, got %d", n)
	}
	if !strings.Contains(f.emitter.joined(), "TexLive File not exists") {
		t.Errorf("missing not-exists diagnostic: %s", f.emitter.joined())
	}

	stats := f.resolver.Stats()
	if stats.NamedMissing != 1 || stats.BitmapMissing != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestSeparatorNamesNeverFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"sub/article.cls", "/abs.sty", `win\path.tex`} {
		if _, ok := f.resolver.ResolveNamed(ctx, name, 10, true); ok {
			t.Errorf("ResolveNamed(%q) unexpectedly found", name)
		}
		if _, ok := f.resolver.ResolveBitmap(ctx, name, 600); ok {
			t.Errorf("ResolveBitmap(%q) unexpectedly found", name)
		}
	}

	if n := f.origin.total(); n != 0 {
		t.Errorf("Expected no origin requests, got %d", n)
	}
}

func TestFailuresAreNotMemoized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		path string
	}{
		{"noid.cls", "/pdftex/10/noid.cls"},
		{"badid.cls", "/pdftex/10/badid.cls"},
		{"flaky.cls", "/pdftex/10/flaky.cls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 2; i++ {
				if _, ok := f.resolver.ResolveNamed(ctx, tt.name, 10, true); ok {
					t.Fatal("Expected not found")
				}
			}
			if n := f.origin.count(tt.path); n != 2 {
				t.Errorf("Expected 2 requests (no memo), got %d", n)
			}
		})
	}

	stats := f.resolver.Stats()
	if stats.NamedFound != 0 || stats.NamedMissing != 0 {
		t.Errorf("failures must not be memoized, stats %+v", stats)
	}
	if !strings.Contains(f.emitter.joined(), "error: Invalid fileid") {
		t.Errorf("missing invalid id diagnostic: %s", f.emitter.joined())
	}
}

func TestTransportFailure(t *testing.T) {
	f := newFixture(t)
	f.origin.server.Close()

	for i := 0; i < 2; i++ {
		if _, ok := f.resolver.ResolveNamed(context.Background(), "article.cls", 10, true); ok {
			t.Fatal("Expected not found on transport failure")
		}
	}

	if got := testutil.ToFloat64(f.metrics.LookupCounter("named", outcomeFailed)); got != 2 {
		t.Errorf("Expected 2 failed lookups (not memoized), got %v", got)
	}
	if !strings.Contains(f.emitter.joined(), "TexLive Download Failed") {
		t.Errorf("missing download failure diagnostic: %s", f.emitter.joined())
	}
}

func TestFetchLogsCarryJobContext(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	jobLogger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "debug", Format: "json"}, &buf).WithJobID("job-7")

	traceID := trace.TraceID{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(jobLogger.WithContext(context.Background()), spanCtx)

	if _, ok := f.resolver.ResolveNamed(ctx, "flaky.cls", 10, true); ok {
		t.Fatal("Expected flaky.cls to fail")
	}

	out := buf.String()
	for _, want := range []string{
		"origin answered 503",
		`"job_id":"job-7"`,
		`"trace_id":"` + traceID.String() + `"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}

	// Without a job logger the resolver's own logger is used.
	buf.Reset()
	if _, ok := f.resolver.ResolveNamed(context.Background(), "flaky.cls", 10, true); ok {
		t.Fatal("Expected flaky.cls to fail")
	}
	if buf.Len() != 0 {
		t.Errorf("Expected nothing on the job logger, got %s", buf.String())
	}
}

func TestFlushForcesRefetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.resolver.ResolveNamed(ctx, "article.cls", 10, true)
	f.resolver.ResolveNamed(ctx, "missing.sty", 26, false)
	f.resolver.ResolveBitmap(ctx, "cmr10", 600)

	f.resolver.Flush()
	if stats := f.resolver.Stats(); stats != (Stats{}) {
		t.Errorf("Expected empty tables after flush, got %+v", stats)
	}

	f.resolver.ResolveNamed(ctx, "article.cls", 10, true)
	f.resolver.ResolveNamed(ctx, "missing.sty", 26, false)
	f.resolver.ResolveBitmap(ctx, "cmr10", 600)

	for _, path := range []string{"/pdftex/10/article.cls", "/pdftex/26/missing.sty", "/pdftex/pk/600/cmr10"} {
		if n := f.origin.count(path); n != 2 {
			t.Errorf("%s: expected 2 requests across flush, got %d", path, n)
		}
	}
}

func TestSetEndpoint(t *testing.T) {
	r := New(Options{})

	if r.Endpoint() != DefaultEndpoint {
		t.Errorf("Expected default endpoint, got %s", r.Endpoint())
	}

	tests := []struct {
		in   string
		want string
	}{
		{"https://mirror.example.org/texlive", "https://mirror.example.org/texlive/"},
		{"https://mirror.example.org/", "https://mirror.example.org/"},
		{"", "https://mirror.example.org/"},
	}
	for _, tt := range tests {
		r.SetEndpoint(tt.in)
		if got := r.Endpoint(); got != tt.want {
			t.Errorf("SetEndpoint(%q): endpoint = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHTTPOriginTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	origin := NewHTTPOrigin(HTTPOriginConfig{Timeout: 50 * time.Millisecond})
	_, err := origin.Fetch(context.Background(), Request{URL: server.URL + "/slow"})
	if err == nil {
		t.Fatal("Expected timeout error")
	}
}

func TestHTTPOriginRateLimitRespectsContext(t *testing.T) {
	origin := NewHTTPOrigin(HTTPOriginConfig{RequestsPerSecond: 0.001, Burst: 1})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	if _, err := origin.Fetch(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("first request should pass the limiter: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := origin.Fetch(ctx, Request{URL: server.URL})
	if err == nil {
		t.Fatal("Expected the limiter to reject the second request")
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("unexpected cancellation error: %v", err)
	}
}
