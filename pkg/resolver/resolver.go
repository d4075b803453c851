package resolver

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/texsandbox/texsandbox/pkg/engine"
	"github.com/texsandbox/texsandbox/pkg/telemetry"
)

// DefaultEndpoint is the public origin the engine was built against.
const DefaultEndpoint = "https://texlive2.swiftlatex.com/"

// Class is a resource class. Each class has its own lookup tables.
type Class string

const (
	// ClassNamed covers files looked up by name and format number.
	ClassNamed Class = "named"

	// ClassBitmap covers bitmap fonts looked up by name and resolution.
	ClassBitmap Class = "bitmap"
)

// idHeader is the response header carrying the origin-assigned id.
func (c Class) idHeader() string {
	if c == ClassBitmap {
		return "pkid"
	}
	return "fileid"
}

// Lookup outcomes reported to metrics.
const (
	outcomeRejected   = "rejected"
	outcomeHit        = "hit"
	outcomeMissCached = "miss_cached"
	outcomeFetched    = "fetched"
	outcomeNotFound   = "not_found"
	outcomeFailed     = "failed"
)

// CacheStore maps origin ids to storage locations in the cache root.
// *vfs.Namespace satisfies it.
type CacheStore interface {
	CacheEntry(id string) (host, guest string, err error)
}

// Emitter receives resolver diagnostics.
type Emitter interface {
	Emit(level, text string)
}

// Options configures a Resolver.
type Options struct {
	// Endpoint is the origin base URL. Empty means DefaultEndpoint.
	Endpoint string

	// EngineClass is the first path segment of every origin URL.
	EngineClass string

	Origin  Origin
	Cache   CacheStore
	Emitter Emitter

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// lookupTable memoizes the outcome of lookups of one class.
type lookupTable struct {
	found   map[string]string
	missing map[string]struct{}
}

func newLookupTable() *lookupTable {
	return &lookupTable{
		found:   make(map[string]string),
		missing: make(map[string]struct{}),
	}
}

// Stats reports the sizes of the lookup tables.
type Stats struct {
	NamedFound    int `json:"named_found"`
	NamedMissing  int `json:"named_missing"`
	BitmapFound   int `json:"bitmap_found"`
	BitmapMissing int `json:"bitmap_missing"`
}

// Resolver locates resources for the engine: it answers from its lookup
// tables when it can and fetches from the origin otherwise. Hits and
// permanent misses are memoized until Flush.
type Resolver struct {
	mu       sync.Mutex
	endpoint string
	tables   map[Class]*lookupTable

	engineClass string
	origin      Origin
	cache       CacheStore
	emitter     Emitter
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
}

var _ engine.Hooks = (*Resolver)(nil)

// New creates a resolver.
func New(opts Options) *Resolver {
	r := &Resolver{
		engineClass: opts.EngineClass,
		origin:      opts.Origin,
		cache:       opts.Cache,
		emitter:     opts.Emitter,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
	}
	if r.engineClass == "" {
		r.engineClass = "pdftex"
	}
	if r.logger == nil {
		r.logger = telemetry.NewNopLogger()
	}
	r.endpoint = DefaultEndpoint
	r.SetEndpoint(opts.Endpoint)
	r.resetTables()
	return r
}

func (r *Resolver) resetTables() {
	r.tables = map[Class]*lookupTable{
		ClassNamed:  newLookupTable(),
		ClassBitmap: newLookupTable(),
	}
}

// SetEndpoint replaces the origin base URL. An empty url is ignored; a
// missing trailing slash is added.
func (r *Resolver) SetEndpoint(url string) {
	if url == "" {
		return
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	r.mu.Lock()
	r.endpoint = url
	r.mu.Unlock()
}

// Endpoint returns the current origin base URL.
func (r *Resolver) Endpoint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint
}

// Flush clears both lookup tables of both classes.
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.resetTables()
	r.mu.Unlock()
}

// Stats returns the current sizes of the lookup tables.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		NamedFound:    len(r.tables[ClassNamed].found),
		NamedMissing:  len(r.tables[ClassNamed].missing),
		BitmapFound:   len(r.tables[ClassBitmap].found),
		BitmapMissing: len(r.tables[ClassBitmap].missing),
	}
}

// ResolveNamed locates a named file. format is the engine's file format
// number; mustExist is accepted for interface compatibility and does not
// change the lookup.
func (r *Resolver) ResolveNamed(ctx context.Context, name string, format int, mustExist bool) (string, bool) {
	return r.resolve(ctx, ClassNamed, name, strconv.Itoa(format)+"/"+name, "")
}

// ResolveBitmap locates a bitmap font at the given resolution.
func (r *Resolver) ResolveBitmap(ctx context.Context, name string, dpi int) (string, bool) {
	return r.resolve(ctx, ClassBitmap, name, strconv.Itoa(dpi)+"/"+name, "pk/")
}

func (r *Resolver) resolve(ctx context.Context, class Class, name, key, urlPrefix string) (string, bool) {
	if strings.ContainsAny(name, `/\`) {
		r.metrics.RecordLookup(string(class), outcomeRejected)
		return "", false
	}

	r.mu.Lock()
	table := r.tables[class]
	if _, missing := table.missing[key]; missing {
		r.mu.Unlock()
		r.metrics.RecordLookup(string(class), outcomeMissCached)
		return "", false
	}
	if guest, found := table.found[key]; found {
		r.mu.Unlock()
		r.metrics.RecordLookup(string(class), outcomeHit)
		return guest, true
	}
	url := r.endpoint + r.engineClass + "/" + urlPrefix + key
	r.mu.Unlock()

	guest, outcome := r.fetch(ctx, class, name, key, url)
	r.metrics.RecordLookup(string(class), outcome)
	return guest, outcome == outcomeFetched
}

func (r *Resolver) fetch(ctx context.Context, class Class, name, key, url string) (string, string) {
	ctx, span := r.tracer.StartFetchSpan(ctx, string(class), name, url)
	defer span.End()

	timer := telemetry.NewTimer()
	r.emit(engine.LevelInfo, "Start downloading texlive file "+url)

	resp, err := r.origin.Fetch(ctx, Request{URL: url, Class: class})
	r.metrics.RecordFetch(string(class), timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
		r.metrics.RecordError(string(engine.ErrorClassTransient), engine.ErrCodeOriginUnavailable)
		r.logFor(ctx).WithError(err).Warnf("origin fetch failed for %s", key)
		r.emit(engine.LevelInfo, "TexLive Download Failed "+url)
		return "", outcomeFailed
	}
	span.SetAttributes(telemetry.AttrHTTPStatus.Int(resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusOK:
		guest, ok := r.store(class, key, url, resp)
		if !ok {
			return "", outcomeFailed
		}
		telemetry.RecordSuccess(span)
		return guest, outcomeFetched

	case http.StatusMovedPermanently:
		r.emit(engine.LevelInfo, "TexLive File not exists "+url)
		r.mu.Lock()
		r.tables[class].missing[key] = struct{}{}
		r.mu.Unlock()
		return "", outcomeNotFound

	default:
		r.logFor(ctx).Debugf("origin answered %d for %s", resp.StatusCode, key)
		return "", outcomeFailed
	}
}

// logFor prefers the job logger carried by ctx and tags it with the trace.
func (r *Resolver) logFor(ctx context.Context) *telemetry.Logger {
	logger := telemetry.FromContextOr(ctx, r.logger)
	if id := telemetry.TraceID(ctx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	return logger
}

// store writes a fetched body into the cache root and memoizes its guest path.
func (r *Resolver) store(class Class, key, url string, resp *Response) (string, bool) {
	id := resp.Header.Get(class.idHeader())
	host, guest, err := r.cache.CacheEntry(id)
	if err != nil {
		r.emit(engine.LevelError, "Invalid "+class.idHeader()+" for "+url)
		r.metrics.RecordError(string(engine.ErrorClassPermanent), engine.ErrCodeInvalidPath)
		return "", false
	}

	if err := os.WriteFile(host, resp.Body, 0o644); err != nil {
		r.logger.WithError(err).Errorf("writing cache entry %s", guest)
		r.emit(engine.LevelError, "Not able to write "+guest)
		r.metrics.RecordError(string(engine.ErrorClassPermanent), engine.ErrCodeIO)
		return "", false
	}

	r.mu.Lock()
	r.tables[class].found[key] = guest
	r.mu.Unlock()
	return guest, true
}

func (r *Resolver) emit(level, text string) {
	if r.emitter != nil {
		r.emitter.Emit(level, text)
	}
}
