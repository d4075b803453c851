package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// DefaultCacheMount is where the cache root is visible to the engine.
	DefaultCacheMount = "/tex"

	// DefaultWorkMount is where the work root is visible to the engine.
	DefaultWorkMount = "/work"
)

var (
	// ErrInvalidPath is returned for paths that are absolute or escape their root.
	ErrInvalidPath = errors.New("invalid path")

	// ErrOutsideRoots is returned when a guest path lies in neither root.
	ErrOutsideRoots = errors.New("path is outside of the namespace roots")
)

// Reporter receives diagnostics about nodes that could not be cleaned.
type Reporter interface {
	Emit(level, text string)
}

// Root is a directory on the host together with the path the engine sees it at.
type Root struct {
	// Host is the directory on the host filesystem.
	Host string

	// Guest is the absolute mount path inside the engine.
	Guest string
}

// hostPath maps a slash-separated path relative to the root onto the host.
func (r Root) hostPath(rel string) string {
	return filepath.Join(r.Host, filepath.FromSlash(rel))
}

// guestPath maps a slash-separated path relative to the root into the engine.
func (r Root) guestPath(rel string) string {
	return path.Join(r.Guest, rel)
}

// Namespace is the private filesystem of one engine: a flat cache root holding
// fetched resources and a work root holding the files of the current job.
type Namespace struct {
	mu sync.Mutex

	cache    Root
	work     Root
	cwd      string
	reporter Reporter
}

// New creates a namespace over the given roots. reporter may be nil.
func New(cache, work Root, reporter Reporter) *Namespace {
	return &Namespace{
		cache:    cache,
		work:     work,
		cwd:      "/",
		reporter: reporter,
	}
}

// Cache returns the cache root.
func (n *Namespace) Cache() Root { return n.cache }

// Work returns the work root.
func (n *Namespace) Work() Root { return n.work }

// Init creates both roots.
func (n *Namespace) Init() error {
	if err := n.CreateRoot(n.cache); err != nil {
		return err
	}
	return n.CreateRoot(n.work)
}

// CreateRoot creates the host directory of a root.
func (n *Namespace) CreateRoot(root Root) error {
	if root.Host == "" {
		return fmt.Errorf("create root %q: empty host directory: %w", root.Guest, ErrInvalidPath)
	}
	if err := os.MkdirAll(root.Host, 0o755); err != nil {
		return fmt.Errorf("create root %q: %w", root.Guest, err)
	}
	return nil
}

// Reset removes every child of root recursively while keeping the root itself.
// Nodes that cannot be removed are reported and skipped; the number of such
// nodes is returned.
func (n *Namespace) Reset(root Root) int {
	entries, err := os.ReadDir(root.Host)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0
		}
		n.report("Not able to fsstat " + root.Guest)
		return 1
	}

	failed := 0
	for _, entry := range entries {
		failed += n.removeNode(root, entry.Name())
	}
	return failed
}

// ResetWork wipes the work root.
func (n *Namespace) ResetWork() int {
	return n.Reset(n.work)
}

// FlushCache wipes the cache root.
func (n *Namespace) FlushCache() int {
	return n.Reset(n.cache)
}

func (n *Namespace) removeNode(root Root, rel string) int {
	host := root.hostPath(rel)
	guest := root.guestPath(rel)

	info, err := os.Lstat(host)
	if err != nil {
		n.report("Not able to fsstat " + guest)
		return 1
	}

	if !info.IsDir() {
		if err := os.Remove(host); err != nil {
			n.report("Not able to unlink " + guest)
			return 1
		}
		return 0
	}

	entries, err := os.ReadDir(host)
	if err != nil {
		n.report("Not able to fsstat " + guest)
		return 1
	}

	failed := 0
	for _, entry := range entries {
		failed += n.removeNode(root, path.Join(rel, entry.Name()))
	}

	if err := os.Remove(host); err != nil {
		n.report("Not able to rmdir " + guest)
		return failed + 1
	}
	return failed
}

// Chdir records the engine's working directory. dir must be a guest path
// inside one of the roots.
func (n *Namespace) Chdir(dir string) error {
	clean := path.Clean(dir)
	if !n.insideRoot(clean) {
		return fmt.Errorf("chdir %q: %w", dir, ErrOutsideRoots)
	}

	n.mu.Lock()
	n.cwd = clean
	n.mu.Unlock()
	return nil
}

// Cwd returns the engine's working directory as last set by Chdir.
func (n *Namespace) Cwd() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cwd
}

func (n *Namespace) insideRoot(guest string) bool {
	for _, root := range []Root{n.cache, n.work} {
		if guest == root.Guest || strings.HasPrefix(guest, root.Guest+"/") {
			return true
		}
	}
	return false
}

// Mkdir creates a single directory in the work root. The parent must exist.
func (n *Namespace) Mkdir(rel string) error {
	clean, err := n.workRel(rel)
	if err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.Mkdir(n.work.hostPath(clean), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", rel, err)
	}
	return nil
}

// WriteFile writes data to a file in the work root, replacing it if present.
func (n *Namespace) WriteFile(rel string, data []byte) error {
	clean, err := n.workRel(rel)
	if err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := os.WriteFile(n.work.hostPath(clean), data, 0o644); err != nil {
		return fmt.Errorf("write file %q: %w", rel, err)
	}
	return nil
}

// ReadFile reads a file from the work root.
func (n *Namespace) ReadFile(rel string) ([]byte, error) {
	clean, err := n.workRel(rel)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	data, err := os.ReadFile(n.work.hostPath(clean))
	if err != nil {
		return nil, fmt.Errorf("read file %q: %w", rel, err)
	}
	return data, nil
}

// workRel validates a path addressed to the work root. Both paths relative to
// the root and guest paths below the work mount are accepted.
func (n *Namespace) workRel(p string) (string, error) {
	if strings.HasPrefix(p, n.work.Guest+"/") {
		p = strings.TrimPrefix(p, n.work.Guest+"/")
	}
	if p == "" || !filepath.IsLocal(filepath.FromSlash(p)) {
		return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	return path.Clean(p), nil
}

// CacheEntry returns where a resource with the given origin id is stored,
// both on the host and inside the engine.
func (n *Namespace) CacheEntry(id string) (host, guest string, err error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", "", fmt.Errorf("cache entry %q: %w", id, ErrInvalidPath)
	}
	return n.cache.hostPath(id), n.cache.guestPath(id), nil
}

func (n *Namespace) report(text string) {
	if n.reporter != nil {
		n.reporter.Emit("error", text)
	}
}
