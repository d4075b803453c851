package wasm

import (
	"io/fs"
	"sort"
	"sync"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
)

// HandleTable tracks the files the engine opened through its mounts so the
// host can close the ones a job leaked.
type HandleTable struct {
	mu     sync.Mutex
	nextID uint64
	open   map[uint64]*trackedFile
	pinned map[uint64]struct{}
}

// NewHandleTable creates an empty handle table.
func NewHandleTable() *HandleTable {
	return &HandleTable{
		open:   make(map[uint64]*trackedFile),
		pinned: make(map[uint64]struct{}),
	}
}

// Pin marks every currently open handle as permanent. Pinned handles survive
// CloseUnpinned. It returns the number of pinned handles.
func (t *HandleTable) Pin() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.open {
		t.pinned[id] = struct{}{}
	}
	return len(t.pinned)
}

// Len returns the number of open handles.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// OpenPaths returns the paths of the open unpinned handles, sorted.
func (t *HandleTable) OpenPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var paths []string
	for id, f := range t.open {
		if _, ok := t.pinned[id]; !ok {
			paths = append(paths, f.path)
		}
	}
	sort.Strings(paths)
	return paths
}

// CloseUnpinned closes every handle that is not pinned. It returns how many
// were closed and the first close failure, if any.
func (t *HandleTable) CloseUnpinned() (int, error) {
	t.mu.Lock()
	var victims []*trackedFile
	for id, f := range t.open {
		if _, ok := t.pinned[id]; !ok {
			victims = append(victims, f)
		}
	}
	t.mu.Unlock()

	var firstErr error
	for _, f := range victims {
		if errno := f.Close(); errno != 0 && firstErr == nil {
			firstErr = errno
		}
	}
	return len(victims), firstErr
}

func (t *HandleTable) track(f experimentalsys.File, path string) *trackedFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	tf := &trackedFile{File: f, table: t, id: t.nextID, path: path}
	t.open[tf.id] = tf
	return tf
}

func (t *HandleTable) forget(id uint64) {
	t.mu.Lock()
	delete(t.open, id)
	delete(t.pinned, id)
	t.mu.Unlock()
}

// trackedFile removes itself from the table when closed. Close is idempotent
// because both the host and the guest may close the same handle.
type trackedFile struct {
	experimentalsys.File

	table *HandleTable
	id    uint64
	path  string

	mu     sync.Mutex
	closed bool
}

func (f *trackedFile) Close() experimentalsys.Errno {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0
	}
	f.closed = true
	f.mu.Unlock()

	f.table.forget(f.id)
	return f.File.Close()
}

// trackingFS registers every file opened through it in a HandleTable.
type trackingFS struct {
	experimentalsys.FS

	table *HandleTable
	mount string
}

func newTrackingFS(base experimentalsys.FS, mount string, table *HandleTable) *trackingFS {
	return &trackingFS{FS: base, table: table, mount: mount}
}

func (t *trackingFS) OpenFile(path string, flag experimentalsys.Oflag, perm fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	f, errno := t.FS.OpenFile(path, flag, perm)
	if errno != 0 {
		return nil, errno
	}
	// The mount root is opened lazily by the runtime and cached for the
	// life of the module; it must never be closed behind its back.
	if path == "." || path == "" {
		return f, 0
	}
	return t.table.track(f, t.mount+"/"+path), 0
}
