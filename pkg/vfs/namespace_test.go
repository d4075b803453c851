package vfs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingReporter struct {
	lines []string
}

func (r *recordingReporter) Emit(level, text string) {
	r.lines = append(r.lines, level+": "+text)
}

func newTestNamespace(t *testing.T) (*Namespace, *recordingReporter) {
	t.Helper()
	base := t.TempDir()
	rep := &recordingReporter{}
	ns := New(
		Root{Host: filepath.Join(base, "cache"), Guest: DefaultCacheMount},
		Root{Host: filepath.Join(base, "work"), Guest: DefaultWorkMount},
		rep,
	)
	if err := ns.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return ns, rep
}

func TestResetWork(t *testing.T) {
	ns, rep := newTestNamespace(t)

	if err := ns.Mkdir("chapters"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := ns.Mkdir("chapters/deep"); err != nil {
		t.Fatalf("Mkdir nested failed: %v", err)
	}
	for _, f := range []string{"main.tex", "chapters/one.tex", "chapters/deep/two.tex"} {
		if err := ns.WriteFile(f, []byte("x")); err != nil {
			t.Fatalf("WriteFile(%s) failed: %v", f, err)
		}
	}

	if failed := ns.ResetWork(); failed != 0 {
		t.Fatalf("Expected no failures, got %d (%v)", failed, rep.lines)
	}

	entries, err := os.ReadDir(ns.Work().Host)
	if err != nil {
		t.Fatalf("work root was removed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty work root, found %d entries", len(entries))
	}
}

func TestFlushCacheKeepsRoot(t *testing.T) {
	ns, _ := newTestNamespace(t)

	host, guest, err := ns.CacheEntry("42")
	if err != nil {
		t.Fatalf("CacheEntry failed: %v", err)
	}
	if guest != "/tex/42" {
		t.Errorf("Expected guest path /tex/42, got %s", guest)
	}
	if err := os.WriteFile(host, []byte("font"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(ns.Cache().Host, "stray"), 0o755); err != nil {
		t.Fatal(err)
	}

	if failed := ns.FlushCache(); failed != 0 {
		t.Fatalf("Expected no failures, got %d", failed)
	}

	entries, err := os.ReadDir(ns.Cache().Host)
	if err != nil {
		t.Fatalf("cache root was removed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty cache root, found %d entries", len(entries))
	}
}

func TestResetReportsFailures(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	ns, rep := newTestNamespace(t)

	if err := ns.Mkdir("locked"); err != nil {
		t.Fatal(err)
	}
	if err := ns.WriteFile("locked/file.aux", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := ns.WriteFile("other.log", []byte("x")); err != nil {
		t.Fatal(err)
	}

	locked := filepath.Join(ns.Work().Host, "locked")
	if err := os.Chmod(locked, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	failed := ns.ResetWork()
	if failed == 0 {
		t.Fatal("Expected failures to be counted")
	}

	joined := strings.Join(rep.lines, "\n")
	if !strings.Contains(joined, "error: Not able to unlink /work/locked/file.aux") {
		t.Errorf("Expected unlink diagnostic, got %q", joined)
	}

	if _, err := os.Stat(filepath.Join(ns.Work().Host, "other.log")); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected the remaining nodes to be removed despite the failure")
	}
}

func TestWorkPathValidation(t *testing.T) {
	ns, _ := newTestNamespace(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative file", "main.tex", false},
		{"guest path", "/work/main.tex", false},
		{"absolute", "/etc/passwd", true},
		{"escape", "../cache/x", true},
		{"nested escape", "a/../../x", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ns.WriteFile(tt.path, []byte("data"))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPath) {
					t.Errorf("Expected ErrInvalidPath, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			data, err := ns.ReadFile(tt.path)
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			if string(data) != "data" {
				t.Errorf("Expected %q, got %q", "data", data)
			}
		})
	}
}

func TestMkdirRequiresParent(t *testing.T) {
	ns, _ := newTestNamespace(t)

	if err := ns.Mkdir("a/b"); err == nil {
		t.Error("Expected error creating a directory without its parent")
	}
	if err := ns.Mkdir("a"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := ns.Mkdir("a"); err == nil {
		t.Error("Expected error creating an existing directory")
	}
}

func TestChdir(t *testing.T) {
	ns, _ := newTestNamespace(t)

	if got := ns.Cwd(); got != "/" {
		t.Errorf("Expected initial cwd /, got %s", got)
	}
	if err := ns.Chdir("/work"); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	if got := ns.Cwd(); got != "/work" {
		t.Errorf("Expected cwd /work, got %s", got)
	}
	if err := ns.Chdir("/workspace"); !errors.Is(err, ErrOutsideRoots) {
		t.Errorf("Expected ErrOutsideRoots, got %v", err)
	}
}

func TestCacheEntryRejectsSeparators(t *testing.T) {
	ns, _ := newTestNamespace(t)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, _, err := ns.CacheEntry(id); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("CacheEntry(%q): expected ErrInvalidPath, got %v", id, err)
		}
	}
}
