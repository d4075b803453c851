package commands

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeWorkerConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	content := "fs:\n" +
		"  cache_dir: " + filepath.Join(base, "tex") + "\n" +
		"  work_dir: " + filepath.Join(base, "work") + "\n" +
		"telemetry:\n" +
		"  logging:\n" +
		"    level: error\n"
	path := filepath.Join(base, "worker.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCommand("test", "none", "today")
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestLoadConfigOverrides(t *testing.T) {
	root := newRootCommand("test", "none", "today")
	root.SetArgs([]string{
		"--config", writeWorkerConfig(t),
		"--wasm", "/opt/engine.wasm",
		"--endpoint", "https://texlive.example.org/",
		"--verbose",
		"resolve", "--help",
	})
	root.SetOut(&bytes.Buffer{})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Engine.WasmPath != "/opt/engine.wasm" {
		t.Errorf("Expected wasm override, got %s", cfg.Engine.WasmPath)
	}
	if cfg.Origin.Endpoint != "https://texlive.example.org/" {
		t.Errorf("Expected endpoint override, got %s", cfg.Origin.Endpoint)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected --verbose to select debug, got %s", cfg.Telemetry.Logging.Level)
	}
	if cfg.Telemetry.Logging.Output != "stderr" {
		t.Errorf("Expected logs on stderr, got %s", cfg.Telemetry.Logging.Output)
	}
}

func TestResolveCommand(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pdftex/10/article.cls":
			w.Header().Set("fileid", "article.cls")
			w.Write([]byte("% article class"))
		case "/pdftex/pk/600/cmr10":
			w.Header().Set("pkid", "cmr10.600pk")
			w.Write([]byte("pk"))
		default:
			w.WriteHeader(http.StatusMovedPermanently)
		}
	}))
	defer origin.Close()

	cfg := writeWorkerConfig(t)

	out, _, err := runCommand(t, "resolve", "--config", cfg, "--endpoint", origin.URL, "--format", "10", "article.cls")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !strings.Contains(out, "article.cls\t/tex/article.cls") {
		t.Errorf("Unexpected output %q", out)
	}

	out, _, err = runCommand(t, "resolve", "--config", cfg, "--endpoint", origin.URL, "--bitmap", "cmr10")
	if err != nil {
		t.Fatalf("bitmap resolve failed: %v", err)
	}
	if !strings.Contains(out, "cmr10\t/tex/cmr10.600pk") {
		t.Errorf("Unexpected output %q", out)
	}

	out, stderr, err := runCommand(t, "resolve", "--config", cfg, "--endpoint", origin.URL, "--format", "10", "article.cls", "nothere.sty")
	if err == nil || !strings.Contains(err.Error(), "1 of 2 resources not found") {
		t.Fatalf("Expected one missing resource, got %v", err)
	}
	if !strings.Contains(out, "nothere.sty\tnot found") {
		t.Errorf("Unexpected output %q", out)
	}
	if !strings.Contains(stderr, "TexLive File not exists") {
		t.Errorf("Expected origin diagnostics on stderr, got %q", stderr)
	}
}

func TestCompileRequiresDirectory(t *testing.T) {
	_, _, err := runCommand(t, "compile")
	if err == nil {
		t.Fatal("Expected an argument error")
	}
}

func TestExitError(t *testing.T) {
	err := &ExitError{Code: 2, Reason: "engine_fault"}
	if err.Error() != "worker exited with code 2 (engine_fault)" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}
