package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
	if cfg.Origin.TimeoutDuration() != 150*time.Second {
		t.Errorf("Expected 150s fetch timeout, got %s", cfg.Origin.TimeoutDuration())
	}
	if cfg.Engine.EntryFile != "main.tex" {
		t.Errorf("Expected entry file main.tex, got %s", cfg.Engine.EntryFile)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "worker.yaml", `
engine:
  wasm_path: /opt/engine.wasm
  memory_limit_pages: 16384
  max_message_size: 1048576
origin:
  endpoint: https://texlive.example.org/
  requests_per_second: 20
  burst: 5
telemetry:
  logging:
    level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.WasmPath != "/opt/engine.wasm" {
		t.Errorf("Expected wasm path /opt/engine.wasm, got %s", cfg.Engine.WasmPath)
	}
	if cfg.Engine.MemoryLimitPages != 16384 {
		t.Errorf("Expected 16384 pages, got %d", cfg.Engine.MemoryLimitPages)
	}
	if cfg.Engine.MaxMessageSize != 1<<20 {
		t.Errorf("Expected 1MiB message limit, got %d", cfg.Engine.MaxMessageSize)
	}
	if cfg.Origin.Endpoint != "https://texlive.example.org/" {
		t.Errorf("Unexpected endpoint %s", cfg.Origin.Endpoint)
	}
	if cfg.Origin.Burst != 5 {
		t.Errorf("Expected burst 5, got %d", cfg.Origin.Burst)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug log level, got %s", cfg.Telemetry.Logging.Level)
	}

	// Untouched fields keep their defaults.
	if cfg.Engine.Class != "pdftex" {
		t.Errorf("Expected default class pdftex, got %s", cfg.Engine.Class)
	}
	if cfg.FS.WorkMount != "/work" {
		t.Errorf("Expected default work mount, got %s", cfg.FS.WorkMount)
	}
	if cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("Expected default log format, got %s", cfg.Telemetry.Logging.Format)
	}
}

func TestLoadEmptyYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "empty.yml", ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Origin.Endpoint != Default().Origin.Endpoint {
		t.Errorf("Expected default endpoint, got %s", cfg.Origin.Endpoint)
	}
}

func TestLoadCUE(t *testing.T) {
	path := writeConfig(t, "worker.cue", `
engine: {
	class:            "xetex"
	run_bibliography: false
}
fs: work_mount: "/job"
origin: timeout: "30s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.Class != "xetex" {
		t.Errorf("Expected class xetex, got %s", cfg.Engine.Class)
	}
	if cfg.Engine.RunBibliography {
		t.Error("Expected bibliography pass disabled")
	}
	if cfg.FS.WorkMount != "/job" {
		t.Errorf("Expected work mount /job, got %s", cfg.FS.WorkMount)
	}
	if cfg.Origin.TimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %s", cfg.Origin.TimeoutDuration())
	}
	if cfg.FS.CacheMount != "/tex" {
		t.Errorf("Expected default cache mount, got %s", cfg.FS.CacheMount)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "unsupported extension",
			file:    "worker.toml",
			content: "",
			wantErr: "unsupported config format",
		},
		{
			name:    "unknown yaml key",
			file:    "worker.yaml",
			content: "engine:\n  turbo: true\n",
			wantErr: "failed to parse YAML config",
		},
		{
			name:    "bad class",
			file:    "worker.yaml",
			content: "engine:\n  class: luatex\n",
			wantErr: "validation failed",
		},
		{
			name:    "relative mount",
			file:    "worker.yaml",
			content: "fs:\n  work_mount: work\n",
			wantErr: "validation failed",
		},
		{
			name:    "nested mounts",
			file:    "worker.yaml",
			content: "fs:\n  work_mount: /tex/work\n",
			wantErr: "must not nest",
		},
		{
			name:    "bad timeout",
			file:    "worker.yaml",
			content: "origin:\n  timeout: soon\n",
			wantErr: "origin timeout",
		},
		{
			name:    "bad log level",
			file:    "worker.yaml",
			content: "telemetry:\n  logging:\n    level: loud\n",
			wantErr: "telemetry",
		},
		{
			name:    "cue unknown field",
			file:    "worker.cue",
			content: "engine: turbo: true\n",
			wantErr: "CUE config",
		},
		{
			name:    "cue out of range",
			file:    "worker.cue",
			content: "engine: memory_limit_pages: 70000\n",
			wantErr: "CUE config",
		},
		{
			name:    "negative message size",
			file:    "worker.yaml",
			content: "engine:\n  max_message_size: -1\n",
			wantErr: "validation failed",
		},
		{
			name:    "cue negative message size",
			file:    "worker.cue",
			content: "engine: max_message_size: -1\n",
			wantErr: "CUE config",
		},
		{
			name:    "cue syntax",
			file:    "worker.cue",
			content: "engine: {",
			wantErr: "failed to compile CUE config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
