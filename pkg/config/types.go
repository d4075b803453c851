package config

import (
	"time"

	"github.com/texsandbox/texsandbox/pkg/telemetry"
)

// Config is the configuration of a texsandbox worker.
type Config struct {
	// Engine configures the WASM engine and its jobs.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// FS configures the engine's filesystem namespace.
	FS FSConfig `json:"fs" yaml:"fs"`

	// Origin configures the remote resource origin.
	Origin OriginConfig `json:"origin" yaml:"origin"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

// EngineConfig configures the engine.
type EngineConfig struct {
	// WasmPath is the engine binary.
	WasmPath string `json:"wasm_path" yaml:"wasm_path" validate:"required"`

	// Class is the engine flavour; it selects the origin's file tree.
	Class string `json:"class" yaml:"class" validate:"required,oneof=pdftex xetex"`

	// FormatFile is the artifact of a format job, relative to the work root.
	FormatFile string `json:"format_file" yaml:"format_file" validate:"required"`

	// EntryFile is compiled until a setmainfile command selects another.
	EntryFile string `json:"entry_file" yaml:"entry_file" validate:"required"`

	// MemoryLimitPages caps the engine's linear memory, in 64KiB pages.
	MemoryLimitPages uint32 `json:"memory_limit_pages" yaml:"memory_limit_pages" validate:"min=1,max=65536"`

	// CheckpointGlobals are the mutable globals restored with the memory.
	CheckpointGlobals []string `json:"checkpoint_globals" yaml:"checkpoint_globals" validate:"dive,required"`

	// RunBibliography runs the bibliography pass after successful documents.
	RunBibliography bool `json:"run_bibliography" yaml:"run_bibliography"`

	// VerifyRestore checks every baseline restore byte for byte.
	VerifyRestore bool `json:"verify_restore" yaml:"verify_restore"`

	// MaxMessageSize bounds one protocol line in bytes; 0 keeps the 64MiB default.
	MaxMessageSize int `json:"max_message_size" yaml:"max_message_size" validate:"gte=0"`
}

// FSConfig configures the two namespace roots.
type FSConfig struct {
	// CacheDir holds fetched resources on the host.
	CacheDir string `json:"cache_dir" yaml:"cache_dir" validate:"required"`

	// WorkDir holds the files of the current job on the host.
	WorkDir string `json:"work_dir" yaml:"work_dir" validate:"required,nefield=CacheDir"`

	// CacheMount is where the engine sees CacheDir.
	CacheMount string `json:"cache_mount" yaml:"cache_mount" validate:"required,startswith=/"`

	// WorkMount is where the engine sees WorkDir.
	WorkMount string `json:"work_mount" yaml:"work_mount" validate:"required,startswith=/,nefield=CacheMount"`
}

// OriginConfig configures resource fetching.
type OriginConfig struct {
	// Endpoint is the origin base URL.
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required,url"`

	// Timeout bounds one fetch, as a Go duration string.
	Timeout string `json:"timeout" yaml:"timeout" validate:"required"`

	// RequestsPerSecond limits fetches; 0 disables the limit.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`

	// Burst is the limiter's bucket size.
	Burst int `json:"burst" yaml:"burst" validate:"gte=0"`

	// UserAgent is sent with every fetch.
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// TimeoutDuration returns the parsed fetch timeout.
func (o OriginConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(o.Timeout)
	if err != nil {
		return 0
	}
	return d
}
