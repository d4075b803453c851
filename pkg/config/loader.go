package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/texsandbox/texsandbox/pkg/resolver"
	"github.com/texsandbox/texsandbox/pkg/telemetry"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	root := filepath.Join(os.TempDir(), "texsandbox")
	return &Config{
		Engine: EngineConfig{
			WasmPath:          "swiftlatexpdftex.wasm",
			Class:             "pdftex",
			FormatFile:        "pdflatex.fmt",
			EntryFile:         "main.tex",
			MemoryLimitPages:  32768,
			CheckpointGlobals: []string{"__stack_pointer"},
			RunBibliography:   true,
		},
		FS: FSConfig{
			CacheDir:   filepath.Join(root, "tex"),
			WorkDir:    filepath.Join(root, "work"),
			CacheMount: "/tex",
			WorkMount:  "/work",
		},
		Origin: OriginConfig{
			Endpoint:          resolver.DefaultEndpoint,
			Timeout:           resolver.DefaultFetchTimeout.String(),
			RequestsPerSecond: 0,
			Burst:             1,
			UserAgent:         "texsandbox",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a configuration file over the defaults. YAML (.yaml, .yml) and
// CUE (.cue) files are accepted. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	case ".cue":
		cfg, err = ParseCUE(path, data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseYAML decodes YAML over the defaults. Unknown keys are rejected.
func ParseYAML(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return cfg, nil
}

// ParseCUE evaluates a CUE document against the worker schema and decodes
// it over the defaults.
func ParseCUE(filename string, data []byte) (*Config, error) {
	ctx := cuecontext.New()

	def, err := schema(ctx)
	if err != nil {
		return nil, err
	}

	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile CUE config: %w", err)
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("CUE config does not match schema: %w", err)
	}

	// Going through JSON lets fields absent from the document keep their
	// defaults.
	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export CUE config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode CUE config: %w", err)
	}
	return cfg, nil
}

// Validate checks the struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	d, err := time.ParseDuration(c.Origin.Timeout)
	if err != nil {
		return fmt.Errorf("origin timeout %q: %w", c.Origin.Timeout, err)
	}
	if d <= 0 {
		return fmt.Errorf("origin timeout must be positive, got %s", d)
	}

	if filepath.Clean(c.FS.CacheDir) == filepath.Clean(c.FS.WorkDir) {
		return fmt.Errorf("cache_dir and work_dir must differ")
	}
	if isNested(c.FS.CacheMount, c.FS.WorkMount) || isNested(c.FS.WorkMount, c.FS.CacheMount) {
		return fmt.Errorf("mounts %s and %s must not nest", c.FS.CacheMount, c.FS.WorkMount)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

func isNested(parent, child string) bool {
	parent = strings.TrimSuffix(parent, "/")
	return child == parent || strings.HasPrefix(child, parent+"/")
}
