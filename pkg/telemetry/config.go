package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration of a sandbox worker.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `json:"service_name" yaml:"service_name"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `json:"service_version" yaml:"service_version"`

	// Logging contains logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `json:"level" yaml:"level"`

	// Format specifies the log format (console, json).
	Format string `json:"format" yaml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	// A worker serving over stdio must not log to stdout.
	Output string `json:"output" yaml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// TimeFormat specifies the timestamp format (unix, unixms, rfc3339).
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `json:"exporter" yaml:"exporter"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`

	// ExportTimeout is the timeout for trace export, as a Go duration string.
	ExportTimeout string `json:"export_timeout" yaml:"export_timeout"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `json:"insecure" yaml:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `json:"listen_address" yaml:"listen_address"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `json:"path" yaml:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `json:"namespace" yaml:"namespace"`
}

// ExportTimeoutDuration returns the parsed export timeout, or 30s if unset or invalid.
func (c TracingConfig) ExportTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.ExportTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "texsandbox",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "stdout",
			SamplingRate:  1.0,
			ExportTimeout: "30s",
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "texsandbox",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Tracing.ExportTimeout != "" {
		if _, err := time.ParseDuration(c.Tracing.ExportTimeout); err != nil {
			return fmt.Errorf("invalid trace export timeout: %w", err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}

	return nil
}
