package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"bad timeout", func(c *Config) { c.Tracing.ExportTimeout = "soon" }, true},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, true},
		{"missing service", func(c *Config) { c.ServiceName = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExportTimeoutDuration(t *testing.T) {
	cfg := TracingConfig{ExportTimeout: "5s"}
	if got := cfg.ExportTimeoutDuration(); got != 5*time.Second {
		t.Errorf("Expected 5s, got %s", got)
	}
	cfg.ExportTimeout = ""
	if got := cfg.ExportTimeoutDuration(); got != 30*time.Second {
		t.Errorf("Expected 30s fallback, got %s", got)
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.NewComponentLogger("worker").WithCommandID("cmd-1").Info("job finished")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "worker" {
		t.Errorf("Expected component worker, got %v", entry["component"])
	}
	if entry["command_id"] != "cmd-1" {
		t.Errorf("Expected command_id cmd-1, got %v", entry["command_id"])
	}
	if entry["message"] != "job finished" {
		t.Errorf("Expected message, got %v", entry["message"])
	}
}

func TestLoggerContext(t *testing.T) {
	logger := NewNopLogger()
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected the stored logger to be returned")
	}
	if FromContext(context.Background()) == nil {
		t.Error("Expected a default logger")
	}

	fallback := NewNopLogger()
	if FromContextOr(ctx, fallback) != logger {
		t.Error("Expected the stored logger over the fallback")
	}
	if FromContextOr(context.Background(), fallback) != fallback {
		t.Error("Expected the fallback without a stored logger")
	}

	tel := NewNopTelemetry()
	if FromContext(tel.WithContext(context.Background())) != tel.Logger {
		t.Error("Expected the telemetry logger to be stored")
	}
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Namespace: "texsandbox"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordLookup("named", "fetched")
	m.RecordLookup("named", "fetched")
	m.RecordLookup("bitmap", "not_found")
	m.RecordJob("document", "ok", 2*time.Second)
	m.SetBaselineBytes(1 << 20)
	m.RecordCleanupFailures(0)
	m.RecordCleanupFailures(3)

	if got := testutil.ToFloat64(m.LookupCounter("named", "fetched")); got != 2 {
		t.Errorf("Expected 2 named fetches, got %v", got)
	}
	if got := testutil.ToFloat64(m.cleanupFailures); got != 3 {
		t.Errorf("Expected 3 cleanup failures, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"texsandbox_resolver_lookups_total",
		"texsandbox_jobs_total",
		"texsandbox_baseline_snapshot_bytes 1.048576e+06",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordLookup("named", "hit")
	m.RecordJob("format", "failed", time.Second)
	m.RecordEngineFault()
	if m.StartMetricsServer(NewNopLogger()) != nil {
		t.Error("Expected no server for nil metrics")
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer := NewNoopTracer()
	ctx, span := tracer.StartJobSpan(context.Background(), "job-1", "document")
	RecordSuccess(span)
	span.End()
	if ctx == nil {
		t.Fatal("Expected a context")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
