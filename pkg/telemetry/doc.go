// Package telemetry provides observability for the sandbox worker.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
// # Logging
//
// A worker serving over stdio writes the protocol to stdout, so the default
// log output is stderr. Component loggers tag every line:
//
//	logger := tel.Logger.NewComponentLogger("resolver")
//	logger.WithCommandID(id).Info("flushing lookup tables")
//
// # Tracing
//
// Jobs and origin fetches get spans:
//
//	ctx, span := tel.Tracer.StartJobSpan(ctx, jobID, "document")
//	defer span.End()
//
// The stdout exporter writes to stderr for the same reason as the logger.
//
// # Metrics
//
// Collectors live on a private registry and are served at /metrics when
// telemetry.metrics.enabled is set:
//
//	texsandbox_jobs_total{kind,result}
//	texsandbox_job_duration_seconds{kind}
//	texsandbox_commands_total{command}
//	texsandbox_resolver_lookups_total{class,outcome}
//	texsandbox_resolver_fetch_duration_seconds{class}
//	texsandbox_baseline_snapshot_bytes
//	texsandbox_baseline_restore_duration_seconds
//	texsandbox_cleanup_failures_total
//	texsandbox_engine_faults_total
//	texsandbox_errors_total{class,code}
package telemetry
