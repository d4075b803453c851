package worker

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/texsandbox/texsandbox/pkg/engine"
	"github.com/texsandbox/texsandbox/pkg/telemetry"
)

// Result is the outcome of a compile job.
type Result struct {
	JobID    string
	Kind     engine.JobKind
	Outcome  engine.Outcome
	Status   int
	Log      string
	Artifact []byte
}

// OK reports whether the job produced its artifact.
func (r *Result) OK() bool {
	return r.Outcome == engine.OutcomeOK
}

// Compile runs one job. It fails with ErrBusy when the worker is not idle.
// Once the engine has aborted every job fails with StatusEngineCrashed
// without touching the engine.
func (w *Worker) Compile(ctx context.Context, kind engine.JobKind) (*Result, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	result := &Result{
		JobID:   uuid.NewString(),
		Kind:    kind,
		Outcome: engine.OutcomeFailed,
		Status:  engine.StatusEngineCrashed,
	}

	if err := w.acquire(StatePreparing); err != nil {
		if err == ErrFaulted {
			result.Log = "Engine crashed"
			return result, nil
		}
		return nil, err
	}
	defer w.release()

	ctx, span := w.tracer.StartJobSpan(ctx, result.JobID, string(kind))
	defer span.End()

	logger := w.logger.WithJobID(result.JobID)
	ctx = logger.WithContext(ctx)
	timer := telemetry.NewTimer()

	if err := w.prepare(ctx, logger); err != nil {
		w.fault(err)
		telemetry.RecordError(span, err)
		return w.finish(result, timer), nil
	}

	w.setState(StateRunning)

	var err error
	switch kind {
	case engine.JobDocument:
		err = w.runDocument(ctx, logger, result)
	case engine.JobFormat:
		err = w.runFormat(ctx, result)
	}
	if err != nil {
		w.fault(err)
		result.Outcome = engine.OutcomeFailed
		result.Status = engine.StatusEngineCrashed
		result.Artifact = nil
		telemetry.RecordError(span, err)
	} else {
		span.SetAttributes(telemetry.AttrJobStatus.Int(result.Status))
		if result.OK() {
			telemetry.RecordSuccess(span)
		}
	}

	return w.finish(result, timer), nil
}

// prepare brings the engine back to the baseline. The work root keeps the
// files the controller wrote for this job.
func (w *Worker) prepare(ctx context.Context, logger *telemetry.Logger) error {
	w.sink.Reset()

	timer := telemetry.NewTimer()
	restored, err := w.session.RestoreBaseline(ctx)
	if err != nil {
		return fmt.Errorf("restore baseline: %w", err)
	}
	if restored {
		w.metrics.RecordRestore(timer.Duration())
		if w.cfg.VerifyRestore && !w.session.Baseline().Verify(w.engine.Memory()) {
			return fmt.Errorf("memory differs from the baseline after restore")
		}
	}

	if err := w.engine.CloseFiles(); err != nil {
		logger.WithError(err).Warn("failed to close engine handles")
	}

	workDir := w.ns.Work().Guest
	if err := w.ns.Chdir(workDir); err != nil {
		return err
	}
	return w.engine.Chdir(ctx, workDir)
}

func (w *Worker) runDocument(ctx context.Context, logger *telemetry.Logger, result *Result) error {
	entry := w.EntryFile()
	if err := w.engine.SetEntryFile(ctx, entry); err != nil {
		if engine.IsFatal(err) {
			return err
		}
		logger.WithError(err).Warnf("engine rejected entry file %s", entry)
	}

	status, err := w.engine.CompileDocument(ctx)
	if err != nil {
		return err
	}
	result.Status = status

	if status != engine.StatusOK {
		w.sink.Emit(engine.LevelError, fmt.Sprintf("Compilation failed, with status code %d", status))
		result.Outcome = engine.OutcomeFailed
		return nil
	}

	if w.cfg.RunBibliography {
		bibStatus, err := w.engine.CompileBibliography(ctx)
		if err != nil {
			return err
		}
		logger.Debugf("bibliography pass finished with status %d", bibStatus)
	}

	w.collect(ArtifactName(entry), result)
	return nil
}

func (w *Worker) runFormat(ctx context.Context, result *Result) error {
	status, err := w.engine.CompileFormat(ctx)
	if err != nil {
		return err
	}
	result.Status = status

	if status != engine.StatusOK {
		w.sink.Emit(engine.LevelError, fmt.Sprintf("Compilation format failed, with status code %d", status))
		result.Outcome = engine.OutcomeFailed
		return nil
	}

	w.collect(w.cfg.FormatFile, result)
	return nil
}

// collect reads the artifact of a successful compile from the work root.
func (w *Worker) collect(name string, result *Result) {
	data, err := w.ns.ReadFile(name)
	if err != nil {
		w.logger.WithError(err).Debug("artifact missing")
		w.sink.Emit(engine.LevelError, "Fetch content failed.")
		w.metrics.RecordError(string(engine.ErrorClassPermanent), engine.ErrCodeArtifactMissing)
		result.Outcome = engine.OutcomeFailed
		result.Status = engine.StatusArtifactMissing
		return
	}
	result.Outcome = engine.OutcomeOK
	result.Artifact = data
}

// finish drains the job log and wipes the work root for the next job.
func (w *Worker) finish(result *Result, timer *telemetry.Timer) *Result {
	result.Log = w.sink.DrainAndReset()
	w.resetWork()
	w.metrics.RecordJob(string(result.Kind), string(result.Outcome), timer.Duration())
	w.logger.WithJobID(result.JobID).Infof("%s job finished: %s, status %d", result.Kind, result.Outcome, result.Status)
	return result
}

func (w *Worker) resetWork() {
	if failed := w.ns.ResetWork(); failed > 0 {
		w.metrics.RecordCleanupFailures(failed)
		w.logger.Warnf("%d work root entries could not be removed", failed)
	}
}

// ArtifactName returns the PDF produced for an entry file.
func ArtifactName(entry string) string {
	return strings.TrimSuffix(entry, path.Ext(entry)) + ".pdf"
}

// Auxiliary commands. Each is accepted only while the worker is idle.

// Mkdir creates a directory in the work root.
func (w *Worker) Mkdir(dir string) error {
	if err := w.acquire(StateRunning); err != nil {
		return err
	}
	defer w.release()

	if err := w.ns.Mkdir(dir); err != nil {
		w.sink.Emit(engine.LevelError, "Not able to mkdir "+dir)
		return err
	}
	return nil
}

// WriteFile writes a file in the work root.
func (w *Worker) WriteFile(name string, data []byte) error {
	if err := w.acquire(StateRunning); err != nil {
		return err
	}
	defer w.release()

	if err := w.ns.WriteFile(name, data); err != nil {
		w.sink.Emit(engine.LevelError, "Unable to write mem file")
		return err
	}
	return nil
}

// SetEntryFile selects the document compiled by the next document jobs.
func (w *Worker) SetEntryFile(name string) error {
	if err := w.acquire(StateRunning); err != nil {
		return err
	}
	defer w.release()

	w.mu.Lock()
	w.entry = name
	w.mu.Unlock()
	return nil
}

// SetEndpoint changes the origin the resolver fetches from.
func (w *Worker) SetEndpoint(url string) error {
	if err := w.acquire(StateRunning); err != nil {
		return err
	}
	defer w.release()

	w.resolver.SetEndpoint(url)
	return nil
}

// FlushCache drops every fetched resource and the resolver's lookup tables.
func (w *Worker) FlushCache() error {
	if err := w.acquire(StateRunning); err != nil {
		return err
	}
	defer w.release()

	if failed := w.ns.FlushCache(); failed > 0 {
		w.metrics.RecordCleanupFailures(failed)
	}
	w.resolver.Flush()
	return nil
}
