package engine

import "fmt"

// Engine status codes returned by compile calls or synthesized by the host.
const (
	// StatusOK is returned by the engine when a compilation succeeded.
	StatusOK = 0

	// StatusArtifactMissing means the engine succeeded but produced no artifact.
	StatusArtifactMissing = -253

	// StatusEngineCrashed means the engine trapped or exited.
	StatusEngineCrashed = -254
)

// JobKind identifies what a compile job produces.
type JobKind string

const (
	// JobDocument compiles the entry file into a PDF.
	JobDocument JobKind = "document"

	// JobFormat dumps the preloaded format file.
	JobFormat JobKind = "format"
)

// Validate checks if the job kind is valid.
func (k JobKind) Validate() error {
	switch k {
	case JobDocument, JobFormat:
		return nil
	default:
		return fmt.Errorf("invalid job kind: %s", k)
	}
}

// Outcome is the overall result of a command.
type Outcome string

const (
	// OutcomeOK indicates the command succeeded.
	OutcomeOK Outcome = "ok"

	// OutcomeFailed indicates the command failed.
	OutcomeFailed Outcome = "failed"
)

// OutcomeForStatus maps an engine status to a command outcome.
func OutcomeForStatus(status int) Outcome {
	if status == StatusOK {
		return OutcomeOK
	}
	return OutcomeFailed
}

// Log levels of diagnostics emitted to the controller.
const (
	LevelInfo  = "info"
	LevelError = "error"
)
