package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for fail-fast checks performed before any tool runs.
var (
	ErrInvalidAccession      = errors.New("invalid run accession")
	ErrMissingReferenceIndex = errors.New("reference genome index not found")
	ErrArtifactDirExists     = errors.New("artifacts directory already exists (use --force to recreate)")
)

// InputMissingError reports a declared stage input that is absent or empty.
// The stage's tool is never invoked in this case.
type InputMissingError struct {
	Stage string
	Path  string
}

func (e *InputMissingError) Error() string {
	return fmt.Sprintf("stage %s: required input missing or empty: %s", e.Stage, e.Path)
}

// OutputMissingError reports a stage whose tool exited zero but did not
// produce a declared output. Downstream stages would silently consume
// garbage, so this is fatal.
type OutputMissingError struct {
	Stage string
	Path  string
}

func (e *OutputMissingError) Error() string {
	return fmt.Sprintf("stage %s: declared output missing or empty after success: %s", e.Stage, e.Path)
}

// ToolError reports a non-zero exit from an external tool.
type ToolError struct {
	Stage      string
	ExitCode   int
	StderrTail string
}

func (e *ToolError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("stage %s: tool exited with code %d", e.Stage, e.ExitCode)
	}
	return fmt.Sprintf("stage %s: tool exited with code %d: %s", e.Stage, e.ExitCode, e.StderrTail)
}

// FinalizationError reports a failure while normalizing or publishing the
// final tab artifact.
type FinalizationError struct {
	Err error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("finalize: %v", e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }

// Process exit codes, one per failure category, so batch schedulers can
// distinguish doomed submissions from transient tool trouble.
const (
	ExitOK          = 0
	ExitUsage       = 1
	ExitInputError  = 2 // fail-fast: bad accession, missing static input
	ExitToolFailure = 3
	ExitOutputError = 4 // tool claimed success but outputs failed validation
)

// ExitCode maps a pipeline error to its process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		inputErr  *InputMissingError
		outputErr *OutputMissingError
		toolErr   *ToolError
		finalErr  *FinalizationError
	)
	switch {
	case errors.Is(err, ErrInvalidAccession),
		errors.Is(err, ErrMissingReferenceIndex),
		errors.Is(err, ErrArtifactDirExists),
		errors.As(err, &inputErr):
		return ExitInputError
	case errors.As(err, &toolErr):
		return ExitToolFailure
	case errors.As(err, &outputErr), errors.As(err, &finalErr):
		return ExitOutputError
	}
	return ExitUsage
}
