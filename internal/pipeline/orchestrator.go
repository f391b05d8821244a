package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/strand-data/varcall.report/internal/fsutil"
)

// RunConfig is the per-run configuration handed to the orchestrator. No
// process-wide state: everything a run needs travels in this struct.
type RunConfig struct {
	Root    string
	Options Options

	// Force deletes and recreates a pre-existing isec artifacts directory
	// instead of aborting the run.
	Force bool

	// Resume skips stages the recorder marks complete, provided their
	// declared outputs still exist on disk.
	Resume bool

	// StageTimeout bounds each stage's tool invocations. Zero means no
	// timeout; several stages legitimately run for hours.
	StageTimeout time.Duration

	// DryRun walks the stage sequence without touching the filesystem:
	// no directory creation, no pre/postcondition checks, no finalize.
	// Pair with a runner that prints instead of executing.
	DryRun bool
}

// RunRecorder persists per-stage progress. Implementations must tolerate
// repeat calls for the same stage. A nil recorder disables persistence.
type RunRecorder interface {
	StageCompleted(stage string, d time.Duration) error
	StageFailed(stage string, reason string) error
	CompletedStages() (map[string]bool, error)
}

// StageStatus describes how a stage ended.
type StageStatus string

const (
	StageOK       StageStatus = "ok"
	StageSkipped  StageStatus = "skipped"
	StageAdvisory StageStatus = "advisory-failed"
)

// StageResult is one entry of a pipeline report.
type StageResult struct {
	Name     string
	Status   StageStatus
	Duration time.Duration
}

// Report summarizes a completed run.
type Report struct {
	Accession string
	Stages    []StageResult
}

// Orchestrator drives the fixed stage sequence for one accession. Stages run
// strictly sequentially; concurrent runs for distinct accessions are safe
// because every intermediate path is keyed by accession.
type Orchestrator struct {
	accession string
	cfg       RunConfig
	layout    Layout
	paths     Paths
	stages    []Stage
	runner    Runner
	recorder  RunRecorder
	log       *log.Logger
}

// NewOrchestrator validates the accession, plans all paths once, and builds
// the stage sequence. Fails with ErrInvalidAccession before touching disk.
func NewOrchestrator(accession string, cfg RunConfig, runner Runner, recorder RunRecorder, logger *log.Logger) (*Orchestrator, error) {
	layout, paths, err := Plan(accession, cfg.Root)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		accession: accession,
		cfg:       cfg,
		layout:    layout,
		paths:     paths,
		stages:    Stages(accession, layout, paths, cfg.Options),
		runner:    runner,
		recorder:  recorder,
		log:       logger,
	}, nil
}

// Paths exposes the planned artifact paths.
func (o *Orchestrator) Paths() Paths { return o.paths }

// Execute runs the pipeline to completion. The first fatal failure aborts
// the run; intermediate artifacts from completed stages are left in place
// so an operator can resume after fixing the cause.
func (o *Orchestrator) Execute(ctx context.Context) (*Report, error) {
	if !o.cfg.DryRun {
		if err := o.checkStaticInputs(); err != nil {
			return nil, err
		}
		if err := fsutil.EnsureDirs(o.layout.Dirs()); err != nil {
			return nil, err
		}
	}

	completed := map[string]bool{}
	if o.cfg.Resume && o.recorder != nil {
		var err error
		completed, err = o.recorder.CompletedStages()
		if err != nil {
			return nil, fmt.Errorf("loading manifest: %w", err)
		}
	}

	report := &Report{Accession: o.accession}
	for _, stage := range o.stages {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("run cancelled before stage %s: %w", stage.Name, err)
		}

		if o.cfg.Resume && completed[stage.Name] && outputsPresent(stage) {
			o.log.Printf("[%s] stage %s: already complete, skipping", o.accession, stage.Name)
			report.Stages = append(report.Stages, StageResult{Name: stage.Name, Status: StageSkipped})
			continue
		}

		result, err := o.runStage(ctx, stage)
		if err != nil {
			o.recordFailure(stage.Name, err)
			return report, err
		}
		if result.Status == StageOK {
			o.recordCompletion(stage.Name, result.Duration)
		}
		report.Stages = append(report.Stages, result)
	}

	o.log.Printf("[%s] pipeline complete: %s", o.accession, o.paths.SharedTabFile)
	return report, nil
}

// checkStaticInputs verifies the read-only collaborators once, before any
// stage burns time: the aligner's reference index and the truth set.
func (o *Orchestrator) checkStaticInputs() error {
	opts := o.cfg.Options
	if !fsutil.NonEmpty(opts.Reference) || !fsutil.NonEmpty(opts.Reference+".bwt") {
		return fmt.Errorf("%w: %s.bwt", ErrMissingReferenceIndex, opts.Reference)
	}
	for _, p := range []string{opts.TruthVCF, opts.TruthVCFGz} {
		if !fsutil.NonEmpty(p) {
			return &InputMissingError{Stage: "preflight", Path: p}
		}
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage) (StageResult, error) {
	start := time.Now()

	if o.cfg.DryRun {
		for _, cmd := range stage.Commands {
			if err := o.runner.Run(ctx, stage.Name, cmd); err != nil {
				return StageResult{}, err
			}
		}
		if len(stage.Commands) == 0 {
			o.log.Printf("[%s] stage %s: would normalize and publish %s", o.accession, stage.Name, o.paths.SharedTabFile)
		}
		return StageResult{Name: stage.Name, Status: StageOK}, nil
	}

	if err := o.checkPreconditions(stage); err != nil {
		if stage.Advisory {
			o.log.Printf("[%s] stage %s skipped (advisory): %v", o.accession, stage.Name, err)
			return StageResult{Name: stage.Name, Status: StageAdvisory}, nil
		}
		return StageResult{}, err
	}

	if stage.Name == "isec" {
		if err := o.prepareIsecDir(); err != nil {
			return StageResult{}, err
		}
	}

	if len(stage.Commands) == 0 {
		// In-process stage: finalization.
		if err := Finalize(o.paths.TabFile, o.paths.SharedTabFile); err != nil {
			return StageResult{}, err
		}
	} else {
		stageCtx := ctx
		if o.cfg.StageTimeout > 0 {
			var cancel context.CancelFunc
			stageCtx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
			defer cancel()
		}
		for _, cmd := range stage.Commands {
			o.log.Printf("[%s] stage %s: %s", o.accession, stage.Name, cmd.Program)
			if err := o.runner.Run(stageCtx, stage.Name, cmd); err != nil {
				// Advisory stages swallow every failure mode, launch
				// errors included, not just non-zero exits. Only
				// cancellation still aborts the run.
				if stage.Advisory && !isCancellation(err) {
					o.log.Printf("[%s] stage %s failed (advisory, continuing): %v", o.accession, stage.Name, err)
					return StageResult{Name: stage.Name, Status: StageAdvisory, Duration: time.Since(start)}, nil
				}
				return StageResult{}, err
			}
		}
	}

	if err := o.checkPostconditions(stage); err != nil {
		return StageResult{}, err
	}

	d := time.Since(start)
	o.log.Printf("[%s] stage %s done in %s", o.accession, stage.Name, d.Round(time.Millisecond))
	return StageResult{Name: stage.Name, Status: StageOK, Duration: d}, nil
}

// checkPreconditions fails fast when a declared input is missing or empty,
// without attempting the tool.
func (o *Orchestrator) checkPreconditions(stage Stage) error {
	for _, p := range stage.Requires {
		if !fsutil.NonEmpty(p) {
			return &InputMissingError{Stage: stage.Name, Path: p}
		}
	}
	return nil
}

// checkPostconditions rejects a zero-exit stage whose declared outputs are
// missing or empty; downstream stages consuming them would produce
// meaningless results.
func (o *Orchestrator) checkPostconditions(stage Stage) error {
	for _, p := range stage.Produces {
		if !fsutil.NonEmpty(p) {
			return &OutputMissingError{Stage: stage.Name, Path: p}
		}
	}
	return nil
}

// prepareIsecDir enforces the isec tool's refusal to overwrite: a stale
// artifacts directory aborts the run unless Force asked for recreation.
func (o *Orchestrator) prepareIsecDir() error {
	if !fsutil.Exists(o.paths.IsecDir) {
		return nil
	}
	if !o.cfg.Force {
		return fmt.Errorf("%w: %s", ErrArtifactDirExists, o.paths.IsecDir)
	}
	o.log.Printf("[%s] removing stale artifacts directory %s", o.accession, o.paths.IsecDir)
	return os.RemoveAll(o.paths.IsecDir)
}

func (o *Orchestrator) recordCompletion(stage string, d time.Duration) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.StageCompleted(stage, d); err != nil {
		o.log.Printf("[%s] manifest write failed for stage %s: %v", o.accession, stage, err)
	}
}

func (o *Orchestrator) recordFailure(stage string, cause error) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.StageFailed(stage, cause.Error()); err != nil {
		o.log.Printf("[%s] manifest write failed for stage %s: %v", o.accession, stage, err)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func outputsPresent(stage Stage) bool {
	for _, p := range stage.Produces {
		if !fsutil.NonEmpty(p) {
			return false
		}
	}
	return true
}
