package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// stubRunner simulates the external tools: it records every invocation and
// fabricates the files each stage is expected to produce.
type stubRunner struct {
	t     *testing.T
	paths Paths

	calls       []stubCall
	failStage   string          // stage whose first command fails
	failWith    error           // error for failStage; nil means a non-zero exit
	skipOutputs map[string]bool // stages that exit zero without producing outputs
	noWrites    bool            // record invocations only, used for dry runs
}

type stubCall struct {
	stage   string
	program string
}

func (r *stubRunner) Run(ctx context.Context, stage string, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.calls = append(r.calls, stubCall{stage: stage, program: cmd.Program})

	if r.failStage == stage {
		if r.failWith != nil {
			return r.failWith
		}
		return &ToolError{Stage: stage, ExitCode: 1, StderrTail: "stub failure"}
	}
	if r.skipOutputs[stage] || r.noWrites {
		return nil
	}

	if cmd.Stdout != "" {
		content := "stub data\n"
		if cmd.Stdout == r.paths.TabFile {
			content = "#CHROM\tPOS\tREF\tSRR000001\tQUAL\nchr1\t1\tA\tT\t10\n"
		}
		r.write(cmd.Stdout, content)
	}

	switch stage {
	case "prefetch":
		r.write(r.paths.RawArchive, "stub archive\n")
	case "dump":
		r.write(r.paths.Read1, "reads\n")
		r.write(r.paths.Read2, "reads\n")
	case "trim":
		r.write(r.paths.TrimmedPaired1, "reads\n")
		r.write(r.paths.TrimmedUnpaired1, "reads\n")
		r.write(r.paths.TrimmedPaired2, "reads\n")
		r.write(r.paths.TrimmedUnpaired2, "reads\n")
	case "bam":
		if len(cmd.Args) > 0 && cmd.Args[0] == "sort" {
			r.write(r.paths.SortedBAM, "bam\n")
		}
		if len(cmd.Args) > 0 && cmd.Args[0] == "index" {
			r.write(r.paths.BAMIndex, "bai\n")
		}
	case "call":
		if len(cmd.Args) > 0 && cmd.Args[0] == "mpileup" {
			r.write(r.paths.RawBCF, "bcf\n")
		}
		if len(cmd.Args) > 0 && cmd.Args[0] == "call" {
			r.write(r.paths.CalledVariants, "vcf\n")
		}
	case "intersect":
		if cmd.Program == "bgzip" {
			r.write(r.paths.FilteredVariantsGz, "gz\n")
			os.Remove(r.paths.FilteredVariants)
		}
		if cmd.Program == "tabix" {
			r.write(r.paths.FilteredIndex, "tbi\n")
		}
	case "isec":
		r.write(r.paths.DiscordantVCF, "##fileformat=VCFv4.2\nchr1\t1\t.\tA\tT\n")
	}
	return nil
}

func (r *stubRunner) write(path, content string) {
	r.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		r.t.Fatal(err)
	}
}

// stages returns the distinct stage names in invocation order.
func (r *stubRunner) stages() []string {
	var out []string
	for _, c := range r.calls {
		if len(out) == 0 || out[len(out)-1] != c.stage {
			out = append(out, c.stage)
		}
	}
	return out
}

func (r *stubRunner) sawStage(stage string) bool {
	for _, c := range r.calls {
		if c.stage == stage {
			return true
		}
	}
	return false
}

// fakeRecorder is an in-memory RunRecorder.
type fakeRecorder struct {
	completed map[string]bool
	failed    map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{completed: map[string]bool{}, failed: map[string]string{}}
}

func (f *fakeRecorder) StageCompleted(stage string, _ time.Duration) error {
	f.completed[stage] = true
	return nil
}

func (f *fakeRecorder) StageFailed(stage string, reason string) error {
	f.failed[stage] = reason
	return nil
}

func (f *fakeRecorder) CompletedStages() (map[string]bool, error) {
	out := map[string]bool{}
	for k, v := range f.completed {
		out[k] = v
	}
	return out, nil
}

// testWorkspace creates the static inputs (reference + index, truth set,
// adapters) and returns a ready RunConfig.
func testWorkspace(t *testing.T) RunConfig {
	t.Helper()
	dir := t.TempDir()
	static := filepath.Join(dir, "static")
	if err := os.MkdirAll(static, 0o755); err != nil {
		t.Fatal(err)
	}

	opts := Options{
		Reference:  filepath.Join(static, "ref.fa"),
		TruthVCF:   filepath.Join(static, "truth.vcf"),
		TruthVCFGz: filepath.Join(static, "truth.vcf.gz"),
		Adapters:   filepath.Join(static, "adapters.fa"),
		Ploidy:     1,
		Threads:    2,
	}
	for _, p := range []string{opts.Reference, opts.Reference + ".bwt", opts.TruthVCF, opts.TruthVCFGz, opts.Adapters} {
		if err := os.WriteFile(p, []byte("static\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	return RunConfig{Root: filepath.Join(dir, "ws"), Options: opts}
}

func newTestOrchestrator(t *testing.T, cfg RunConfig, rec RunRecorder) (*Orchestrator, *stubRunner) {
	t.Helper()
	_, paths, err := Plan("SRR000001", cfg.Root)
	if err != nil {
		t.Fatal(err)
	}
	runner := &stubRunner{t: t, paths: paths}
	orch, err := NewOrchestrator("SRR000001", cfg, runner, rec, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	return orch, runner
}

func TestOrchestratorFullRun(t *testing.T) {
	cfg := testWorkspace(t)
	orch, runner := newTestOrchestrator(t, cfg, nil)

	report, err := orch.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	want := StageNames()
	if len(report.Stages) != len(want) {
		t.Fatalf("report has %d stages, want %d", len(report.Stages), len(want))
	}
	for i, res := range report.Stages {
		if res.Name != want[i] {
			t.Errorf("report stage[%d] = %s, want %s", i, res.Name, want[i])
		}
		if res.Status != StageOK {
			t.Errorf("stage %s status = %s, want %s", res.Name, res.Status, StageOK)
		}
	}

	// Tool-backed stages ran in declared order (finalize is in-process).
	gotStages := runner.stages()
	wantTool := want[:len(want)-1]
	if strings.Join(gotStages, ",") != strings.Join(wantTool, ",") {
		t.Errorf("invocation order = %v, want %v", gotStages, wantTool)
	}

	for _, dir := range []string{"sam", "bam", "bcf", "vcf", "artifacts", "artifacts/all"} {
		if _, err := os.Stat(filepath.Join(cfg.Root, dir)); err != nil {
			t.Errorf("workspace directory %s not created: %v", dir, err)
		}
	}

	shared := filepath.Join(cfg.Root, "artifacts", "all", "SRR000001_artifacts.tab")
	data, err := os.ReadFile(shared)
	if err != nil {
		t.Fatalf("shared tab artifact missing: %v", err)
	}
	fields := strings.Split(strings.SplitN(string(data), "\n", 2)[0], "\t")
	if len(fields) < 4 || fields[3] != "ALT" {
		t.Errorf("shared tab header fields = %v, want field 4 = ALT", fields)
	}
}

func TestOrchestratorToolFailureAborts(t *testing.T) {
	cfg := testWorkspace(t)
	orch, runner := newTestOrchestrator(t, cfg, nil)
	runner.failStage = "align"

	_, err := orch.Execute(context.Background())

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("Execute() error = %T (%v), want *ToolError", err, err)
	}
	if toolErr.Stage != "align" || toolErr.ExitCode != 1 {
		t.Errorf("ToolError = %+v, want stage align, exit 1", toolErr)
	}

	for _, later := range []string{"bam", "call", "filter", "intersect", "isec", "totab"} {
		if runner.sawStage(later) {
			t.Errorf("stage %s ran after the align failure", later)
		}
	}
}

func TestOrchestratorInputMissingNeverInvokesTool(t *testing.T) {
	cfg := testWorkspace(t)
	// Remove the adapter reference: the trim stage's declared input.
	if err := os.Remove(cfg.Options.Adapters); err != nil {
		t.Fatal(err)
	}
	orch, runner := newTestOrchestrator(t, cfg, nil)

	_, err := orch.Execute(context.Background())

	var inputErr *InputMissingError
	if !errors.As(err, &inputErr) {
		t.Fatalf("Execute() error = %T (%v), want *InputMissingError", err, err)
	}
	if inputErr.Stage != "trim" {
		t.Errorf("InputMissingError.Stage = %s, want trim", inputErr.Stage)
	}
	if runner.sawStage("trim") {
		t.Error("trim tool was invoked despite the missing input")
	}
}

func TestOrchestratorOutputMissingIsFatal(t *testing.T) {
	cfg := testWorkspace(t)
	orch, runner := newTestOrchestrator(t, cfg, nil)
	runner.skipOutputs = map[string]bool{"dump": true}

	_, err := orch.Execute(context.Background())

	var outputErr *OutputMissingError
	if !errors.As(err, &outputErr) {
		t.Fatalf("Execute() error = %T (%v), want *OutputMissingError", err, err)
	}
	if outputErr.Stage != "dump" {
		t.Errorf("OutputMissingError.Stage = %s, want dump", outputErr.Stage)
	}
	if runner.sawStage("qc") {
		t.Error("pipeline continued past a stage with missing outputs")
	}
}

func TestOrchestratorQCFailureIsAdvisory(t *testing.T) {
	cfg := testWorkspace(t)
	orch, runner := newTestOrchestrator(t, cfg, nil)
	runner.failStage = "qc"

	report, err := orch.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() failed on an advisory stage: %v", err)
	}

	var qc *StageResult
	for i := range report.Stages {
		if report.Stages[i].Name == "qc" {
			qc = &report.Stages[i]
		}
	}
	if qc == nil {
		t.Fatal("qc stage missing from report")
	}
	if qc.Status != StageAdvisory {
		t.Errorf("qc status = %s, want %s", qc.Status, StageAdvisory)
	}
	if !runner.sawStage("totab") {
		t.Error("pipeline did not continue past the advisory qc failure")
	}
}

func TestOrchestratorQCLaunchFailureIsAdvisory(t *testing.T) {
	cfg := testWorkspace(t)
	orch, runner := newTestOrchestrator(t, cfg, nil)
	// A missing binary surfaces as a wrapped start error, not a ToolError.
	runner.failStage = "qc"
	runner.failWith = fmt.Errorf(`stage qc: starting fastqc: exec: "fastqc": executable file not found in $PATH`)

	report, err := orch.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() aborted on an advisory launch failure: %v", err)
	}

	for _, res := range report.Stages {
		if res.Name == "qc" && res.Status != StageAdvisory {
			t.Errorf("qc status = %s, want %s", res.Status, StageAdvisory)
		}
	}
	if !runner.sawStage("totab") {
		t.Error("pipeline did not continue past the advisory launch failure")
	}
}

func TestOrchestratorAdvisoryStageStillAbortsOnCancellation(t *testing.T) {
	cfg := testWorkspace(t)
	orch, runner := newTestOrchestrator(t, cfg, nil)
	runner.failStage = "qc"
	runner.failWith = fmt.Errorf("stage qc: cancelled: %w", context.Canceled)

	_, err := orch.Execute(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if runner.sawStage("trim") {
		t.Error("pipeline continued past a cancelled advisory stage")
	}
}

func TestOrchestratorArtifactDirExists(t *testing.T) {
	cfg := testWorkspace(t)
	orch, runner := newTestOrchestrator(t, cfg, nil)

	// A stale isec output directory from an earlier run.
	staleDir := filepath.Join(cfg.Root, "artifacts", "SRR000001")
	if err := os.MkdirAll(staleDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(staleDir, "0000.vcf")
	if err := os.WriteFile(stale, []byte("stale\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := orch.Execute(context.Background())
	if !errors.Is(err, ErrArtifactDirExists) {
		t.Fatalf("Execute() error = %v, want ErrArtifactDirExists", err)
	}
	if runner.sawStage("isec") {
		t.Error("isec tool was invoked despite the pre-existing artifacts directory")
	}

	// With force, the stale directory is recreated and the run completes.
	cfg.Force = true
	orch, runner = newTestOrchestrator(t, cfg, nil)
	if _, err := orch.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() with force failed: %v", err)
	}
	if !runner.sawStage("isec") {
		t.Error("isec did not run under force")
	}
	got, err := os.ReadFile(stale)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) == "stale\n" {
		t.Error("force run kept the stale isec output")
	}
}

func TestOrchestratorResumeSkipsCompletedStages(t *testing.T) {
	cfg := testWorkspace(t)
	rec := newFakeRecorder()

	orch, _ := newTestOrchestrator(t, cfg, rec)
	if _, err := orch.Execute(context.Background()); err != nil {
		t.Fatalf("initial Execute() failed: %v", err)
	}
	if len(rec.completed) != len(StageNames()) {
		t.Fatalf("recorder has %d completed stages, want %d", len(rec.completed), len(StageNames()))
	}

	cfg.Resume = true
	orch, runner := newTestOrchestrator(t, cfg, rec)
	report, err := orch.Execute(context.Background())
	if err != nil {
		t.Fatalf("resume Execute() failed: %v", err)
	}

	if len(runner.calls) != 0 {
		t.Errorf("resume re-invoked %d tools for a fully completed run", len(runner.calls))
	}
	for _, res := range report.Stages {
		if res.Status != StageSkipped {
			t.Errorf("stage %s status = %s, want %s", res.Name, res.Status, StageSkipped)
		}
	}
}

func TestOrchestratorResumeRerunsWhenOutputsVanished(t *testing.T) {
	cfg := testWorkspace(t)
	rec := newFakeRecorder()

	orch, _ := newTestOrchestrator(t, cfg, rec)
	if _, err := orch.Execute(context.Background()); err != nil {
		t.Fatalf("initial Execute() failed: %v", err)
	}

	// The manifest claims the archive is there, but the file is gone.
	if err := os.RemoveAll(filepath.Join(cfg.Root, "sra")); err != nil {
		t.Fatal(err)
	}

	cfg.Resume = true
	cfg.Force = true
	orch, runner := newTestOrchestrator(t, cfg, rec)
	if _, err := orch.Execute(context.Background()); err != nil {
		t.Fatalf("resume Execute() failed: %v", err)
	}
	if !runner.sawStage("prefetch") {
		t.Error("resume trusted the manifest over the missing archive")
	}
}

func TestOrchestratorRecordsFailure(t *testing.T) {
	cfg := testWorkspace(t)
	rec := newFakeRecorder()
	orch, runner := newTestOrchestrator(t, cfg, rec)
	runner.failStage = "call"

	_, err := orch.Execute(context.Background())
	if err == nil {
		t.Fatal("Execute() succeeded despite the failing stage")
	}
	if _, ok := rec.failed["call"]; !ok {
		t.Errorf("failure not recorded in manifest: %v", rec.failed)
	}
	if rec.completed["call"] {
		t.Error("failed stage recorded as complete")
	}
}

func TestOrchestratorMissingReferenceIndex(t *testing.T) {
	cfg := testWorkspace(t)
	if err := os.Remove(cfg.Options.Reference + ".bwt"); err != nil {
		t.Fatal(err)
	}
	orch, runner := newTestOrchestrator(t, cfg, nil)

	_, err := orch.Execute(context.Background())
	if !errors.Is(err, ErrMissingReferenceIndex) {
		t.Fatalf("Execute() error = %v, want ErrMissingReferenceIndex", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("%d tools ran before the fail-fast index check", len(runner.calls))
	}
}

func TestOrchestratorCancelledBeforeStart(t *testing.T) {
	cfg := testWorkspace(t)
	orch, runner := newTestOrchestrator(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.Execute(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("%d tools ran under a cancelled context", len(runner.calls))
	}
}

func TestOrchestratorDryRun(t *testing.T) {
	cfg := testWorkspace(t)
	cfg.DryRun = true
	// Dry runs must not require the static inputs either.
	if err := os.Remove(cfg.Options.Reference + ".bwt"); err != nil {
		t.Fatal(err)
	}
	orch, runner := newTestOrchestrator(t, cfg, nil)
	runner.noWrites = true

	report, err := orch.Execute(context.Background())
	if err != nil {
		t.Fatalf("dry-run Execute() failed: %v", err)
	}
	if len(report.Stages) != len(StageNames()) {
		t.Errorf("dry-run report has %d stages, want %d", len(report.Stages), len(StageNames()))
	}
	if _, statErr := os.Stat(cfg.Root); !os.IsNotExist(statErr) {
		t.Error("dry run created the workspace")
	}
	if !runner.sawStage("totab") {
		t.Error("dry run did not walk the full stage sequence")
	}
}
