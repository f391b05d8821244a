package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strand-data/varcall.report/internal/config"
	"github.com/strand-data/varcall.report/internal/manifest"
	"github.com/strand-data/varcall.report/internal/pipeline"
	"github.com/strand-data/varcall.report/internal/sradb"
)

// runFlags are the pipeline flags shared by run and batch.
type runFlags struct {
	root       *string
	configPath *string
	reference  *string
	threads    *int
	ploidy     *int
	timeout    *time.Duration
	force      *bool
	resume     *bool
	dryRun     *bool
}

func addRunFlags(fs *flag.FlagSet) *runFlags {
	return &runFlags{
		root:       fs.String("root", "", "Pipeline working directory (default: VARCALL_ROOT)"),
		configPath: fs.String("config", "", "YAML configuration file"),
		reference:  fs.String("reference", "", "Reference genome FASTA (default: VARCALL_REFERENCE)"),
		threads:    fs.Int("threads", 0, "Thread count passed to tools (default: number of CPUs)"),
		ploidy:     fs.Int("ploidy", 0, "Ploidy passed to the variant caller (default: 2)"),
		timeout:    fs.Duration("timeout", 0, "Per-stage timeout (default: none)"),
		force:      fs.Bool("force", false, "Recreate a pre-existing isec artifacts directory"),
		resume:     fs.Bool("resume", false, "Skip stages already recorded complete in the manifest"),
		dryRun:     fs.Bool("dry-run", false, "Print tool invocations without executing them"),
	}
}

// loadRunConfig layers flag overrides on top of file/environment config.
// Only flags the user actually set override.
func loadRunConfig(fs *flag.FlagSet, rf *runFlags) (config.Config, error) {
	cfg, err := config.Load(*rf.configPath)
	if err != nil {
		return config.Config{}, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["root"] {
		cfg.Root = *rf.root
	}
	if set["reference"] {
		cfg.Reference = *rf.reference
	}
	if set["threads"] {
		cfg.Threads = *rf.threads
	}
	if set["ploidy"] {
		cfg.Ploidy = *rf.ploidy
	}
	if set["timeout"] {
		cfg.StageTimeout = config.Duration(*rf.timeout)
	}
	cfg.ManifestPath = cfg.EffectiveManifestPath()

	if err := cfg.ValidateForRun(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runConfigFor(cfg config.Config, rf *runFlags) pipeline.RunConfig {
	return pipeline.RunConfig{
		Root: cfg.Root,
		Options: pipeline.Options{
			Reference:  cfg.Reference,
			TruthVCF:   cfg.TruthVCF,
			TruthVCFGz: cfg.TruthVCFGz,
			Adapters:   cfg.Adapters,
			Ploidy:     cfg.Ploidy,
			Threads:    cfg.Threads,
			Perl5Lib:   cfg.Perl5Lib,
		},
		Force:        *rf.force,
		Resume:       *rf.resume,
		StageTimeout: time.Duration(cfg.StageTimeout),
		DryRun:       *rf.dryRun,
	}
}

// runOne executes the pipeline for a single accession, recording progress
// in the manifest store when one is available.
func runOne(ctx context.Context, accession string, rc pipeline.RunConfig, store *manifest.Store) error {
	var runner pipeline.Runner = pipeline.NewExecRunner()
	if rc.DryRun {
		runner = dryRunRunner{out: os.Stdout}
	}

	var recorder pipeline.RunRecorder
	var run *manifest.Run
	if store != nil && !rc.DryRun {
		var err error
		run, err = store.BeginRun(accession)
		if err != nil {
			return fmt.Errorf("opening manifest run: %w", err)
		}
		recorder = run
	}

	orch, err := pipeline.NewOrchestrator(accession, rc, runner, recorder, log.Default())
	if err != nil {
		return err
	}

	_, execErr := orch.Execute(ctx)
	if run != nil {
		status := manifest.RunComplete
		if execErr != nil {
			status = manifest.RunFailed
		}
		if err := run.Finish(status); err != nil {
			log.Printf("[%s] manifest finish failed: %v", accession, err)
		}
	}
	return execErr
}

// openManifest opens the manifest store, or returns nil when the run should
// proceed without persistence (dry runs, or no path configured).
func openManifest(cfg config.Config, dryRun bool) *manifest.Store {
	if dryRun || cfg.ManifestPath == "" {
		return nil
	}
	store, err := manifest.Open(cfg.ManifestPath)
	if err != nil {
		log.Printf("manifest unavailable, continuing without resume support: %v", err)
		return nil
	}
	return store
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	rf := addRunFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: varcall run <accession> [options]")
		fs.Usage()
		os.Exit(1)
	}
	accession := fs.Arg(0)

	cfg, err := loadRunConfig(fs, rf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openManifest(cfg, *rf.dryRun)
	if store != nil {
		defer store.Close()
	}

	if err := runOne(ctx, accession, runConfigFor(cfg, rf), store); err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline failed: %v\n", err)
		os.Exit(pipeline.ExitCode(err))
	}
}

func handleBatch(args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	rf := addRunFlags(fs)
	file := fs.String("file", "", "File of run accessions, one per line (required)")
	parallel := fs.Int("parallel", 1, "Number of accessions to run concurrently")
	fs.Parse(args)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Error: --file flag is required")
		fs.Usage()
		os.Exit(1)
	}
	if *parallel < 1 {
		fmt.Fprintln(os.Stderr, "Error: --parallel must be at least 1")
		os.Exit(1)
	}

	accessions, err := readAccessions(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read accession list: %v\n", err)
		os.Exit(1)
	}
	if len(accessions) == 0 {
		fmt.Fprintf(os.Stderr, "No accessions in %s\n", *file)
		os.Exit(1)
	}

	cfg, err := loadRunConfig(fs, rf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openManifest(cfg, *rf.dryRun)
	if store != nil {
		defer store.Close()
	}
	rc := runConfigFor(cfg, rf)

	// One accession failing must not abort its siblings: every accession
	// writes only accession-keyed paths, so they are independent. Errors
	// are collected rather than propagated through the group.
	var (
		mu       sync.Mutex
		failures = map[string]error{}
	)
	g := new(errgroup.Group)
	g.SetLimit(*parallel)
	for _, accession := range accessions {
		accession := accession
		g.Go(func() error {
			if err := runOne(ctx, accession, rc, store); err != nil {
				mu.Lock()
				failures[accession] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(failures) > 0 {
		exitCode := 1
		for _, accession := range accessions {
			if err, ok := failures[accession]; ok {
				fmt.Fprintf(os.Stderr, "%s failed: %v\n", accession, err)
				if code := pipeline.ExitCode(err); code > exitCode {
					exitCode = code
				}
			}
		}
		fmt.Fprintf(os.Stderr, "%d of %d accessions failed\n", len(failures), len(accessions))
		os.Exit(exitCode)
	}
	fmt.Printf("All %d accessions completed\n", len(accessions))
}

func readAccessions(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var accessions []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		accessions = append(accessions, line)
	}
	return accessions, scanner.Err()
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	root := fs.String("root", "", "Pipeline working directory (default: VARCALL_ROOT)")
	configPath := fs.String("config", "", "YAML configuration file")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: varcall status <accession> [options]")
		fs.Usage()
		os.Exit(1)
	}
	accession := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *root != "" {
		cfg.Root = *root
	}
	manifestPath := cfg.EffectiveManifestPath()
	if manifestPath == "" {
		fmt.Fprintln(os.Stderr, "No manifest configured (set --root or VARCALL_ROOT)")
		os.Exit(1)
	}

	store, err := manifest.Open(manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open manifest: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	states, err := store.AccessionStatus(accession)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read manifest: %v\n", err)
		os.Exit(1)
	}
	if len(states) == 0 {
		fmt.Printf("No recorded runs for %s\n", accession)
		return
	}

	fmt.Printf("Stage progress for %s:\n", accession)
	for _, st := range states {
		line := fmt.Sprintf("  %-10s %s", st.Stage, st.Status)
		if st.Status == manifest.StatusComplete && st.DurationMs > 0 {
			line += fmt.Sprintf(" (%s)", (time.Duration(st.DurationMs) * time.Millisecond).Round(time.Millisecond))
		}
		if st.Detail != "" {
			line += " - " + st.Detail
		}
		fmt.Println(line)
	}
}

func handleSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	dbPath := fs.String("db", "", "Path to SRAmetadb.sqlite (default: VARCALL_METADATA_DB)")
	withStudy := fs.Bool("study", false, "Also print the study accession for each hit")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: varcall search <terms> [options]")
		fmt.Fprintln(os.Stderr, "Terms are comma separated; a run must match all of them.")
		fs.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.MetadataDB = *dbPath
	}

	terms := strings.Split(strings.Join(fs.Args(), " "), ",")

	db, err := sradb.Open(cfg.MetadataDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	matches, err := db.Search(terms, *withStudy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if len(matches) == 0 {
		fmt.Fprintf(os.Stderr, "No submissions match all of the provided terms: %s\n", strings.Join(terms, ", "))
		os.Exit(1)
	}
	for _, m := range matches {
		if *withStudy {
			fmt.Printf("%s, %s\n", m.StudyAccession, m.RunAccession)
		} else {
			fmt.Println(m.RunAccession)
		}
	}
}

func handleFetchdb(args []string) {
	fs := flag.NewFlagSet("fetchdb", flag.ExitOnError)
	dbPath := fs.String("db", "", "Destination path for SRAmetadb.sqlite (default: VARCALL_METADATA_DB)")
	fs.Parse(args)

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.MetadataDB = *dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sradb.Fetch(ctx, cfg.MetadataDB); err != nil {
		fmt.Fprintf(os.Stderr, "Snapshot download failed: %v\n", err)
		os.Exit(1)
	}
}

// dryRunRunner prints tool invocations instead of executing them.
type dryRunRunner struct {
	out io.Writer
}

func (r dryRunRunner) Run(_ context.Context, stage string, cmd pipeline.Command) error {
	line := cmd.Program
	if len(cmd.Args) > 0 {
		line += " " + strings.Join(cmd.Args, " ")
	}
	if cmd.Stdin != "" {
		line += " < " + cmd.Stdin
	}
	if cmd.Stdout != "" {
		line += " > " + cmd.Stdout
	}
	fmt.Fprintf(r.out, "[DRY-RUN] %s: %s\n", stage, line)
	return nil
}
