// Package orchestrator is the engine's single entry point: it composes the
// config loader, dataset walker, completion oracle, work planner, the two
// dispatch backends, the pipeline validators, and the reprocess-feedback
// engine into one run, and owns cancellation, the end-of-run summary, and
// the process exit code.
//
// State machine (spec.md §4.10):
//
//	Loading -> Planning -> Dispatching -> Verifying ->
//	  (Replanning -> Dispatching -> ...)? -> Summarizing -> Exiting
//
// Grounded on the teacher's top-level workflow shape in
// internal/pur/pipeline/pipeline.go: one struct wiring together state,
// resources, and callbacks, driven start-to-finish by a single exported
// entry point, with a context carrying cancellation top-down.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/bids-batch/bidsbatch/internal/bidslog"
	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
	"github.com/bids-batch/bidsbatch/internal/config"
	"github.com/bids-batch/bidsbatch/internal/container"
	"github.com/bids-batch/bidsbatch/internal/dataset"
	"github.com/bids-batch/bidsbatch/internal/datasethelper"
	clusterdispatch "github.com/bids-batch/bidsbatch/internal/dispatch/cluster"
	localdispatch "github.com/bids-batch/bidsbatch/internal/dispatch/local"
	"github.com/bids-batch/bidsbatch/internal/oracle"
	"github.com/bids-batch/bidsbatch/internal/plan"
	"github.com/bids-batch/bidsbatch/internal/reprocess"
	"github.com/bids-batch/bidsbatch/internal/runrecord"
	"github.com/bids-batch/bidsbatch/internal/validate"
)

// Backend selects which dispatcher runs the plan.
type Backend string

const (
	BackendAuto    Backend = ""
	BackendLocal   Backend = "local"
	BackendCluster Backend = "cluster"
)

// Exit codes, per spec.md §6/§10.
const (
	ExitSuccess      = 0
	ExitUnitFailure  = 1
	ExitConfigOrPlan = 2
)

// DefaultMaxReprocessIterations bounds the reprocess loop when no explicit
// cap is given (spec.md open question: "this spec makes it configurable,
// defaulting to 3").
const DefaultMaxReprocessIterations = 3

// Options is the orchestrator's command-line surface (spec.md §6).
type Options struct {
	ConfigPath       string
	Subjects         []string
	FromReport       string
	Pipeline         string
	Force            bool
	DryRun           bool
	Pilot            bool
	Jobs             int
	Debug            bool
	Validate         bool
	ValidateOnly     bool
	ReprocessMissing bool
	Backend          Backend

	ReportsDir             string
	MaxReprocessIterations int

	// Executable overrides the container runtime binary (default
	// "singularity"); tests and debug tooling can point it at a stub.
	Executable string
}

// Result carries the orchestrator's outcome for callers that want more than
// an exit code (tests, primarily).
type Result struct {
	ExitCode   int
	Plan       bidsmodel.Plan
	Records    *runrecord.Log
	ReportPath string
}

// Run executes one orchestrator invocation end-to-end and returns the exit
// code spec.md §6/§10 defines.
func Run(ctx context.Context, opts Options, log *bidslog.Logger) Result {
	if log == nil {
		log = bidslog.NewDefault()
	}
	if opts.MaxReprocessIterations <= 0 {
		opts.MaxReprocessIterations = DefaultMaxReprocessIterations
	}

	// --- Loading ---
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		log.Errorf("config: %v", err)
		return Result{ExitCode: ExitConfigOrPlan}
	}

	// --- Planning ---
	built, ora, err := buildPlan(cfg, opts, log)
	if err != nil {
		log.Errorf("plan: %v", err)
		return Result{ExitCode: ExitConfigOrPlan}
	}

	logDir := filepath.Join(cfg.Common.OutputRoot, ".bidsbatch_logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Errorf("plan: cannot create log directory: %v", err)
		return Result{ExitCode: ExitConfigOrPlan}
	}

	if built.nothingToDo {
		fmt.Println("nothing to do")
		if opts.DryRun {
			return Result{ExitCode: ExitSuccess}
		}
		records, err := runrecord.Open(filepath.Join(logDir, "run_records.csv"))
		if err != nil {
			log.Errorf("plan: cannot open run record log: %v", err)
			return Result{ExitCode: ExitConfigOrPlan}
		}
		recordSkipped(records, built.skippedDone, log)
		return Result{ExitCode: ExitSuccess, Records: records}
	}

	if opts.DryRun {
		printDryRun(cfg, built.plan, opts)
		return Result{ExitCode: ExitSuccess, Plan: built.plan}
	}

	records, err := runrecord.Open(filepath.Join(logDir, "run_records.csv"))
	if err != nil {
		log.Errorf("plan: cannot open run record log: %v", err)
		return Result{ExitCode: ExitConfigOrPlan}
	}
	recordSkipped(records, built.skippedDone, log)

	start := time.Now()

	// --- Dispatching ---
	if !opts.ValidateOnly {
		if err := dispatch(ctx, cfg, ora, records, log, built.plan, opts); err != nil {
			log.Errorf("dispatch: %v", err)
		}
	}

	reportPath := ""
	finalExit := exitFromRecords(records)

	// --- Verifying / Replanning ---
	// Cancellation transitions any state directly to Summarizing with the
	// current partial run records (spec.md §4.10): a run cancelled during
	// Dispatching must not continue into Verifying/Replanning, so every
	// entry point into this block - the block itself, each validator pass,
	// and each reprocess re-dispatch - checks ctx.Err() first.
	if ctx.Err() == nil && (opts.Validate || opts.ValidateOnly || opts.ReprocessMissing) {
		iterations := 1
		if opts.ReprocessMissing {
			iterations = opts.MaxReprocessIterations
		}

		currentPlan := built.plan
		for i := 0; i < iterations; i++ {
			if ctx.Err() != nil {
				break
			}

			findings, err := runValidators(cfg, currentPlan.Units)
			if err != nil {
				log.Errorf("validate: %v", err)
				finalExit = ExitConfigOrPlan
				break
			}

			report := reprocess.BuildFromFindings(findings, "bidsbatch", filtersFor(opts), cfg.Common.InputDatasetRoot, cfg.Common.OutputRoot)
			reportPath = filepath.Join(reportsDir(cfg, opts), fmt.Sprintf("report_%s_%d.json", pipelineTag(opts.Pipeline), time.Now().Unix()+int64(i)))
			if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
				log.Errorf("validate: cannot create reports directory: %v", err)
				finalExit = ExitConfigOrPlan
				break
			}
			if err := reprocess.WriteReport(reportPath, report); err != nil {
				log.Errorf("validate: cannot write report: %v", err)
				finalExit = ExitConfigOrPlan
				break
			}

			if len(findings) == 0 {
				log.Infof("validate: no missing units found")
				break
			}
			finalExit = ExitUnitFailure

			if !opts.ReprocessMissing {
				break
			}

			units, err := reprocess.Units(report, opts.Pipeline)
			if err != nil {
				log.Errorf("reprocess: %v", err)
				finalExit = ExitConfigOrPlan
				break
			}
			if len(units) == 0 {
				break
			}
			if ctx.Err() != nil {
				break
			}
			currentPlan = bidsmodel.Plan{
				Units:       units,
				Provenance:  bidsmodel.ProvenanceFromReport,
				Force:       true,
				Parallelism: built.plan.Parallelism,
			}
			log.Infof("reprocess: iteration %d re-running %d unit(s)", i+1, len(units))
			if err := dispatch(ctx, cfg, ora, records, log, currentPlan, opts); err != nil {
				log.Errorf("dispatch: %v", err)
			}
			finalExit = exitFromRecords(records)
		}
	}

	// --- Summarizing ---
	printSummary(records, built.plan, time.Since(start), logDir, reportPath)

	return Result{ExitCode: finalExit, Plan: built.plan, Records: records, ReportPath: reportPath}
}

type planBuild struct {
	plan        bidsmodel.Plan
	skippedDone []bidsmodel.Unit
	nothingToDo bool
}

func buildPlan(cfg *config.Config, opts Options, log *bidslog.Logger) (planBuild, *oracle.Oracle, error) {
	ora := &oracle.Oracle{
		OutputRoot: cfg.Common.OutputRoot,
		Pattern:    cfg.App.OutputCheckPattern,
		PatternDir: cfg.App.OutputCheckDirectory,
		Log:        log,
	}

	allResult, err := dataset.Walk(dataset.WalkOptions{
		Root:         cfg.Common.InputDatasetRoot,
		SessionAware: cfg.App.SessionAware,
	})
	if err != nil {
		return planBuild{}, nil, fmt.Errorf("cannot enumerate dataset: %w", err)
	}
	for _, subj := range allResult.EmptySubjects {
		log.Warnf("dataset: sub-%s is session-aware but has no session directories", subj)
	}

	in := plan.Input{
		All:         allResult.Units,
		Force:       opts.Force,
		Parallelism: opts.Jobs,
		Oracle:      ora,
		Log:         log,
	}
	if in.Parallelism <= 0 {
		in.Parallelism = cfg.Common.Parallelism
	}

	if opts.FromReport != "" {
		report, err := reprocess.ReadReport(opts.FromReport)
		if err != nil {
			return planBuild{}, nil, err
		}
		units, err := reprocess.Units(report, opts.Pipeline)
		if err != nil {
			return planBuild{}, nil, err
		}
		in.FromReport = units
	}

	if len(opts.Subjects) > 0 {
		filtered, err := dataset.Walk(dataset.WalkOptions{
			Root:          cfg.Common.InputDatasetRoot,
			SessionAware:  cfg.App.SessionAware,
			SubjectFilter: opts.Subjects,
		})
		if err != nil {
			return planBuild{}, nil, fmt.Errorf("cannot enumerate dataset for explicit filter: %w", err)
		}
		if len(filtered.UnmatchedIDs) > 0 {
			return planBuild{}, nil, fmt.Errorf("explicit subject filter did not match: %v", filtered.UnmatchedIDs)
		}
		in.Explicit = filtered.Units
	}

	if opts.Pilot && opts.FromReport == "" && len(opts.Subjects) == 0 {
		survivors := survivingUnits(allResult.Units, ora)
		if len(survivors) == 0 {
			return planBuild{nothingToDo: true}, ora, nil
		}
		chosen := survivors[rand.Intn(len(survivors))]
		in.Pilot = []bidsmodel.Unit{chosen}
		in.Parallelism = 1
	}
	if opts.Debug {
		in.Parallelism = 1
	}

	result, err := plan.Build(in)
	if err != nil {
		return planBuild{}, nil, err
	}
	for _, s := range result.OverriddenSources {
		log.Warnf("plan: %s filter overridden by higher-priority %s filter", s, result.ActiveSource)
	}
	if len(result.Plan.Units) == 0 {
		return planBuild{nothingToDo: true, skippedDone: result.SkippedDone}, ora, nil
	}
	return planBuild{plan: result.Plan, skippedDone: result.SkippedDone}, ora, nil
}

// recordSkipped persists a skipped_already_done run record for every unit
// the oracle removed from the plan, so the summary's "skipped" count and
// the run record log reflect every unit that left the planned state, not
// only the ones actually dispatched.
func recordSkipped(records *runrecord.Log, units []bidsmodel.Unit, log *bidslog.Logger) {
	now := time.Now()
	for _, u := range units {
		rec := bidsmodel.RunRecord{Unit: u, Start: now, Stop: now, Class: bidsmodel.ClassSkippedAlreadyDone}
		if err := records.Put(rec); err != nil && log != nil {
			log.Warnf("plan: failed to persist skipped run record for %s: %v", u, err)
		}
	}
}

func survivingUnits(units []bidsmodel.Unit, ora *oracle.Oracle) []bidsmodel.Unit {
	var out []bidsmodel.Unit
	for _, u := range units {
		if ora.Evaluate(u, false) != oracle.Done {
			out = append(out, u)
		}
	}
	return out
}

func dispatch(ctx context.Context, cfg *config.Config, ora *oracle.Oracle, records *runrecord.Log, log *bidslog.Logger, p bidsmodel.Plan, opts Options) error {
	useCluster := opts.Backend == BackendCluster || (opts.Backend == BackendAuto && cfg.Cluster != nil)
	if useCluster {
		d := &clusterdispatch.Dispatcher{Config: cfg, Records: records, Log: log, Debug: opts.Debug, Oracle: ora}
		return d.Dispatch(ctx, p)
	}
	d := &localdispatch.Dispatcher{
		Config:     cfg,
		Oracle:     ora,
		Records:    records,
		Log:        log,
		Debug:      opts.Debug,
		Pilot:      opts.Pilot,
		Executable: opts.Executable,
		Dataset:    autoDetector(cfg, log),
	}
	return d.Dispatch(ctx, p)
}

// autoDetector builds the local dispatcher's content-addressed dataset
// pre-step/post-step, if config.Dataset names a recognized store
// reference. A plain filesystem dataset (the common case, and any unset or
// unrecognized reference) yields a nil AutoDetector, which is a no-op.
func autoDetector(cfg *config.Config, log *bidslog.Logger) *datasethelper.AutoDetector {
	if cfg.Dataset == nil || !datasethelper.Detect(cfg.Dataset.InputReference) {
		return nil
	}
	store, err := datasethelper.NewStore(cfg.Dataset.InputReference)
	if err != nil {
		log.Warnf("datasethelper: cannot construct store for %q: %v", cfg.Dataset.InputReference, err)
		return nil
	}
	return &datasethelper.AutoDetector{Store: store, Log: log}
}

func runValidators(cfg *config.Config, units []bidsmodel.Unit) ([]bidsmodel.Finding, error) {
	kind := validate.PipelineKind(cfg.App.Pipeline)
	if kind == "" {
		return nil, fmt.Errorf("app.pipeline must name a pipeline to validate (fmriprep|freesurfer|qsiprep|qsirecon)")
	}
	derivRoot := cfg.Common.OutputRoot
	return validate.Validate(kind, cfg.Common.InputDatasetRoot, derivRoot, units)
}

func printDryRun(cfg *config.Config, p bidsmodel.Plan, opts Options) {
	fmt.Printf("plan: %d unit(s), provenance=%s, force=%v, parallelism=%d\n", len(p.Units), p.Provenance, p.Force, p.Parallelism)
	for _, u := range p.Units {
		inv := container.Build(cfg, container.Options{
			Unit:       u,
			ScratchDir: filepath.Join(cfg.Common.ScratchRoot, u.ID()),
			LogDir:     filepath.Join(cfg.Common.OutputRoot, ".bidsbatch_logs"),
			Debug:      opts.Debug,
			Executable: opts.Executable,
		})
		fmt.Printf("%s %v\n", inv.Executable, inv.Args)
	}
}

func exitFromRecords(records *runrecord.Log) int {
	for _, rec := range records.All() {
		switch rec.Class {
		case bidsmodel.ClassFailedContainer, bidsmodel.ClassFailedOutputCheck,
			bidsmodel.ClassSubmitFailed, bidsmodel.ClassCancelled,
			bidsmodel.ClassCancelledSubmitted, bidsmodel.ClassCancelledRunning:
			return ExitUnitFailure
		}
	}
	return ExitSuccess
}

func printSummary(records *runrecord.Log, p bidsmodel.Plan, elapsed time.Duration, logDir, reportPath string) {
	counts := records.CountByClass()
	fmt.Println("--- summary ---")
	fmt.Printf("planned: %d\n", len(p.Units))
	for _, class := range []bidsmodel.Classification{
		bidsmodel.ClassSuccess, bidsmodel.ClassFailedContainer, bidsmodel.ClassFailedOutputCheck,
		bidsmodel.ClassSkippedAlreadyDone, bidsmodel.ClassCancelled, bidsmodel.ClassSubmitted,
		bidsmodel.ClassSubmitFailed, bidsmodel.ClassCancelledSubmitted, bidsmodel.ClassCancelledRunning,
	} {
		if n := counts[class]; n > 0 {
			fmt.Printf("%s: %d\n", class, n)
		}
	}
	fmt.Printf("elapsed: %s\n", elapsed.Round(time.Second))
	fmt.Printf("logs: %s\n", logDir)
	if reportPath != "" {
		fmt.Printf("report: %s\n", reportPath)
	}
}

func reportsDir(cfg *config.Config, opts Options) string {
	if opts.ReportsDir != "" {
		return opts.ReportsDir
	}
	return filepath.Join(cfg.Common.OutputRoot, ".bidsbatch_reports")
}

func pipelineTag(pipeline string) string {
	if pipeline == "" {
		return "all"
	}
	return pipeline
}

func filtersFor(opts Options) []string {
	var filters []string
	if len(opts.Subjects) > 0 {
		filters = append(filters, fmt.Sprintf("subjects=%v", opts.Subjects))
	}
	if opts.FromReport != "" {
		filters = append(filters, "from-report="+opts.FromReport)
	}
	if opts.Pilot {
		filters = append(filters, "pilot")
	}
	if opts.Force {
		filters = append(filters, "force")
	}
	return filters
}
