// Command bidsbatch is a one-shot batch execution engine for BIDS-App
// neuroimaging pipelines: it plans which subjects/sessions still need
// processing, dispatches them to a local worker pool or a cluster
// scheduler, validates the results, and optionally loops reprocessing
// until nothing is missing or an iteration cap is hit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bids-batch/bidsbatch/internal/bidslog"
	"github.com/bids-batch/bidsbatch/internal/orchestrator"
)

var (
	cfgFile          string
	subjects         []string
	fromReport       string
	pipeline         string
	force            bool
	dryRun           bool
	pilot            bool
	jobs             int
	debug            bool
	validateFlag     bool
	validateOnly     bool
	reprocessMissing bool
	useLocal         bool
	useCluster       bool
	maxReprocessIter int
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bidsbatch",
		Short: "Batch execution engine for BIDS-App neuroimaging pipelines",
		Long: `bidsbatch plans, dispatches, and verifies one run of a BIDS-App
container across every subject (or subject/session) in a dataset that is
not yet done, using a completion oracle to skip finished work and a
validator to confirm what ran actually produced the expected outputs.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "configuration file path (required)")
	cmd.Flags().StringSliceVar(&subjects, "subjects", nil, "explicit subject ids to run (comma-separated or repeated)")
	cmd.Flags().StringVar(&fromReport, "from-report", "", "build the plan from a validator report's missing units")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "pipeline name used to filter a multi-pipeline report (fmriprep|freesurfer|qsiprep|qsirecon); the validator is chosen by app.pipeline")
	cmd.Flags().BoolVar(&force, "force", false, "re-run units even if the completion oracle considers them done")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the container invocations that would run, without running them")
	cmd.Flags().BoolVar(&pilot, "pilot", false, "run exactly one randomly chosen not-done unit, at parallelism 1")
	cmd.Flags().IntVar(&jobs, "jobs", 0, "local worker pool size (0 = use config's common.parallelism)")
	cmd.Flags().BoolVar(&debug, "debug", false, "single-worker, verbose run with a split debug log per unit")
	cmd.Flags().BoolVar(&validateFlag, "validate", false, "run the pipeline validator after dispatch and write a report")
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "skip dispatch; only validate the existing derivatives tree")
	cmd.Flags().BoolVar(&reprocessMissing, "reprocess-missing", false, "loop dispatch+validate until nothing is missing or the iteration cap is hit")
	cmd.Flags().IntVar(&maxReprocessIter, "max-reprocess-iterations", orchestrator.DefaultMaxReprocessIterations, "cap on --reprocess-missing iterations")
	cmd.Flags().BoolVar(&useLocal, "local", false, "force the local worker-pool dispatcher")
	cmd.Flags().BoolVar(&useCluster, "cluster", false, "force the cluster scheduler dispatcher")

	return cmd
}

func run(cmd *cobra.Command) error {
	if cfgFile == "" {
		return fmt.Errorf("--config is required")
	}
	if useLocal && useCluster {
		return fmt.Errorf("--local and --cluster are mutually exclusive")
	}

	backend := orchestrator.BackendAuto
	switch {
	case useLocal:
		backend = orchestrator.BackendLocal
	case useCluster:
		backend = orchestrator.BackendCluster
	}

	log := bidslog.NewDefault()
	if debug {
		bidslog.SetGlobalLevel(0) // zerolog.DebugLevel
	}

	opts := orchestrator.Options{
		ConfigPath:             cfgFile,
		Subjects:               subjects,
		FromReport:             fromReport,
		Pipeline:               pipeline,
		Force:                  force,
		DryRun:                 dryRun,
		Pilot:                  pilot,
		Jobs:                   jobs,
		Debug:                  debug,
		Validate:               validateFlag,
		ValidateOnly:           validateOnly,
		ReprocessMissing:       reprocessMissing,
		Backend:                backend,
		MaxReprocessIterations: maxReprocessIter,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				log.Warnf("received signal %v, cancelling in-flight units", sig)
				cancel()
			}
		}
	}()
	defer func() {
		signal.Stop(sigChan)
		close(sigChan)
	}()

	result := orchestrator.Run(ctx, opts, log)
	os.Exit(result.ExitCode)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(orchestrator.ExitConfigOrPlan)
	}
}
