// Package local runs a plan's units directly on the current host with a
// bounded worker pool, mirroring the teacher's tar/upload/job worker-pool
// shape (one queue, N goroutines draining it, a WaitGroup to join) but
// collapsed to a single stage since a container invocation has no
// tar/upload/submit pipeline of its own.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/bids-batch/bidsbatch/internal/bidslog"
	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
	"github.com/bids-batch/bidsbatch/internal/config"
	"github.com/bids-batch/bidsbatch/internal/container"
	"github.com/bids-batch/bidsbatch/internal/datasethelper"
	"github.com/bids-batch/bidsbatch/internal/oracle"
	"github.com/bids-batch/bidsbatch/internal/runrecord"
)

// GracePeriod is how long a cancelled unit's process is given to exit
// cleanly (SIGTERM) before the dispatcher escalates to SIGKILL.
var GracePeriod = 15 * time.Second

// Runner spawns one container invocation and waits for it to finish. The
// real implementation shells out via os/exec; tests inject a fake.
type Runner interface {
	Run(ctx context.Context, inv container.Invocation) (exitCode int, err error)
}

// ExecRunner runs invocations as real subprocesses.
type ExecRunner struct{}

// Run implements Runner by exec'ing inv.Executable with inv.Args, writing
// stdout and stderr to inv.LogPath; when inv.DebugLogPath is set (debug
// mode), stdout goes to inv.LogPath and stderr to inv.DebugLogPath.
func (ExecRunner) Run(ctx context.Context, inv container.Invocation) (int, error) {
	if err := os.MkdirAll(filepath.Dir(inv.LogPath), 0o755); err != nil {
		return -1, fmt.Errorf("local: cannot create log directory: %w", err)
	}
	logFile, err := os.Create(inv.LogPath)
	if err != nil {
		return -1, fmt.Errorf("local: cannot create log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, inv.Executable, inv.Args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = append(os.Environ(), inv.Env...)
	// On cancellation, terminate cleanly first and give the container
	// GracePeriod to exit before exec's default hard-kill-on-WaitDelay
	// escalates to SIGKILL (spec.md §5: "signalled with terminate, then
	// after a configurable grace period ... hard-killed").
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = GracePeriod

	if inv.DebugLogPath != "" {
		debugFile, err := os.Create(inv.DebugLogPath)
		if err != nil {
			return -1, fmt.Errorf("local: cannot create debug log file: %w", err)
		}
		defer debugFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = debugFile
	} else {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return -1, runErr
		}
	}
	return exitCode, nil
}

// Dispatcher runs a plan locally.
type Dispatcher struct {
	Config  *config.Config
	Oracle  *oracle.Oracle
	Records *runrecord.Log
	Log     *bidslog.Logger
	Runner  Runner
	Debug   bool
	Pilot   bool
	Executable string

	// Dataset is the optional content-addressed dataset pre-step/post-step
	// around a unit's run (spec §4.6 step 3); nil when config.Dataset names
	// no recognized store, which is the common case of a plain filesystem
	// dataset.
	Dataset *datasethelper.AutoDetector

	progress *progressbar.ProgressBar
}

// newDispatchProgress builds the live per-unit progress bar, matching the
// teacher's DownloadUI.isTerminal gate (internal/progress/downloadui.go):
// a real bar when stderr is an interactive terminal, a discarded one
// (still tracked, never rendered) when output is redirected to a file or
// pipe, so a non-interactive run's log isn't spammed with carriage returns.
func newDispatchProgress(total int64) *progressbar.ProgressBar {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(io.Discard),
			progressbar.OptionSetDescription("dispatching"),
		)
	}
	return progressbar.Default(total, "dispatching")
}

// Dispatch runs every unit in plan, honoring ctx cancellation, and returns
// once all units have reached a terminal classification.
func (d *Dispatcher) Dispatch(ctx context.Context, plan bidsmodel.Plan) error {
	if d.Runner == nil {
		d.Runner = ExecRunner{}
	}

	workers := plan.Parallelism
	if workers <= 0 {
		workers = 1
	}
	if workers > len(plan.Units) {
		workers = len(plan.Units)
	}
	if d.Pilot || d.Debug {
		workers = 1
	}
	if workers < 1 {
		workers = 1
	}

	d.progress = newDispatchProgress(int64(len(plan.Units)))

	queue := make(chan bidsmodel.Unit)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go d.worker(ctx, &wg, queue, plan.Force)
	}

	go func() {
		defer close(queue)
		for i, u := range plan.Units {
			select {
			case <-ctx.Done():
				for _, rest := range plan.Units[i:] {
					now := time.Now()
					d.record(rest, now, now, -1, "", bidsmodel.ClassCancelled, "", "", "cancelled before dispatch")
				}
				return
			case queue <- u:
			}
		}
	}()

	wg.Wait()
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, wg *sync.WaitGroup, queue <-chan bidsmodel.Unit, force bool) {
	defer wg.Done()
	for u := range queue {
		d.runOne(ctx, u, force)
		_ = d.progress.Add(1)
	}
}

func (d *Dispatcher) runOne(ctx context.Context, u bidsmodel.Unit, force bool) {
	scratchDir := filepath.Join(d.Config.Common.ScratchRoot, u.ID())
	logDir := filepath.Join(d.Config.Common.OutputRoot, ".bidsbatch_logs")

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		d.record(u, time.Now(), time.Now(), -1, "", bidsmodel.ClassFailedContainer, "", scratchDir, err.Error())
		return
	}

	d.Dataset.PreStep(ctx, u, scratchDir)

	inv := container.Build(d.Config, container.Options{
		Unit:       u,
		ScratchDir: scratchDir,
		LogDir:     logDir,
		Debug:      d.Debug,
		Executable: d.Executable,
	})

	start := time.Now()
	exitCode, err := d.Runner.Run(ctx, inv)
	stop := time.Now()

	if ctx.Err() != nil {
		d.record(u, start, stop, exitCode, inv.LogPath, bidsmodel.ClassCancelled, "", scratchDir, "cancelled by operator")
		os.RemoveAll(scratchDir)
		return
	}

	if err != nil || exitCode != 0 {
		detail := ""
		if err != nil {
			detail = err.Error()
		} else {
			detail = fmt.Sprintf("container exited with status %d", exitCode)
		}
		if tail := tailLines(inv.LogPath, 20); tail != "" {
			detail += "\n" + tail
		}
		d.record(u, start, stop, exitCode, inv.LogPath, bidsmodel.ClassFailedContainer, "", retainedScratchDir(scratchDir, force), detail)
		return
	}

	if !d.Oracle.EvaluateOutputsOnly(u) {
		detail := "container exited 0 but expected outputs were not found"
		if tail := tailLines(inv.LogPath, 20); tail != "" {
			detail += "\n" + tail
		}
		d.record(u, start, stop, exitCode, inv.LogPath, bidsmodel.ClassFailedOutputCheck, "", retainedScratchDir(scratchDir, force), detail)
		return
	}

	if err := d.Oracle.WriteSuccessMarker(u, stop); err != nil {
		if os.IsExist(err) {
			// The same unit was scheduled more than once; that is a
			// programming bug in the planner, not a container failure.
			d.record(u, start, stop, exitCode, inv.LogPath, bidsmodel.ClassFailedContainer, "", retainedScratchDir(scratchDir, force),
				fmt.Sprintf("success marker already exists for %s: unit dispatched more than once", u))
			return
		}
		if d.Log != nil {
			d.Log.Warnf("local: failed to write success marker for %s: %v", u, err)
		}
	}
	if err := d.Dataset.PostStep(ctx, u, scratchDir); err != nil && d.Log != nil {
		d.Log.Warnf("local: dataset post-step failed for %s: %v", u, err)
	}
	d.record(u, start, stop, exitCode, inv.LogPath, bidsmodel.ClassSuccess, "", "", "")
	os.RemoveAll(scratchDir)
}

// retainedScratchDir mirrors the original tool's behavior of keeping a
// failed unit's scratch directory around for inspection, unless the
// operator passed --force, in which case the point of a retry is to start
// clean rather than accumulate stale scratch directories across attempts.
func retainedScratchDir(scratchDir string, force bool) string {
	if force {
		os.RemoveAll(scratchDir)
		return ""
	}
	return scratchDir
}

// tailLines returns the last n lines of path, or "" if the file cannot be
// read. Used to carry a failure's last few lines of output into the run
// record's detail field instead of just its exit status.
func tailLines(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func (d *Dispatcher) record(u bidsmodel.Unit, start, stop time.Time, exitCode int, logPath string, class bidsmodel.Classification, jobID, scratchDir, detail string) {
	rec := bidsmodel.RunRecord{
		Unit:       u,
		Start:      start,
		Stop:       stop,
		ExitCode:   exitCode,
		LogPath:    logPath,
		Class:      class,
		JobID:      jobID,
		ScratchDir: scratchDir,
		Detail:     detail,
	}
	if d.Records != nil {
		if err := d.Records.Put(rec); err != nil && d.Log != nil {
			d.Log.Warnf("local: failed to persist run record for %s: %v", u, err)
		}
	}
	if d.Log != nil {
		switch class {
		case bidsmodel.ClassSuccess:
			d.Log.Infof("%s: success", u)
		case bidsmodel.ClassCancelled:
			d.Log.Warnf("%s: cancelled", u)
		default:
			d.Log.Errorf("%s: %s (%s)", u, class, detail)
		}
	}
}
