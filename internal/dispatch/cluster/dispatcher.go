// Package cluster submits a plan's units as scheduler jobs (Slurm by
// default) instead of running them directly. Script composition and
// metadata extraction follow the teacher's SGE script templating and
// regex-based parsing (internal/pur/parser/sge.go): directives are
// written as structured comment lines by a template, and the submission
// command's job id is recovered from its trailing stdout token with a
// single regex, mirroring SGEParser's per-field regex table.
//
// When config.Dataset names a content-addressed dataset, the generated
// script itself clones the input reference into job-local scratch under
// an advisory flock (config.Cluster.LockFile), checks out a per-unit
// branch when configured, and pushes derivatives back under the same
// lock on success. This has to live in the script rather than in this
// package's Go code because a submitted job runs on a remote compute
// node this process does not share a filesystem with.
package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/bids-batch/bidsbatch/internal/bidslog"
	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
	"github.com/bids-batch/bidsbatch/internal/config"
	"github.com/bids-batch/bidsbatch/internal/container"
	"github.com/bids-batch/bidsbatch/internal/oracle"
	"github.com/bids-batch/bidsbatch/internal/runrecord"
)

// defaultLockFile is used when cluster.lock_file is unset but a dataset
// section is present, so concurrently running scripts still serialize their
// clone/push under a well-known path instead of racing unguarded.
const defaultLockFile = "/tmp/bidsbatch_dataset.lock"

// jobIDPattern matches the trailing token of a scheduler's submission
// output, e.g. Slurm's "Submitted batch job 301942".
var jobIDPattern = regexp.MustCompile(`(\d+)\s*$`)

const scriptTemplateText = `#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --output={{.OutputPattern}}
#SBATCH --error={{.ErrorPattern}}
#SBATCH --time={{.Walltime}}
#SBATCH --mem={{.Memory}}
#SBATCH --cpus-per-task={{.CPUs}}
{{- if .Queue}}
#SBATCH --partition={{.Queue}}
{{- end}}

set -uo pipefail

{{range .Modules}}module load {{.}}
{{end -}}
{{range $k, $v := .Env}}export {{$k}}="{{$v}}"
{{end -}}
{{if .Dataset}}
# Clone/attach the input dataset to per-job scratch under the advisory
# lock, then fetch this unit's structure-only view and switch to a
# per-unit branch.
flock {{.LockFile}} bash -c 'datalad clone {{.InputReference}} {{.DatasetDir}}'
cd {{.DatasetDir}}
datalad get -n sub-{{.Subject}}{{if .Session}}/ses-{{.Session}}{{end}}
{{if .PerUnitBranch}}git checkout -b {{.BranchName}}
{{end -}}
cd -
{{end}}
if {{.ExecLine}}; then
  BIDSBATCH_EXIT=0
else
  BIDSBATCH_EXIT=$?
fi
{{if .Dataset}}
if [ "$BIDSBATCH_EXIT" -eq 0 ]{{if .Push}} && [ -n "{{.OutputReference}}" ]{{end}}; then
  cd {{.DatasetDir}}
{{if .Push}}  flock {{.LockFile}} bash -c 'datalad push --to {{.OutputReference}}'
{{end -}}
  cd -
fi
rm -rf {{.DatasetDir}}
{{end}}
exit $BIDSBATCH_EXIT
`

var scriptTemplate = template.Must(template.New("sbatch").Parse(scriptTemplateText))

type scriptVars struct {
	JobName       string
	OutputPattern string
	ErrorPattern  string
	Walltime      string
	Memory        string
	CPUs          int
	Queue         string
	Modules       []string
	Env           map[string]string
	ExecLine      string

	// Dataset-helper fields, populated only when config.Dataset is set
	// (spec.md §4.7 "Script composition" items 3, 5, 6; §5 para 3): the
	// generated script itself clones/pushes under an advisory lock,
	// since a cluster job runs on a remote node the orchestrator process
	// never touches directly.
	Dataset         bool
	LockFile        string
	InputReference  string
	OutputReference string
	PerUnitBranch   bool
	Push            bool
	DatasetDir      string
	BranchName      string
	Subject         string
	Session         string
}

// Submitter runs the scheduler's submission/cancellation/status CLI.
// Tests inject a fake so no real scheduler needs to be present.
type Submitter interface {
	Submit(ctx context.Context, command, scriptPath string) (stdout string, err error)
	Cancel(ctx context.Context, command, jobID string) error
	Status(ctx context.Context, command, jobID string) (stdout string, err error)
}

// ExecSubmitter shells out to the real scheduler binaries.
type ExecSubmitter struct{}

func (ExecSubmitter) Submit(ctx context.Context, command, scriptPath string) (string, error) {
	cmd := exec.CommandContext(ctx, command, scriptPath)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func (ExecSubmitter) Cancel(ctx context.Context, command, jobID string) error {
	return exec.CommandContext(ctx, command, jobID).Run()
}

func (ExecSubmitter) Status(ctx context.Context, command, jobID string) (string, error) {
	out, err := exec.CommandContext(ctx, command, jobID).CombinedOutput()
	return string(out), err
}

// Dispatcher submits a plan's units to a cluster scheduler.
type Dispatcher struct {
	Config    *config.Config
	Records   *runrecord.Log
	Log       *bidslog.Logger
	Submitter Submitter
	// Oracle confirms expected outputs after a monitored job leaves the
	// scheduler queue, the same layers 2-4 check the local dispatcher
	// uses, so completion classification is identical across backends
	// (spec §4.7 "Separation from local dispatch").
	Oracle *oracle.Oracle
	Debug  bool

	// seenRunning records which submitted jobs monitor observed still
	// queued/running at least once, so a cancellation after the fact can
	// tell cancelled_running apart from cancelled_submitted (spec §5).
	seenRunning map[string]bool
}

// Dispatch writes and submits one script per unit, optionally polling job
// status at Cluster.PollInterval when Cluster.Monitor is set. Submission
// failures classify that unit as submit_failed without aborting the rest
// of the plan.
func (d *Dispatcher) Dispatch(ctx context.Context, plan bidsmodel.Plan) error {
	if d.Submitter == nil {
		d.Submitter = ExecSubmitter{}
	}
	cl := d.Config.Cluster
	if cl == nil {
		return fmt.Errorf("cluster: dispatch requires a cluster configuration section")
	}

	submitted := make([]bidsmodel.Unit, 0, len(plan.Units))
	jobIDs := make(map[string]string, len(plan.Units))
	d.seenRunning = make(map[string]bool, len(plan.Units))

	for _, u := range plan.Units {
		select {
		case <-ctx.Done():
			d.record(u, bidsmodel.ClassCancelledSubmitted, "", "cancelled before submission")
			continue
		default:
		}

		jobID, err := d.submitOne(ctx, u)
		if err != nil {
			d.record(u, bidsmodel.ClassSubmitFailed, "", err.Error())
			continue
		}
		jobIDs[u.ID()] = jobID
		submitted = append(submitted, u)
		d.record(u, bidsmodel.ClassSubmitted, jobID, "")
	}

	if cl.Monitor && len(submitted) > 0 {
		d.monitor(ctx, submitted, jobIDs)
	}

	if ctx.Err() != nil {
		d.cancelInReverse(submitted, jobIDs)
	}
	return nil
}

func (d *Dispatcher) submitOne(ctx context.Context, u bidsmodel.Unit) (string, error) {
	cl := d.Config.Cluster
	scratchDir := filepath.Join(d.Config.Common.ScratchRoot, u.ID())
	logDir := filepath.Join(d.Config.Common.OutputRoot, ".bidsbatch_logs")
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create scratch dir: %w", err)
	}

	inv := container.Build(d.Config, container.Options{
		Unit:       u,
		ScratchDir: scratchDir,
		LogDir:     logDir,
		Debug:      d.Debug,
	})

	jobName := fmt.Sprintf("%s_%s", cl.JobNameBase, u.ID())
	if cl.JobNameBase == "" {
		jobName = "bidsbatch_" + u.ID()
	}

	vars := scriptVars{
		JobName:       jobName,
		OutputPattern: substituteUnit(cl.OutputPattern, u),
		ErrorPattern:  substituteUnit(cl.ErrorPattern, u),
		Walltime:      cl.Walltime,
		Memory:        cl.Memory,
		CPUs:          cl.CPUs,
		Queue:         cl.Queue,
		Modules:       cl.Modules,
		Env:           cl.Environment,
		ExecLine:      execLine(inv),
	}
	if ds := d.Config.Dataset; ds != nil {
		lockFile := cl.LockFile
		if lockFile == "" {
			lockFile = defaultLockFile
		}
		vars.Dataset = true
		vars.LockFile = lockFile
		vars.InputReference = ds.InputReference
		vars.OutputReference = ds.OutputReference
		vars.PerUnitBranch = ds.PerUnitBranch
		vars.Push = ds.Push
		vars.DatasetDir = filepath.Join(scratchDir, "dataset")
		vars.BranchName = "bidsbatch-" + u.ID()
		vars.Subject = u.Subject
		vars.Session = u.Session
	}

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("cannot render submission script: %w", err)
	}

	scriptPath := filepath.Join(scratchDir, "submit.sh")
	if err := os.WriteFile(scriptPath, buf.Bytes(), 0o755); err != nil {
		return "", fmt.Errorf("cannot write submission script: %w", err)
	}

	stdout, err := d.Submitter.Submit(ctx, cl.SubmitCommand, scriptPath)
	if err != nil {
		return "", fmt.Errorf("submission failed: %w (%s)", err, strings.TrimSpace(stdout))
	}
	jobID, err := parseJobID(stdout)
	if err != nil {
		return "", err
	}
	return jobID, nil
}

func execLine(inv container.Invocation) string {
	parts := make([]string, 0, len(inv.Env)+len(inv.Args)+1)
	parts = append(parts, inv.Env...)
	parts = append(parts, inv.Executable)
	parts = append(parts, inv.Args...)
	return strings.Join(parts, " ") + fmt.Sprintf(" > %s 2>&1", inv.LogPath)
}

func substituteUnit(pattern string, u bidsmodel.Unit) string {
	pattern = strings.ReplaceAll(pattern, "{subject}", u.Subject)
	pattern = strings.ReplaceAll(pattern, "{session}", u.Session)
	pattern = strings.ReplaceAll(pattern, "{unit}", u.ID())
	return pattern
}

// parseJobID extracts the scheduler-assigned job id from submission
// stdout, e.g. Slurm's "Submitted batch job 301942".
func parseJobID(stdout string) (string, error) {
	m := jobIDPattern.FindStringSubmatch(strings.TrimSpace(stdout))
	if m == nil {
		return "", fmt.Errorf("could not parse job id from submission output: %q", stdout)
	}
	return m[1], nil
}

// monitor polls the scheduler's status command until every tracked job has
// left the queue, then classifies each as succeeded or failed the same way
// the local dispatcher does: oracle layers 2-4 confirm expected outputs,
// and a success writes the shared success marker (spec §4.7 "scenario F" —
// submitted -> running -> succeeded/failed, exit 0 iff both succeed).
func (d *Dispatcher) monitor(ctx context.Context, units []bidsmodel.Unit, jobIDs map[string]string) {
	cl := d.Config.Cluster
	progress := mpb.New(mpb.WithOutput(os.Stderr))
	bars := make(map[string]*mpb.Bar, len(units))
	for _, u := range units {
		bars[u.ID()] = progress.AddBar(1,
			mpb.PrependDecorators(decor.Name(u.String())),
			mpb.AppendDecorators(decor.OnComplete(decor.Name("done"), "queued")),
		)
	}

	interval := time.Duration(cl.PollInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	remaining := len(units)
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, u := range units {
				if bars[u.ID()].Completed() {
					continue
				}
				queued, err := d.isQueued(ctx, jobIDs[u.ID()])
				if err != nil && d.Log != nil {
					d.Log.Warnf("cluster: status check failed for %s: %v", u, err)
					continue
				}
				if queued {
					if !d.seenRunning[u.ID()] {
						d.seenRunning[u.ID()] = true
						d.record(u, bidsmodel.ClassRunning, jobIDs[u.ID()], "")
					}
					continue
				}
				bars[u.ID()].SetCurrent(1)
				bars[u.ID()].Abort(false)
				remaining--
				d.finishTrackedJob(u, jobIDs[u.ID()])
			}
		}
	}
}

// finishTrackedJob classifies a job that has left the scheduler queue,
// mirroring the local dispatcher's post-run oracle check so the two
// backends agree on success/failure for identical outputs.
func (d *Dispatcher) finishTrackedJob(u bidsmodel.Unit, jobID string) {
	if d.Oracle == nil || !d.Oracle.EvaluateOutputsOnly(u) {
		d.record(u, bidsmodel.ClassFailedOutputCheck, jobID, "job left the scheduler queue but expected outputs were not found")
		return
	}
	if err := d.Oracle.WriteSuccessMarker(u, time.Now()); err != nil {
		if os.IsExist(err) {
			d.record(u, bidsmodel.ClassFailedContainer, jobID, fmt.Sprintf("success marker already exists for %s: unit dispatched more than once", u))
			return
		}
		if d.Log != nil {
			d.Log.Warnf("cluster: failed to write success marker for %s: %v", u, err)
		}
	}
	d.record(u, bidsmodel.ClassSuccess, jobID, "")
}

// isQueued reports whether jobID still appears in the scheduler's status
// output (pending or running). A non-zero exit from most status commands
// means the job is no longer queued (already finished or purged).
func (d *Dispatcher) isQueued(ctx context.Context, jobID string) (bool, error) {
	out, err := d.Submitter.Status(ctx, d.Config.Cluster.StatusCommand, jobID)
	if err != nil {
		return false, nil
	}
	return strings.Contains(out, jobID), nil
}

// cancelInReverse cancels submitted jobs in reverse submission order, so
// the most recently submitted (least likely to have produced partial
// output) is cancelled first. A job the monitor had observed running is
// classified cancelled_running rather than cancelled_submitted (spec §5:
// "cancelled_running if it began").
func (d *Dispatcher) cancelInReverse(units []bidsmodel.Unit, jobIDs map[string]string) {
	cl := d.Config.Cluster
	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		jobID := jobIDs[u.ID()]
		if jobID == "" {
			continue
		}
		if d.Records != nil {
			if rec, ok := d.Records.Get(u); ok && rec.Done() {
				continue
			}
		}
		ctx := context.Background()
		err := d.Submitter.Cancel(ctx, cl.CancelCommand, jobID)
		class := bidsmodel.ClassCancelledSubmitted
		if d.seenRunning[u.ID()] {
			class = bidsmodel.ClassCancelledRunning
		}
		if err != nil && d.Log != nil {
			d.Log.Warnf("cluster: cancel failed for %s (job %s): %v", u, jobID, err)
		}
		d.record(u, class, jobID, "cancelled by operator")
	}
}

func (d *Dispatcher) record(u bidsmodel.Unit, class bidsmodel.Classification, jobID, detail string) {
	rec := bidsmodel.RunRecord{
		Unit:   u,
		Start:  time.Now(),
		Class:  class,
		JobID:  jobID,
		Detail: detail,
	}
	if d.Records != nil {
		if err := d.Records.Put(rec); err != nil && d.Log != nil {
			d.Log.Warnf("cluster: failed to persist run record for %s: %v", u, err)
		}
	}
	if d.Log != nil {
		d.Log.Infof("%s: %s (job %s)", u, class, jobID)
	}
}
