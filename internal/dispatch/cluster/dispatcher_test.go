package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
	"github.com/bids-batch/bidsbatch/internal/config"
	"github.com/bids-batch/bidsbatch/internal/oracle"
	"github.com/bids-batch/bidsbatch/internal/runrecord"
)

type fakeSubmitter struct {
	nextID    int
	failFor   map[string]bool
	submitted []string
	cancelled []string

	// queuedUntil, when set, makes Status report a job as queued until it
	// has been polled this many times; after that it reports finished.
	queuedUntil map[string]int
	statusCalls map[string]int
}

func (f *fakeSubmitter) Submit(ctx context.Context, command, scriptPath string) (string, error) {
	if f.failFor[scriptPath] {
		return "", fmt.Errorf("scheduler rejected job")
	}
	f.nextID++
	f.submitted = append(f.submitted, scriptPath)
	return fmt.Sprintf("Submitted batch job %d", f.nextID), nil
}

func (f *fakeSubmitter) Cancel(ctx context.Context, command, jobID string) error {
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeSubmitter) Status(ctx context.Context, command, jobID string) (string, error) {
	if f.statusCalls == nil {
		f.statusCalls = make(map[string]int)
	}
	f.statusCalls[jobID]++
	if f.statusCalls[jobID] <= f.queuedUntil[jobID] {
		return fmt.Sprintf("%s R\n", jobID), nil
	}
	return "", fmt.Errorf("job not found")
}

func clusterConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	bids := filepath.Join(dir, "bids")
	require.NoError(t, os.MkdirAll(bids, 0o755))
	containerImg := filepath.Join(dir, "fmriprep.sif")
	require.NoError(t, os.WriteFile(containerImg, []byte("fake"), 0o644))

	return &config.Config{
		Common: config.Common{
			InputDatasetRoot: bids,
			OutputRoot:       filepath.Join(dir, "out"),
			ScratchRoot:      filepath.Join(dir, "scratch"),
			ContainerImage:   containerImg,
			Parallelism:      1,
		},
		App: config.App{AnalysisLevel: config.LevelParticipant},
		Cluster: &config.Cluster{
			Walltime:      "4:00:00",
			Memory:        "16G",
			CPUs:          4,
			SubmitCommand: "sbatch",
			CancelCommand: "scancel",
			StatusCommand: "squeue",
			PollInterval:  60,
		},
	}
}

func TestDispatchSubmitsEachUnit(t *testing.T) {
	cfg := clusterConfig(t)
	sub := &fakeSubmitter{}
	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{Config: cfg, Records: records, Submitter: sub}
	units := []bidsmodel.Unit{{Subject: "001"}, {Subject: "002"}}
	require.NoError(t, d.Dispatch(context.Background(), bidsmodel.Plan{Units: units}))

	require.Len(t, sub.submitted, 2)
	rec, ok := records.Get(units[0])
	require.True(t, ok)
	require.Equal(t, bidsmodel.ClassSubmitted, rec.Class)
	require.Equal(t, "1", rec.JobID)
}

func TestDispatchRequiresClusterConfig(t *testing.T) {
	cfg := clusterConfig(t)
	cfg.Cluster = nil
	d := &Dispatcher{Config: cfg, Submitter: &fakeSubmitter{}}
	err := d.Dispatch(context.Background(), bidsmodel.Plan{Units: []bidsmodel.Unit{{Subject: "001"}}})
	require.Error(t, err)
}

func TestDispatchMarksSubmitFailed(t *testing.T) {
	cfg := clusterConfig(t)
	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{Config: cfg, Records: records, Submitter: alwaysFailSubmitter{}}
	u := bidsmodel.Unit{Subject: "003"}
	require.NoError(t, d.Dispatch(context.Background(), bidsmodel.Plan{Units: []bidsmodel.Unit{u}}))

	rec, ok := records.Get(u)
	require.True(t, ok)
	require.Equal(t, bidsmodel.ClassSubmitFailed, rec.Class)
}

type alwaysFailSubmitter struct{}

func (alwaysFailSubmitter) Submit(ctx context.Context, command, scriptPath string) (string, error) {
	return "", fmt.Errorf("scheduler unreachable")
}
func (alwaysFailSubmitter) Cancel(ctx context.Context, command, jobID string) error { return nil }
func (alwaysFailSubmitter) Status(ctx context.Context, command, jobID string) (string, error) {
	return "", fmt.Errorf("job not found")
}

func TestParseJobIDFromSlurmOutput(t *testing.T) {
	id, err := parseJobID("Submitted batch job 301942\n")
	require.NoError(t, err)
	require.Equal(t, "301942", id)
}

func TestParseJobIDErrorsOnUnrecognizedOutput(t *testing.T) {
	_, err := parseJobID("no numbers here")
	require.Error(t, err)
}

func TestDispatchMonitorTransitionsToSuccess(t *testing.T) {
	cfg := clusterConfig(t)
	cfg.Cluster.Monitor = true
	cfg.Cluster.PollInterval = 1

	sub := &fakeSubmitter{queuedUntil: map[string]int{"1": 1}}
	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)
	ora := &oracle.Oracle{OutputRoot: cfg.Common.OutputRoot}

	u := bidsmodel.Unit{Subject: "001"}
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Common.OutputRoot, "sub-001", "func"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Common.OutputRoot, "sub-001", "func", "out.nii.gz"), []byte(""), 0o644))

	d := &Dispatcher{Config: cfg, Records: records, Submitter: sub, Oracle: ora}
	require.NoError(t, d.Dispatch(context.Background(), bidsmodel.Plan{Units: []bidsmodel.Unit{u}}))

	rec, ok := records.Get(u)
	require.True(t, ok)
	require.Equal(t, bidsmodel.ClassSuccess, rec.Class)
	require.FileExists(t, filepath.Join(cfg.Common.OutputRoot, oracle.MarkerDir, u.ID()+"_success"))
}

func TestDispatchMonitorTransitionsToFailedOutputCheck(t *testing.T) {
	cfg := clusterConfig(t)
	cfg.Cluster.Monitor = true
	cfg.Cluster.PollInterval = 1

	sub := &fakeSubmitter{queuedUntil: map[string]int{"1": 0}}
	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)
	ora := &oracle.Oracle{OutputRoot: cfg.Common.OutputRoot}

	u := bidsmodel.Unit{Subject: "002"}

	d := &Dispatcher{Config: cfg, Records: records, Submitter: sub, Oracle: ora}
	require.NoError(t, d.Dispatch(context.Background(), bidsmodel.Plan{Units: []bidsmodel.Unit{u}}))

	rec, ok := records.Get(u)
	require.True(t, ok)
	require.Equal(t, bidsmodel.ClassFailedOutputCheck, rec.Class)
}

func TestCancelInReverseOrder(t *testing.T) {
	cfg := clusterConfig(t)
	sub := &fakeSubmitter{}
	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{Config: cfg, Records: records, Submitter: sub}
	units := []bidsmodel.Unit{{Subject: "001"}, {Subject: "002"}}
	jobIDs := map[string]string{"001": "10", "002": "20"}
	d.cancelInReverse(units, jobIDs)

	require.Equal(t, []string{"20", "10"}, sub.cancelled)
}

func TestCancelInReverseClassifiesBySeenRunning(t *testing.T) {
	cfg := clusterConfig(t)
	sub := &fakeSubmitter{}
	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{Config: cfg, Records: records, Submitter: sub, seenRunning: map[string]bool{"001": true}}
	units := []bidsmodel.Unit{{Subject: "001"}, {Subject: "002"}}
	jobIDs := map[string]string{"001": "10", "002": "20"}
	d.cancelInReverse(units, jobIDs)

	rec1, ok := records.Get(units[0])
	require.True(t, ok)
	require.Equal(t, bidsmodel.ClassCancelledRunning, rec1.Class)

	rec2, ok := records.Get(units[1])
	require.True(t, ok)
	require.Equal(t, bidsmodel.ClassCancelledSubmitted, rec2.Class)
}

func TestSubmitOneRendersDatasetSteps(t *testing.T) {
	cfg := clusterConfig(t)
	cfg.Dataset = &config.Dataset{
		InputReference: "https://example.org/dataset",
		OutputReference: "https://example.org/derivatives",
		PerUnitBranch:   true,
		Push:            true,
	}
	cfg.Cluster.LockFile = "/tmp/test.lock"
	sub := &fakeSubmitter{}
	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{Config: cfg, Records: records, Submitter: sub}
	u := bidsmodel.Unit{Subject: "001"}
	_, err = d.submitOne(context.Background(), u)
	require.NoError(t, err)

	scriptPath := filepath.Join(cfg.Common.ScratchRoot, u.ID(), "submit.sh")
	script, err := os.ReadFile(scriptPath)
	require.NoError(t, err)
	require.Contains(t, string(script), "flock /tmp/test.lock")
	require.Contains(t, string(script), "datalad clone https://example.org/dataset")
	require.Contains(t, string(script), "git checkout -b bidsbatch-001")
	require.Contains(t, string(script), "datalad push --to https://example.org/derivatives")
}
