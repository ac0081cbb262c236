package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
	"github.com/bids-batch/bidsbatch/internal/config"
	"github.com/bids-batch/bidsbatch/internal/container"
	"github.com/bids-batch/bidsbatch/internal/oracle"
	"github.com/bids-batch/bidsbatch/internal/runrecord"
)

// fakeRunner lets tests control exit codes and which units actually
// produce output files, without spawning real processes.
type fakeRunner struct {
	exitCode   int
	err        error
	writeFile  func(inv container.Invocation) // called before returning, to simulate container output
}

func (f fakeRunner) Run(ctx context.Context, inv container.Invocation) (int, error) {
	if f.writeFile != nil {
		f.writeFile(inv)
	}
	return f.exitCode, f.err
}

func setupConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	bids := filepath.Join(dir, "bids")
	require.NoError(t, os.MkdirAll(bids, 0o755))
	containerImg := filepath.Join(dir, "fmriprep.sif")
	require.NoError(t, os.WriteFile(containerImg, []byte("fake"), 0o644))
	out := filepath.Join(dir, "out")
	scratch := filepath.Join(dir, "scratch")
	require.NoError(t, os.MkdirAll(out, 0o755))
	require.NoError(t, os.MkdirAll(scratch, 0o755))

	return &config.Config{
		Common: config.Common{
			InputDatasetRoot: bids,
			OutputRoot:       out,
			ScratchRoot:      scratch,
			ContainerImage:   containerImg,
			Parallelism:      2,
		},
		App: config.App{AnalysisLevel: config.LevelParticipant},
	}
}

func TestDispatchSuccessWritesMarkerAndRecord(t *testing.T) {
	cfg := setupConfig(t)
	u := bidsmodel.Unit{Subject: "001"}

	runner := fakeRunner{
		exitCode: 0,
		writeFile: func(inv container.Invocation) {
			subjDir := filepath.Join(cfg.Common.OutputRoot, "sub-001", "anat")
			require.NoError(t, os.MkdirAll(subjDir, 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(subjDir, "out.nii.gz"), []byte(""), 0o644))
		},
	}

	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{
		Config:  cfg,
		Oracle:  &oracle.Oracle{OutputRoot: cfg.Common.OutputRoot},
		Records: records,
		Runner:  runner,
	}

	err = d.Dispatch(context.Background(), bidsmodel.Plan{Units: []bidsmodel.Unit{u}, Parallelism: 1})
	require.NoError(t, err)

	rec, ok := records.Get(u)
	require.True(t, ok)
	require.Equal(t, bidsmodel.ClassSuccess, rec.Class)
	require.FileExists(t, filepath.Join(cfg.Common.OutputRoot, oracle.MarkerDir, u.ID()+"_success"))
}

func TestDispatchNonZeroExitIsFailedContainer(t *testing.T) {
	cfg := setupConfig(t)
	u := bidsmodel.Unit{Subject: "002"}
	runner := fakeRunner{exitCode: 1}

	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{
		Config:  cfg,
		Oracle:  &oracle.Oracle{OutputRoot: cfg.Common.OutputRoot},
		Records: records,
		Runner:  runner,
	}
	require.NoError(t, d.Dispatch(context.Background(), bidsmodel.Plan{Units: []bidsmodel.Unit{u}, Parallelism: 1}))

	rec, ok := records.Get(u)
	require.True(t, ok)
	require.Equal(t, bidsmodel.ClassFailedContainer, rec.Class)
}

func TestDispatchZeroExitButNoOutputIsFailedOutputCheck(t *testing.T) {
	cfg := setupConfig(t)
	u := bidsmodel.Unit{Subject: "003"}
	runner := fakeRunner{exitCode: 0}

	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{
		Config:  cfg,
		Oracle:  &oracle.Oracle{OutputRoot: cfg.Common.OutputRoot},
		Records: records,
		Runner:  runner,
	}
	require.NoError(t, d.Dispatch(context.Background(), bidsmodel.Plan{Units: []bidsmodel.Unit{u}, Parallelism: 1}))

	rec, ok := records.Get(u)
	require.True(t, ok)
	require.Equal(t, bidsmodel.ClassFailedOutputCheck, rec.Class)
}

func TestDispatchPilotForcesSingleWorker(t *testing.T) {
	cfg := setupConfig(t)
	units := []bidsmodel.Unit{{Subject: "001"}, {Subject: "002"}, {Subject: "003"}}
	runner := fakeRunner{exitCode: 1}

	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{
		Config:  cfg,
		Oracle:  &oracle.Oracle{OutputRoot: cfg.Common.OutputRoot},
		Records: records,
		Runner:  runner,
		Pilot:   true,
	}
	require.NoError(t, d.Dispatch(context.Background(), bidsmodel.Plan{Units: units, Parallelism: 8}))
	require.Len(t, records.All(), 3)
}

func TestDispatchDuplicateMarkerIsFailedContainer(t *testing.T) {
	cfg := setupConfig(t)
	u := bidsmodel.Unit{Subject: "005"}
	ora := &oracle.Oracle{OutputRoot: cfg.Common.OutputRoot}
	require.NoError(t, ora.WriteSuccessMarker(u, time.Now()))

	runner := fakeRunner{
		exitCode: 0,
		writeFile: func(inv container.Invocation) {
			subjDir := filepath.Join(cfg.Common.OutputRoot, "sub-005", "anat")
			require.NoError(t, os.MkdirAll(subjDir, 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(subjDir, "out.nii.gz"), []byte(""), 0o644))
		},
	}

	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{
		Config:  cfg,
		Oracle:  ora,
		Records: records,
		Runner:  runner,
	}
	require.NoError(t, d.Dispatch(context.Background(), bidsmodel.Plan{Units: []bidsmodel.Unit{u}, Parallelism: 1}))

	rec, ok := records.Get(u)
	require.True(t, ok)
	require.Equal(t, bidsmodel.ClassFailedContainer, rec.Class)
}

func TestDispatchCancellation(t *testing.T) {
	cfg := setupConfig(t)
	u := bidsmodel.Unit{Subject: "004"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records, err := runrecord.Open(filepath.Join(t.TempDir(), "runs.csv"))
	require.NoError(t, err)

	d := &Dispatcher{
		Config:  cfg,
		Oracle:  &oracle.Oracle{OutputRoot: cfg.Common.OutputRoot},
		Records: records,
		Runner:  fakeRunner{exitCode: 0},
	}
	require.NoError(t, d.Dispatch(ctx, bidsmodel.Plan{Units: []bidsmodel.Unit{u}, Parallelism: 1}))
}
