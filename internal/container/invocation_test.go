package container

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
	"github.com/bids-batch/bidsbatch/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	bids := filepath.Join(dir, "bids")
	require.NoError(t, os.MkdirAll(bids, 0o755))
	container := filepath.Join(dir, "fmriprep.sif")
	require.NoError(t, os.WriteFile(container, []byte("fake"), 0o644))

	return &config.Config{
		Common: config.Common{
			InputDatasetRoot: bids,
			OutputRoot:       filepath.Join(dir, "out"),
			ScratchRoot:      filepath.Join(dir, "scratch"),
			ContainerImage:   container,
			Parallelism:      1,
		},
		App: config.App{AnalysisLevel: config.LevelParticipant},
	}
}

func TestBuildIncludesCoreBinds(t *testing.T) {
	cfg := baseConfig(t)
	inv := Build(cfg, Options{Unit: bidsmodel.Unit{Subject: "001"}, ScratchDir: "/scratch/001", LogDir: "/logs"})

	require.Len(t, inv.Binds, 3)
	require.Equal(t, "/data", inv.Binds[0].Target)
	require.True(t, inv.Binds[0].ReadOnly)
	require.Equal(t, "/out", inv.Binds[1].Target)
	require.Equal(t, "/work", inv.Binds[2].Target)
}

func TestBuildParticipantFlags(t *testing.T) {
	cfg := baseConfig(t)
	inv := Build(cfg, Options{Unit: bidsmodel.Unit{Subject: "001", Session: "01"}, ScratchDir: "/scratch", LogDir: "/logs"})

	require.Contains(t, inv.Args, "--participant-label")
	require.Contains(t, inv.Args, "001")
	require.Contains(t, inv.Args, "--session-id")
	require.Contains(t, inv.Args, "01")
}

func TestBuildOmitsSessionFlagWhenNotSessionAware(t *testing.T) {
	cfg := baseConfig(t)
	inv := Build(cfg, Options{Unit: bidsmodel.Unit{Subject: "001"}, ScratchDir: "/scratch", LogDir: "/logs"})
	require.NotContains(t, inv.Args, "--session-id")
}

func TestBuildIsDeterministic(t *testing.T) {
	cfg := baseConfig(t)
	opts := Options{
		Unit:       bidsmodel.Unit{Subject: "001"},
		ScratchDir: "/scratch",
		LogDir:     "/logs",
		HostEnv:    map[string]string{"SINGULARITY_BIND": "/a", "FS_LICENSE": "/b", "PATH": "/usr/bin"},
	}
	a := Build(cfg, opts)
	b := Build(cfg, opts)
	require.Equal(t, a, b)
	require.NotContains(t, joinEnv(a.Env), "PATH=")
}

func TestBuildDebugModeSetsDebugLogPath(t *testing.T) {
	cfg := baseConfig(t)
	inv := Build(cfg, Options{Unit: bidsmodel.Unit{Subject: "001"}, ScratchDir: "/scratch", LogDir: "/logs", Debug: true})
	require.NotEmpty(t, inv.DebugLogPath)
}

func TestBuildDefaultExecutable(t *testing.T) {
	cfg := baseConfig(t)
	inv := Build(cfg, Options{Unit: bidsmodel.Unit{Subject: "001"}, ScratchDir: "/scratch", LogDir: "/logs"})
	require.Equal(t, "singularity", inv.Executable)
}

func joinEnv(env []string) string {
	out := ""
	for _, e := range env {
		out += e + ";"
	}
	return out
}
