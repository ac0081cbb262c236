package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
	"github.com/bids-batch/bidsbatch/internal/oracle"
)

func u(subj string) bidsmodel.Unit { return bidsmodel.Unit{Subject: subj} }

func TestBuildAllSourceNoOverride(t *testing.T) {
	o := &oracle.Oracle{OutputRoot: t.TempDir()}
	res, err := Build(Input{
		All:    []bidsmodel.Unit{u("002"), u("001")},
		Oracle: o,
	})
	require.NoError(t, err)
	require.Equal(t, SourceAll, res.ActiveSource)
	require.Empty(t, res.OverriddenSources)
	require.Equal(t, []bidsmodel.Unit{u("001"), u("002")}, res.Plan.Units)
}

func TestBuildExplicitOverridesAllAndPilot(t *testing.T) {
	o := &oracle.Oracle{OutputRoot: t.TempDir()}
	res, err := Build(Input{
		All:      []bidsmodel.Unit{u("001"), u("002"), u("003")},
		Pilot:    []bidsmodel.Unit{u("001")},
		Explicit: []bidsmodel.Unit{u("003")},
		Oracle:   o,
	})
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, res.ActiveSource)
	require.ElementsMatch(t, []Source{SourcePilot, SourceAll}, res.OverriddenSources)
	require.Equal(t, []bidsmodel.Unit{u("003")}, res.Plan.Units)
}

func TestBuildFromReportOutranksEverything(t *testing.T) {
	o := &oracle.Oracle{OutputRoot: t.TempDir()}
	res, err := Build(Input{
		All:        []bidsmodel.Unit{u("001")},
		Explicit:   []bidsmodel.Unit{u("002")},
		FromReport: []bidsmodel.Unit{u("003")},
		Oracle:     o,
	})
	require.NoError(t, err)
	require.Equal(t, SourceFromReport, res.ActiveSource)
	require.ElementsMatch(t, []Source{SourceExplicit, SourceAll}, res.OverriddenSources)
}

func TestBuildErrorsWithNoCandidates(t *testing.T) {
	o := &oracle.Oracle{OutputRoot: t.TempDir()}
	_, err := Build(Input{Oracle: o})
	require.Error(t, err)
}

func TestBuildRemovesAlreadyDoneUnlessForce(t *testing.T) {
	root := t.TempDir()
	markerDir := filepath.Join(root, oracle.MarkerDir)
	require.NoError(t, writeMarker(markerDir, u("001").ID()))

	o := &oracle.Oracle{OutputRoot: root}
	res, err := Build(Input{All: []bidsmodel.Unit{u("001"), u("002")}, Oracle: o})
	require.NoError(t, err)
	require.Equal(t, []bidsmodel.Unit{u("002")}, res.Plan.Units)
	require.Equal(t, []bidsmodel.Unit{u("001")}, res.SkippedDone)

	res, err = Build(Input{All: []bidsmodel.Unit{u("001"), u("002")}, Oracle: o, Force: true})
	require.NoError(t, err)
	require.ElementsMatch(t, []bidsmodel.Unit{u("001"), u("002")}, res.Plan.Units)
	require.Empty(t, res.SkippedDone)
}

func TestBuildFromReportSkipsOracleEvenIfDone(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, writeMarker(filepath.Join(root, oracle.MarkerDir), u("001").ID()))

	o := &oracle.Oracle{OutputRoot: root}
	res, err := Build(Input{All: []bidsmodel.Unit{u("002")}, FromReport: []bidsmodel.Unit{u("001")}, Oracle: o})
	require.NoError(t, err)
	require.Equal(t, []bidsmodel.Unit{u("001")}, res.Plan.Units)
}

func TestBuildDedupesCandidates(t *testing.T) {
	o := &oracle.Oracle{OutputRoot: t.TempDir()}
	res, err := Build(Input{Explicit: []bidsmodel.Unit{u("001"), u("001")}, Oracle: o})
	require.NoError(t, err)
	require.Len(t, res.Plan.Units, 1)
}

func writeMarker(dir, id string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, id+"_success"), []byte(""), 0o644)
}
