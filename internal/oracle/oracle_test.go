package oracle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
)

func TestEvaluateForceAlwaysWins(t *testing.T) {
	o := &Oracle{OutputRoot: t.TempDir()}
	u := bidsmodel.Unit{Subject: "001"}
	require.Equal(t, ForceRerun, o.Evaluate(u, true))
}

func TestEvaluateMarkerMeansDone(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "001"}
	require.NoError(t, os.MkdirAll(filepath.Join(root, MarkerDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, MarkerDir, u.ID()+"_success"), []byte(""), 0o644))

	o := &Oracle{OutputRoot: root}
	require.Equal(t, Done, o.Evaluate(u, false))
}

func TestEvaluateNotDoneWhenNothingPresent(t *testing.T) {
	o := &Oracle{OutputRoot: t.TempDir()}
	u := bidsmodel.Unit{Subject: "001"}
	require.Equal(t, NotDone, o.Evaluate(u, false))
}

func TestPatternMatchSubstitutesSubjectAndSession(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "001", Session: "01"}
	target := filepath.Join(root, "sub-001", "ses-01", "done.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte(""), 0o644))

	o := &Oracle{OutputRoot: root, Pattern: "sub-{subject}/ses-{session}/done.txt"}
	require.Equal(t, Done, o.Evaluate(u, false))
}

func TestPatternMatchWithoutSession(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "002"}
	target := filepath.Join(root, "sub-002", "done.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte(""), 0o644))

	o := &Oracle{OutputRoot: root, Pattern: "sub-{subject}/done.txt"}
	require.Equal(t, Done, o.Evaluate(u, false))
}

func TestGenericMatchModalityDirectory(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "003"}
	funcDir := filepath.Join(root, "sub-003", "func")
	require.NoError(t, os.MkdirAll(funcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(funcDir, "output.nii.gz"), []byte(""), 0o644))

	o := &Oracle{OutputRoot: root}
	require.Equal(t, Done, o.Evaluate(u, false))
}

func TestGenericMatchHTMLReport(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "004"}
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub-004.html"), []byte(""), 0o644))

	o := &Oracle{OutputRoot: root}
	require.Equal(t, Done, o.Evaluate(u, false))
}

func TestDirectoryExistenceFallback(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "005"}
	nested := filepath.Join(root, "sub-005", "scratch", "tmp")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "leftover.log"), []byte(""), 0o644))

	o := &Oracle{OutputRoot: root}
	require.Equal(t, Done, o.Evaluate(u, false))
}

func TestEmptySubjectDirectoryIsNotDone(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "006"}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub-006"), 0o755))

	o := &Oracle{OutputRoot: root}
	require.Equal(t, NotDone, o.Evaluate(u, false))
}

func TestEvaluateOutputsOnlyIgnoresMarker(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "007"}
	require.NoError(t, os.MkdirAll(filepath.Join(root, MarkerDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, MarkerDir, u.ID()+"_success"), []byte(""), 0o644))

	o := &Oracle{OutputRoot: root}
	require.False(t, o.EvaluateOutputsOnly(u), "marker should not count toward output-only verification")
}

func TestWriteSuccessMarkerThenEvaluateIsDone(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "009"}
	o := &Oracle{OutputRoot: root}

	require.NoError(t, o.WriteSuccessMarker(u, time.Now()))
	require.Equal(t, Done, o.Evaluate(u, false))
}

func TestWriteSuccessMarkerTwiceFailsAsExist(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "010"}
	o := &Oracle{OutputRoot: root}

	require.NoError(t, o.WriteSuccessMarker(u, time.Now()))
	err := o.WriteSuccessMarker(u, time.Now())
	require.Error(t, err)
	require.True(t, os.IsExist(err), "a unit scheduled twice must fail the duplicate marker create, not overwrite it")
}

func TestTraversalDepthBounded(t *testing.T) {
	root := t.TempDir()
	u := bidsmodel.Unit{Subject: "008"}
	tooDeep := filepath.Join(root, "sub-008", "a", "b", "c", "d")
	require.NoError(t, os.MkdirAll(tooDeep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tooDeep, "file.txt"), []byte(""), 0o644))

	o := &Oracle{OutputRoot: root}
	require.Equal(t, NotDone, o.Evaluate(u, false), "a file deeper than MaxTraversalDepth should not be found")
}
