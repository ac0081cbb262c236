package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func mkSubj(t *testing.T, root, subj string, sessions ...string) {
	t.Helper()
	if len(sessions) == 0 {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "sub-"+subj, "anat"), 0o755))
		return
	}
	for _, ses := range sessions {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "sub-"+subj, "ses-"+ses, "anat"), 0o755))
	}
}

func TestWalkNonSessionAware(t *testing.T) {
	root := t.TempDir()
	mkSubj(t, root, "001")
	mkSubj(t, root, "003")
	mkSubj(t, root, "002")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dataset_description.json"), []byte("{}"), 0o644))

	res, err := Walk(WalkOptions{Root: root})
	require.NoError(t, err)
	require.Len(t, res.Units, 3)
	require.Equal(t, []string{"001", "002", "003"}, subjectsOf(res))
}

func TestWalkNaturalSort(t *testing.T) {
	root := t.TempDir()
	mkSubj(t, root, "10")
	mkSubj(t, root, "2")
	mkSubj(t, root, "1")

	res, err := Walk(WalkOptions{Root: root})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "10"}, subjectsOf(res))
}

func TestWalkSessionAware(t *testing.T) {
	root := t.TempDir()
	mkSubj(t, root, "001", "01", "02")
	mkSubj(t, root, "002") // no sessions -> zero units + warning

	res, err := Walk(WalkOptions{Root: root, SessionAware: true})
	require.NoError(t, err)
	require.Len(t, res.Units, 2)
	require.Equal(t, []string{"002"}, res.EmptySubjects)
}

func TestWalkSubjectFilter(t *testing.T) {
	root := t.TempDir()
	mkSubj(t, root, "001")
	mkSubj(t, root, "002")

	res, err := Walk(WalkOptions{Root: root, SubjectFilter: []string{"sub-001", "999"}})
	require.NoError(t, err)
	require.Equal(t, []string{"001"}, subjectsOf(res))
	require.Equal(t, []string{"999"}, res.UnmatchedIDs)
}

func TestWalkFilterDeduplicates(t *testing.T) {
	root := t.TempDir()
	mkSubj(t, root, "001")

	res, err := Walk(WalkOptions{Root: root, SubjectFilter: []string{"sub-001", "001"}})
	require.NoError(t, err)
	require.Len(t, res.Units, 1)
}

func subjectsOf(res WalkResult) []string {
	out := make([]string, len(res.Units))
	for i, u := range res.Units {
		out[i] = u.Subject
	}
	return out
}
