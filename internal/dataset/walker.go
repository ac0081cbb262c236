// Package dataset enumerates subjects and sessions from a hierarchical BIDS
// dataset laid out as <root>/sub-XXX/[ses-YYY/][anat|func|dwi|fmap]/…
//
// This mirrors the unified file-scanning backend pattern in
// internal/pur/filescan (one ScanOptions-in, ScanResult-out function shared
// by every caller) but walks a fixed directory convention instead of a glob
// pattern, since BIDS subject/session layout is a naming convention rather
// than a user-supplied pattern.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
)

// WalkOptions configures one walk of a dataset root.
type WalkOptions struct {
	Root            string
	SessionAware    bool
	SubjectFilter   []string // already-normalized subject ids; empty means "all"
	MaxSymlinkDepth int      // not read by Walk, which always follows a symlink once
}

// WalkResult is the outcome of a walk: the ordered units found, plus
// warnings for filter entries that did not match anything and subjects
// that matched zero sessions in session-aware mode.
type WalkResult struct {
	Units         []bidsmodel.Unit
	UnmatchedIDs  []string // explicit filter entries with no corresponding directory
	EmptySubjects []string // session-aware subjects with zero session directories
}

// Walk enumerates units from a dataset root per WalkOptions.
func Walk(opts WalkOptions) (WalkResult, error) {
	entries, err := os.ReadDir(opts.Root)
	if err != nil {
		return WalkResult{}, fmt.Errorf("cannot list dataset root %s: %w", opts.Root, err)
	}

	subjects := make([]string, 0, len(entries))
	subjectSet := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasPrefix(name, "sub-") {
			continue
		}
		isDir, err := isDirFollowingSymlink(filepath.Join(opts.Root, name))
		if err != nil || !isDir {
			continue
		}
		id := bidsmodel.NormalizeID(name)
		subjects = append(subjects, id)
		subjectSet[id] = true
	}
	sort.Strings(subjects)

	var result WalkResult
	if len(opts.SubjectFilter) > 0 {
		filtered := make([]string, 0, len(opts.SubjectFilter))
		for _, raw := range opts.SubjectFilter {
			id := bidsmodel.NormalizeID(raw)
			if subjectSet[id] {
				filtered = append(filtered, id)
			} else {
				result.UnmatchedIDs = append(result.UnmatchedIDs, raw)
			}
		}
		sort.Strings(filtered)
		subjects = dedupe(filtered)
	}

	for _, subj := range subjects {
		subjDir := filepath.Join(opts.Root, "sub-"+subj)
		if !opts.SessionAware {
			result.Units = append(result.Units, bidsmodel.Unit{Subject: subj})
			continue
		}

		sessions, err := listSessions(subjDir)
		if err != nil {
			return WalkResult{}, fmt.Errorf("cannot list sessions for sub-%s: %w", subj, err)
		}
		if len(sessions) == 0 {
			result.EmptySubjects = append(result.EmptySubjects, subj)
			continue
		}
		for _, ses := range sessions {
			result.Units = append(result.Units, bidsmodel.Unit{Subject: subj, Session: ses})
		}
	}

	sort.Slice(result.Units, func(i, j int) bool { return result.Units[i].Less(result.Units[j]) })
	return result, nil
}

// Sessions returns the normalized, sorted session ids for a subject. It
// returns an empty slice (not an error) when the subject has no session
// directories, matching the original tool's single-session convention.
func Sessions(root, subject string) ([]string, error) {
	return listSessions(filepath.Join(root, "sub-"+bidsmodel.NormalizeID(subject)))
}

func listSessions(subjDir string) ([]string, error) {
	entries, err := os.ReadDir(subjDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "ses-") {
			continue
		}
		isDir, err := isDirFollowingSymlink(filepath.Join(subjDir, name))
		if err != nil || !isDir {
			continue
		}
		sessions = append(sessions, bidsmodel.NormalizeID(name))
	}
	sort.Strings(sessions)
	return sessions, nil
}

func isDirFollowingSymlink(path string) (bool, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return false, err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Stat(path) // os.Stat follows the link once
		if err != nil {
			return false, err
		}
		return target.IsDir(), nil
	}
	return fi.IsDir(), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
