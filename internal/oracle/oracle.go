// Package oracle decides whether a unit of work is already done. Policy is
// a layered cascade: the first layer that answers "yes" wins. This mirrors
// the original tool's subject_processed() cascade (success marker first,
// then output_check pattern, then generic conventions, then bare directory
// existence) but makes the precedence explicit and total, per spec.
package oracle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bids-batch/bidsbatch/internal/bidslog"
	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
)

// Verdict is the oracle's answer for one unit.
type Verdict int

const (
	NotDone Verdict = iota
	Done
	ForceRerun
)

func (v Verdict) String() string {
	switch v {
	case Done:
		return "Done"
	case ForceRerun:
		return "ForceRerun"
	default:
		return "NotDone"
	}
}

// MaxTraversalDepth bounds filesystem probing so the oracle never performs
// an unbounded recursive walk of the output tree.
const MaxTraversalDepth = 3

// MarkerDir is the reserved subdirectory of the output root holding success
// markers, keyed by unit id.
const MarkerDir = ".bidsbatch_markers"

// Oracle evaluates completion for units under a fixed output root.
type Oracle struct {
	OutputRoot     string
	Pattern        string // app.output_check_pattern, may be empty
	PatternDir     string // app.output_check_directory, relative to OutputRoot
	Log            *bidslog.Logger
}

// Evaluate returns the oracle's verdict for one unit, honoring force.
// Layer 1 (success marker) is skipped by EvaluateOutputsOnly, which the
// dispatcher uses post-run to decide failed_output_check without
// consulting the marker it is about to write.
func (o *Oracle) Evaluate(u bidsmodel.Unit, force bool) Verdict {
	if force {
		return ForceRerun
	}
	if o.markerExists(u) {
		return Done
	}
	if o.EvaluateOutputsOnly(u) {
		return Done
	}
	return NotDone
}

// EvaluateOutputsOnly runs layers 2-4 (pattern, generic pipeline
// conventions, directory existence) without consulting the success marker.
// Used both by Evaluate and by the dispatcher's post-run output check.
func (o *Oracle) EvaluateOutputsOnly(u bidsmodel.Unit) bool {
	if ok, err := o.patternMatch(u); err != nil {
		o.logIOErr("pattern match", u, err)
	} else if ok {
		return true
	}
	if ok, err := o.genericMatch(u); err != nil {
		o.logIOErr("generic pattern match", u, err)
	} else if ok {
		return true
	}
	if ok, err := o.directoryHasFile(u); err != nil {
		o.logIOErr("directory existence", u, err)
	} else if ok {
		return true
	}
	return false
}

func (o *Oracle) logIOErr(stage string, u bidsmodel.Unit, err error) {
	if o.Log != nil {
		o.Log.Warnf("oracle: %s probe failed for %s, treating as NotDone: %v", stage, u, err)
	}
}

func (o *Oracle) markerPath(u bidsmodel.Unit) string {
	return filepath.Join(o.OutputRoot, MarkerDir, u.ID()+"_success")
}

func (o *Oracle) markerExists(u bidsmodel.Unit) bool {
	_, err := os.Stat(o.markerPath(u))
	return err == nil
}

// ToolVersion is stamped into every success marker body; overridable for
// tests, matching the teacher's version-injection pattern for build info.
var ToolVersion = "dev"

// WriteSuccessMarker creates the success marker for u with create-exclusive
// semantics (spec §5): the marker directory is a shared append-only space
// keyed by unit id, and a unit scheduled twice would otherwise race two
// writers over the same file. A duplicate create is a programming bug
// (the same unit dispatched more than once), reported as os.ErrExist
// rather than silently overwritten.
func (o *Oracle) WriteSuccessMarker(u bidsmodel.Unit, ts time.Time) error {
	dir := filepath.Join(o.OutputRoot, MarkerDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(o.markerPath(u), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\n%s\n", ToolVersion, ts.Format(time.RFC3339))
	return err
}

// patternMatch substitutes {subject} and {session} into o.Pattern and globs
// it under OutputRoot/PatternDir.
func (o *Oracle) patternMatch(u bidsmodel.Unit) (bool, error) {
	if o.Pattern == "" {
		return false, nil
	}
	pattern := strings.ReplaceAll(o.Pattern, "{subject}", u.Subject)
	if u.Session != "" {
		pattern = strings.ReplaceAll(pattern, "{session}", u.Session)
	}
	base := o.OutputRoot
	if o.PatternDir != "" {
		base = filepath.Join(o.OutputRoot, o.PatternDir)
	}
	full := filepath.Join(base, pattern)
	matches, err := filepath.Glob(full)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// genericMatch checks the fixed set of conventional paths used by common
// BIDS App pipelines: non-empty subject directory, per-modality
// directories, and a subject-level HTML report.
func (o *Oracle) genericMatch(u bidsmodel.Unit) (bool, error) {
	subjDir := o.subjectPath(u)

	if ok, err := dirNonEmpty(subjDir, 2); err != nil {
		return false, err
	} else if ok {
		// A bare non-empty subject directory is weak evidence on its own;
		// pair it with a report or modality directory for this layer to
		// avoid false positives from directory scaffolding alone.
		for _, modality := range []string{"anat", "func", "dwi", "fmap"} {
			if ok, err := dirNonEmpty(filepath.Join(subjDir, modality), 1); err != nil {
				return false, err
			} else if ok {
				return true, nil
			}
		}
	}

	reportGlob := filepath.Join(o.OutputRoot, "sub-"+u.Subject+"*.html")
	matches, err := filepath.Glob(reportGlob)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

func (o *Oracle) directoryHasFile(u bidsmodel.Unit) (bool, error) {
	return dirHasRegularFile(o.subjectPath(u), MaxTraversalDepth)
}

func (o *Oracle) subjectPath(u bidsmodel.Unit) string {
	p := filepath.Join(o.OutputRoot, "sub-"+u.Subject)
	if u.Session != "" {
		p = filepath.Join(p, "ses-"+u.Session)
	}
	return p
}

func dirNonEmpty(dir string, maxDepth int) (bool, error) {
	return dirHasRegularFile(dir, maxDepth)
}

// dirHasRegularFile reports whether dir exists and contains at least one
// regular file within maxDepth levels. A non-existent directory is not an
// error; it simply answers false.
func dirHasRegularFile(dir string, maxDepth int) (bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}

	found := false
	err = walkBounded(dir, 0, maxDepth, func(path string, d fs.DirEntry) error {
		if found {
			return filepath.SkipAll
		}
		if !d.IsDir() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return false, err
	}
	return found, nil
}

// walkBounded is a depth-limited directory walk (the oracle never performs
// an unbounded recursive walk of the output tree).
func walkBounded(root string, depth, maxDepth int, fn func(path string, d fs.DirEntry) error) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if err := fn(path, e); err != nil {
			return err
		}
		if e.IsDir() && depth+1 < maxDepth {
			if err := walkBounded(path, depth+1, maxDepth, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
