// Package validate checks a pipeline's derivatives tree against its BIDS
// source and reports structured findings for anything missing or
// inconsistent. Each pipeline is a fixed variant dispatched by name (a
// switch, not a dynamic class registry), grounded on the four checker
// classes of the original output-checking script: FMRIPrepChecker,
// FreeSurferChecker, QSIPrepChecker, and QSIReconChecker.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
)

// PipelineKind is the closed set of pipelines this package knows how to
// validate.
type PipelineKind string

const (
	PipelineFMRIPrep   PipelineKind = "fmriprep"
	PipelineFreeSurfer PipelineKind = "freesurfer"
	PipelineQSIPrep    PipelineKind = "qsiprep"
	PipelineQSIRecon   PipelineKind = "qsirecon"
)

// Validate dispatches to the checker for kind and returns its findings.
// An unknown kind is rejected with a descriptive error rather than being
// silently ignored, the way the teacher's validation dispatch
// (internal/pur/validation) rejects an unrecognized variant.
func Validate(kind PipelineKind, bidsRoot, derivRoot string, units []bidsmodel.Unit) ([]bidsmodel.Finding, error) {
	switch kind {
	case PipelineFMRIPrep:
		return checkFMRIPrep(bidsRoot, derivRoot, units)
	case PipelineFreeSurfer:
		return checkFreeSurfer(bidsRoot, derivRoot, units)
	case PipelineQSIPrep:
		return checkQSIPrep(bidsRoot, derivRoot, units)
	case PipelineQSIRecon:
		return checkQSIRecon(bidsRoot, derivRoot, units)
	default:
		return nil, fmt.Errorf("validate: unknown pipeline kind %q", kind)
	}
}

// subjectsOf collapses units into their distinct subjects, sorted,
// since validators walk the BIDS subject/session tree directly rather than
// the dispatcher's per-unit granularity.
func subjectsOf(units []bidsmodel.Unit) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range units {
		if !seen[u.Subject] {
			seen[u.Subject] = true
			out = append(out, u.Subject)
		}
	}
	sort.Strings(out)
	return out
}

func sessionDirsOf(bidsRoot, subject string) []string {
	subjDir := filepath.Join(bidsRoot, "sub-"+subject)
	entries, err := os.ReadDir(subjDir)
	if err != nil {
		return nil
	}
	var sessions []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "ses-") {
			sessions = append(sessions, e.Name())
		}
	}
	sort.Strings(sessions)
	if len(sessions) == 0 {
		return []string{""} // single-session: the subject dir itself
	}
	return sessions
}

func globNonEmpty(dir, pattern string) []string {
	matches, _ := filepath.Glob(filepath.Join(dir, pattern))
	return matches
}

// checkFMRIPrep mirrors FMRIPrepChecker.check_pipeline: per-subject HTML
// report presence, per-subject/session preprocessed BOLD presence,
// hemisphere-pair completeness for surface outputs, and a final pass
// flagging any subject missing surface outputs when at least one other
// subject in the dataset has them.
func checkFMRIPrep(bidsRoot, derivRoot string, units []bidsmodel.Unit) ([]bidsmodel.Finding, error) {
	var findings []bidsmodel.Finding
	pipelineDir := filepath.Join(derivRoot, "fmriprep")
	hasSurface := make(map[string]bool)
	surfaceSeenGlobally := false

	for _, subj := range subjectsOf(units) {
		if len(globNonEmpty(pipelineDir, "sub-"+subj+".html")) == 0 {
			findings = append(findings, bidsmodel.Finding{
				Pipeline: string(PipelineFMRIPrep),
				Unit:     bidsmodel.Unit{Subject: subj},
				Reason:   bidsmodel.ReasonMissingReport,
				Detail:   "fmriprep HTML report missing",
			})
		}

		subjSurface := false
		for _, sess := range sessionDirsOf(bidsRoot, subj) {
			funcDir := filepath.Join(bidsRoot, "sub-"+subj, sess, "func")
			boldFiles := globNonEmpty(funcDir, "*_bold.nii*")
			if len(boldFiles) == 0 {
				continue
			}

			fmriprepDir := filepath.Join(derivRoot, "fmriprep", "sub-"+subj, sess, "func")
			if _, err := os.Stat(fmriprepDir); err != nil {
				findings = append(findings, bidsmodel.Finding{
					Pipeline: string(PipelineFMRIPrep),
					Unit:     bidsmodel.Unit{Subject: subj, Session: bidsmodel.NormalizeID(sess)},
					Reason:   bidsmodel.ReasonMissingPreprocessed,
					Detail:   fmt.Sprintf("fmriprep func directory missing: %s", fmriprepDir),
				})
				continue
			}

			for _, bold := range boldFiles {
				prefix := boldPrefix(bold)
				if len(globNonEmpty(fmriprepDir, prefix+"*desc-preproc_bold.nii*")) == 0 {
					findings = append(findings, bidsmodel.Finding{
						Pipeline: string(PipelineFMRIPrep),
						Unit:     bidsmodel.Unit{Subject: subj, Session: bidsmodel.NormalizeID(sess)},
						Reason:   bidsmodel.ReasonMissingPreprocessed,
						Detail:   fmt.Sprintf("preprocessed BOLD missing for %s", filepath.Base(bold)),
					})
				}
			}

			surfaceFiles := globNonEmpty(fmriprepDir, "*_hemi-*_bold.func.gii")
			if len(surfaceFiles) > 0 {
				subjSurface = true
				surfaceSeenGlobally = true
				for _, f := range surfaceFiles {
					if strings.Contains(f, "hemi-L") {
						pair := strings.Replace(f, "hemi-L", "hemi-R", 1)
						if _, err := os.Stat(pair); err != nil {
							findings = append(findings, bidsmodel.Finding{
								Pipeline: string(PipelineFMRIPrep),
								Unit:     bidsmodel.Unit{Subject: subj, Session: bidsmodel.NormalizeID(sess)},
								Reason:   bidsmodel.ReasonMissingHemispherePair,
								Detail:   fmt.Sprintf("missing hemi-R pair for %s", filepath.Base(f)),
							})
						}
					} else if strings.Contains(f, "hemi-R") {
						pair := strings.Replace(f, "hemi-R", "hemi-L", 1)
						if _, err := os.Stat(pair); err != nil {
							findings = append(findings, bidsmodel.Finding{
								Pipeline: string(PipelineFMRIPrep),
								Unit:     bidsmodel.Unit{Subject: subj, Session: bidsmodel.NormalizeID(sess)},
								Reason:   bidsmodel.ReasonMissingHemispherePair,
								Detail:   fmt.Sprintf("missing hemi-L pair for %s", filepath.Base(f)),
							})
						}
					}
				}
			}
		}
		hasSurface[subj] = subjSurface
	}

	if surfaceSeenGlobally {
		for _, subj := range subjectsOf(units) {
			if !hasSurface[subj] {
				findings = append(findings, bidsmodel.Finding{
					Pipeline: string(PipelineFMRIPrep),
					Unit:     bidsmodel.Unit{Subject: subj},
					Reason:   bidsmodel.ReasonInconsistentSurfaceAcrossCohort,
					Detail:   fmt.Sprintf("subject %s missing surface outputs present in others", subj),
				})
			}
		}
	}

	return findings, nil
}

func boldPrefix(path string) string {
	base := filepath.Base(path)
	if idx := strings.Index(base, "_bold"); idx >= 0 {
		return base[:idx]
	}
	return base
}

// checkFreeSurfer mirrors FreeSurferChecker: expected output folder count
// depends on whether longitudinal processing ran (2N+1 for N>=2 sessions,
// N for cross-sectional, 1 for single-session), each folder needs
// scripts/recon-all.done, and longitudinal subjects need .long-tagged
// hippocampal/amygdala volume files while cross-sectional folders must not
// carry them.
func checkFreeSurfer(bidsRoot, derivRoot string, units []bidsmodel.Unit) ([]bidsmodel.Finding, error) {
	var findings []bidsmodel.Finding

	for _, subj := range subjectsOf(units) {
		anatSessions := 0
		for _, sess := range sessionDirsOf(bidsRoot, subj) {
			anatDir := filepath.Join(bidsRoot, "sub-"+subj, sess, "anat")
			if len(globNonEmpty(anatDir, "*_T1w.nii*")) > 0 {
				anatSessions++
			}
		}
		if anatSessions == 0 {
			continue
		}

		fsDirs := matchingDirs(derivRoot, "sub-"+subj+"*")
		if len(fsDirs) == 0 {
			findings = append(findings, bidsmodel.Finding{
				Pipeline: string(PipelineFreeSurfer),
				Unit:     bidsmodel.Unit{Subject: subj},
				Reason:   bidsmodel.ReasonMissingSubjectDir,
				Detail:   fmt.Sprintf("no FreeSurfer output folders matching sub-%s*", subj),
			})
			continue
		}

		isLongitudinal := false
		for _, d := range fsDirs {
			if strings.Contains(d, ".long") {
				isLongitudinal = true
				break
			}
		}

		expected := expectedFolderCount(anatSessions, isLongitudinal)
		if len(fsDirs) != expected {
			findings = append(findings, bidsmodel.Finding{
				Pipeline: string(PipelineFreeSurfer),
				Unit:     bidsmodel.Unit{Subject: subj},
				Reason:   bidsmodel.ReasonWrongFolderCount,
				Detail:   fmt.Sprintf("expected %d output folders for %d session(s), found %d", expected, anatSessions, len(fsDirs)),
			})
		}

		hasLongHippo, hasLongAmyg := false, false
		for _, fsDir := range fsDirs {
			if _, err := os.Stat(filepath.Join(fsDir, "scripts", "recon-all.done")); err != nil {
				findings = append(findings, bidsmodel.Finding{
					Pipeline: string(PipelineFreeSurfer),
					Unit:     bidsmodel.Unit{Subject: subj},
					Reason:   bidsmodel.ReasonMissingCompletionSentinel,
					Detail:   fmt.Sprintf("scripts/recon-all.done missing in %s", filepath.Base(fsDir)),
				})
			}

			mriDir := filepath.Join(fsDir, "mri")
			longFolder := strings.Contains(fsDir, ".long")
			longHippo := globNonEmpty(mriDir, "*hippoSfVolumes*.long*.txt")
			longAmyg := append(globNonEmpty(mriDir, "*hippoAmygLabels*.long*.txt"), globNonEmpty(mriDir, "*amygNucVolumes*.long*.txt")...)

			if longFolder {
				if len(longHippo) > 0 {
					hasLongHippo = true
				}
				if len(longAmyg) > 0 {
					hasLongAmyg = true
				}
			} else {
				if len(longHippo) > 0 {
					findings = append(findings, bidsmodel.Finding{
						Pipeline: string(PipelineFreeSurfer),
						Unit:     bidsmodel.Unit{Subject: subj},
						Reason:   bidsmodel.ReasonLongitudinalFileInCrossSectional,
						Detail:   fmt.Sprintf("longitudinal hippocampal file found in cross-sectional folder %s", filepath.Base(fsDir)),
					})
				}
				if len(longAmyg) > 0 {
					findings = append(findings, bidsmodel.Finding{
						Pipeline: string(PipelineFreeSurfer),
						Unit:     bidsmodel.Unit{Subject: subj},
						Reason:   bidsmodel.ReasonLongitudinalFileInCrossSectional,
						Detail:   fmt.Sprintf("longitudinal amygdala file found in cross-sectional folder %s", filepath.Base(fsDir)),
					})
				}
			}
		}

		if anatSessions > 1 && isLongitudinal {
			if !hasLongHippo {
				findings = append(findings, bidsmodel.Finding{
					Pipeline: string(PipelineFreeSurfer),
					Unit:     bidsmodel.Unit{Subject: subj},
					Reason:   bidsmodel.ReasonMissingLongitudinalFile,
					Detail:   "missing longitudinal hippocampal subfield volumes",
				})
			}
			if !hasLongAmyg {
				findings = append(findings, bidsmodel.Finding{
					Pipeline: string(PipelineFreeSurfer),
					Unit:     bidsmodel.Unit{Subject: subj},
					Reason:   bidsmodel.ReasonMissingLongitudinalFile,
					Detail:   "missing longitudinal amygdala volumes",
				})
			}
		}
	}

	return findings, nil
}

// expectedFolderCount implements the 2N+1 longitudinal folder rule: N
// cross-sectional timepoints, one base template, and N longitudinal
// timepoints re-run against the base, for N sessions and N>=2.
// Cross-sectional (non-longitudinal) processing expects one folder per
// session; a single session always expects exactly one folder.
func expectedFolderCount(sessions int, longitudinal bool) int {
	if sessions <= 1 {
		return 1
	}
	if longitudinal {
		return 2*sessions + 1
	}
	return sessions
}

func matchingDirs(root, pattern string) []string {
	matches, _ := filepath.Glob(filepath.Join(root, pattern))
	var dirs []string
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			base := filepath.Base(m)
			if strings.HasPrefix(base, "fsaverage") || strings.HasPrefix(base, "local") {
				continue
			}
			dirs = append(dirs, m)
		}
	}
	return dirs
}

// checkQSIPrep mirrors QSIPrepChecker: per-subject directory and HTML
// report presence, then per-session preprocessed DWI and its bval/bvec/
// json sidecars.
func checkQSIPrep(bidsRoot, derivRoot string, units []bidsmodel.Unit) ([]bidsmodel.Finding, error) {
	var findings []bidsmodel.Finding
	pipelineDir := filepath.Join(derivRoot, "qsiprep")

	for _, subj := range subjectsOf(units) {
		subjDir := filepath.Join(pipelineDir, "sub-"+subj)
		if _, err := os.Stat(subjDir); err != nil {
			findings = append(findings, bidsmodel.Finding{
				Pipeline: string(PipelineQSIPrep),
				Unit:     bidsmodel.Unit{Subject: subj},
				Reason:   bidsmodel.ReasonMissingSubjectDir,
				Detail:   fmt.Sprintf("qsiprep subject directory missing: %s", subjDir),
			})
			continue
		}

		if len(globNonEmpty(pipelineDir, "sub-"+subj+".html")) == 0 {
			findings = append(findings, bidsmodel.Finding{
				Pipeline: string(PipelineQSIPrep),
				Unit:     bidsmodel.Unit{Subject: subj},
				Reason:   bidsmodel.ReasonMissingReport,
				Detail:   "qsiprep HTML report missing",
			})
		}

		for _, sess := range sessionDirsOf(bidsRoot, subj) {
			dwiDir := filepath.Join(bidsRoot, "sub-"+subj, sess, "dwi")
			dwiFiles := globNonEmpty(dwiDir, "*_dwi.nii*")
			if len(dwiFiles) == 0 {
				continue
			}

			qsiprepDwiDir := filepath.Join(subjDir, sess, "dwi")
			if _, err := os.Stat(qsiprepDwiDir); err != nil {
				findings = append(findings, bidsmodel.Finding{
					Pipeline: string(PipelineQSIPrep),
					Unit:     bidsmodel.Unit{Subject: subj, Session: bidsmodel.NormalizeID(sess)},
					Reason:   bidsmodel.ReasonMissingPreprocessed,
					Detail:   fmt.Sprintf("qsiprep DWI directory missing: %s", qsiprepDwiDir),
				})
				continue
			}

			for _, dwi := range dwiFiles {
				prefix := dwiPrefix(filepath.Base(dwi))
				matches := globNonEmpty(qsiprepDwiDir, prefix+"_*desc-preproc_dwi.nii*")
				if len(matches) == 0 {
					findings = append(findings, bidsmodel.Finding{
						Pipeline: string(PipelineQSIPrep),
						Unit:     bidsmodel.Unit{Subject: subj, Session: bidsmodel.NormalizeID(sess)},
						Reason:   bidsmodel.ReasonMissingPreprocessed,
						Detail:   fmt.Sprintf("preprocessed DWI missing for %s", filepath.Base(dwi)),
					})
					continue
				}
				main := matches[0]
				base := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(main), ".gz"), ".nii")
				actualPrefix := strings.Replace(base, "_desc-preproc_dwi", "", 1)
				for _, ext := range []string{".bval", ".bvec", ".json"} {
					sidecar := filepath.Join(qsiprepDwiDir, actualPrefix+"_desc-preproc_dwi"+ext)
					if _, err := os.Stat(sidecar); err != nil {
						findings = append(findings, bidsmodel.Finding{
							Pipeline: string(PipelineQSIPrep),
							Unit:     bidsmodel.Unit{Subject: subj, Session: bidsmodel.NormalizeID(sess)},
							Reason:   bidsmodel.ReasonMissingPreprocessed,
							Detail:   fmt.Sprintf("sidecar %s missing for %s", ext, actualPrefix),
						})
					}
				}
			}
		}
	}

	return findings, nil
}

func dwiPrefix(name string) string {
	if idx := strings.Index(name, "_ses-"); idx >= 0 {
		rest := name[idx+1:]
		parts := strings.SplitN(rest, "_", 2)
		return name[:idx] + "_" + parts[0]
	}
	parts := strings.SplitN(name, "_", 2)
	return parts[0]
}

// checkQSIRecon mirrors QSIReconChecker: discovers one or more
// qsirecon-* reconstruction pipelines under derivatives (or under its
// "qsirecon-derivatives" subdirectory when that exists), and for each
// checks that every subject with DWI input is present with non-empty dwi
// output (per session where sessions exist) and that the pipeline
// directory holds at least one HTML report.
func checkQSIRecon(bidsRoot, derivRoot string, units []bidsmodel.Unit) ([]bidsmodel.Finding, error) {
	var findings []bidsmodel.Finding

	orderedSubjects := subjectsOf(units)
	subjectsWithDWI := make(map[string]bool)
	for _, subj := range orderedSubjects {
		for _, sess := range sessionDirsOf(bidsRoot, subj) {
			dwiDir := filepath.Join(bidsRoot, "sub-"+subj, sess, "dwi")
			if len(globNonEmpty(dwiDir, "*_dwi.nii*")) > 0 {
				subjectsWithDWI[subj] = true
				break
			}
		}
	}
	if len(subjectsWithDWI) == 0 {
		return nil, nil
	}

	searchRoot := filepath.Join(derivRoot, "qsirecon-derivatives")
	if _, err := os.Stat(searchRoot); err != nil {
		searchRoot = derivRoot
	}

	reconDirs := matchingDirs(searchRoot, "qsirecon-*")
	if len(reconDirs) == 0 {
		findings = append(findings, bidsmodel.Finding{
			Pipeline: string(PipelineQSIRecon),
			Reason:   bidsmodel.ReasonMissingReconOutput,
			Detail:   fmt.Sprintf("no qsirecon-* reconstruction pipelines found under %s", searchRoot),
		})
		return findings, nil
	}

	for _, reconDir := range reconDirs {
		reconName := filepath.Base(reconDir)
		for _, subj := range orderedSubjects {
			if !subjectsWithDWI[subj] {
				continue
			}
			subjDir := filepath.Join(reconDir, "sub-"+subj)
			if _, err := os.Stat(subjDir); err != nil {
				findings = append(findings, bidsmodel.Finding{
					Pipeline: string(PipelineQSIRecon),
					Unit:     bidsmodel.Unit{Subject: subj},
					Reason:   bidsmodel.ReasonMissingReconOutput,
					Detail:   fmt.Sprintf("subject missing from reconstruction pipeline %s", reconName),
				})
				continue
			}

			sessDirs := matchingDirs(subjDir, "ses-*")
			if len(sessDirs) == 0 {
				if len(globNonEmpty(filepath.Join(subjDir, "dwi"), "*.nii.gz")) == 0 {
					findings = append(findings, bidsmodel.Finding{
						Pipeline: string(PipelineQSIRecon),
						Unit:     bidsmodel.Unit{Subject: subj},
						Reason:   bidsmodel.ReasonEmptyOutputDir,
						Detail:   fmt.Sprintf("no reconstruction output files in %s", reconName),
					})
				}
				continue
			}
			for _, sessDir := range sessDirs {
				if len(globNonEmpty(filepath.Join(sessDir, "dwi"), "*.nii.gz")) == 0 {
					findings = append(findings, bidsmodel.Finding{
						Pipeline: string(PipelineQSIRecon),
						Unit:     bidsmodel.Unit{Subject: subj, Session: bidsmodel.NormalizeID(filepath.Base(sessDir))},
						Reason:   bidsmodel.ReasonEmptyOutputDir,
						Detail:   fmt.Sprintf("no reconstruction output files in %s/%s", reconName, filepath.Base(sessDir)),
					})
				}
			}
		}

		if len(globNonEmpty(reconDir, "*.html")) == 0 {
			findings = append(findings, bidsmodel.Finding{
				Pipeline: string(PipelineQSIRecon),
				Reason:   bidsmodel.ReasonMissingReport,
				Detail:   fmt.Sprintf("no HTML reports found in %s", reconName),
			})
		}
	}

	return findings, nil
}
