// Package reprocess turns a validator report back into units to re-run.
// It owns report I/O (reading the three documented shapes, writing the
// canonical one) and the pipeline-name filter; it never loops itself — the
// orchestrator (internal/orchestrator) decides whether to dispatch again.
//
// The three-shape reader mirrors the original tool's
// extract_missing_subjects_from_results, which tolerated its own report
// format plus two external ones rather than demanding one canonical input.
package reprocess

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
)

// externalPipelinesShape is the "{pipelines: {<name>: {subjects: [...]}}}"
// shape produced by some external tooling.
type externalPipelinesShape struct {
	Pipelines map[string]struct {
		Subjects []string `json:"subjects"`
	} `json:"pipelines"`
}

// flatSubjectsShape is the "{all_missing_subjects: [...]}" shape.
type flatSubjectsShape struct {
	AllMissingSubjects []string `json:"all_missing_subjects"`
}

// ReadReport loads a report file, sniffing which of the three documented
// shapes it is in. An unrecognized shape is rejected with a descriptive
// error rather than silently treated as empty.
func ReadReport(path string) (bidsmodel.Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return bidsmodel.Report{}, fmt.Errorf("reprocess: cannot read report %s: %w", path, err)
	}

	// Shape 1: the canonical bidsbatch report.
	var canonical bidsmodel.Report
	if err := json.Unmarshal(raw, &canonical); err == nil && len(canonical.MissingDataByPipeline) > 0 {
		return canonical, nil
	}

	// Shape 2: {pipelines: {<name>: {subjects: [...]}}}
	var external externalPipelinesShape
	if err := json.Unmarshal(raw, &external); err == nil && len(external.Pipelines) > 0 {
		return reportFromExternal(external), nil
	}

	// Shape 3: {all_missing_subjects: [...]}
	var flat flatSubjectsShape
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat.AllMissingSubjects) > 0 {
		return bidsmodel.Report{
			Summary: bidsmodel.ReportSummary{AllMissingSubjects: sortedCopy(flat.AllMissingSubjects)},
		}, nil
	}

	return bidsmodel.Report{}, fmt.Errorf("reprocess: %s does not match any recognized report shape", path)
}

func reportFromExternal(external externalPipelinesShape) bidsmodel.Report {
	byPipeline := make(map[string]bidsmodel.PipelineMissing, len(external.Pipelines))
	all := make(map[string]bool)
	for name, p := range external.Pipelines {
		subs := sortedCopy(p.Subjects)
		byPipeline[name] = bidsmodel.PipelineMissing{
			MissingItems:        subs,
			TotalMissing:        len(subs),
			SubjectsWithMissing: subs,
		}
		for _, s := range subs {
			all[s] = true
		}
	}
	return bidsmodel.Report{
		MissingDataByPipeline: byPipeline,
		Summary:               bidsmodel.ReportSummary{AllMissingSubjects: sortedKeys(all)},
	}
}

// WriteReport serializes a report in the canonical shape to path.
func WriteReport(path string, report bidsmodel.Report) error {
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("reprocess: cannot marshal report: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("reprocess: cannot write report %s: %w", path, err)
	}
	return nil
}

// BuildFromFindings assembles the canonical report from a validator's raw
// findings, grouped by pipeline. generator/filters/datasetRoot/outputRoot
// populate ReportMetadata.
func BuildFromFindings(findings []bidsmodel.Finding, generator string, filters []string, datasetRoot, outputRoot string) bidsmodel.Report {
	byPipeline := make(map[string]bidsmodel.PipelineMissing)
	subjectsByPipeline := make(map[string]map[string]bool)
	allSubjects := make(map[string]bool)

	order := make([]string, 0)
	for _, f := range findings {
		if _, ok := subjectsByPipeline[f.Pipeline]; !ok {
			subjectsByPipeline[f.Pipeline] = make(map[string]bool)
			order = append(order, f.Pipeline)
		}
		pm := byPipeline[f.Pipeline]
		item := fmt.Sprintf("%s: %s", f.Unit, f.Reason)
		if f.Detail != "" {
			item += " (" + f.Detail + ")"
		}
		pm.MissingItems = append(pm.MissingItems, item)
		byPipeline[f.Pipeline] = pm

		if f.Unit.Subject != "" {
			subjectsByPipeline[f.Pipeline][f.Unit.Subject] = true
			allSubjects[f.Unit.Subject] = true
		}
	}

	sort.Strings(order)
	for _, name := range order {
		pm := byPipeline[name]
		pm.TotalMissing = len(pm.MissingItems)
		pm.SubjectsWithMissing = sortedKeys(subjectsByPipeline[name])
		byPipeline[name] = pm
	}

	return bidsmodel.Report{
		Metadata: bidsmodel.ReportMetadata{
			Generator:   generator,
			Timestamp:   time.Now(),
			Filters:     filters,
			DatasetRoot: datasetRoot,
			OutputRoot:  outputRoot,
		},
		MissingDataByPipeline: byPipeline,
		Summary:               bidsmodel.ReportSummary{AllMissingSubjects: sortedKeys(allSubjects)},
	}
}

// Units extracts the units to re-run from a report. When pipeline is
// non-empty it restricts to that pipeline's missing subjects; an empty
// pipeline name takes the union across all pipelines (spec.md §4.9:
// "missing pipeline name → union of all pipelines' missing units").
// Units reads only subject lists and always returns subject-only units;
// sessions named in MissingItems are not recovered.
func Units(report bidsmodel.Report, pipeline string) ([]bidsmodel.Unit, error) {
	if pipeline != "" {
		pm, ok := report.MissingDataByPipeline[pipeline]
		if !ok {
			return nil, fmt.Errorf("reprocess: report has no pipeline %q", pipeline)
		}
		return unitsFromSubjects(pm.SubjectsWithMissing), nil
	}

	if len(report.MissingDataByPipeline) > 0 {
		seen := make(map[string]bool)
		var subjects []string
		for _, pm := range report.MissingDataByPipeline {
			for _, s := range pm.SubjectsWithMissing {
				id := bidsmodel.NormalizeID(s)
				if !seen[id] {
					seen[id] = true
					subjects = append(subjects, id)
				}
			}
		}
		sort.Strings(subjects)
		return unitsFromSubjects(subjects), nil
	}

	return unitsFromSubjects(report.Summary.AllMissingSubjects), nil
}

func unitsFromSubjects(subjects []string) []bidsmodel.Unit {
	units := make([]bidsmodel.Unit, 0, len(subjects))
	for _, s := range subjects {
		units = append(units, bidsmodel.NewUnit(s, ""))
	}
	return units
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
