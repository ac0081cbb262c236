// Package plan builds the immutable, ordered Plan the dispatchers execute:
// walker output filtered by exactly one selection source, with already-done
// units removed by the oracle unless force or report-driven reprocessing
// overrides that check.
package plan

import (
	"fmt"
	"sort"

	"github.com/bids-batch/bidsbatch/internal/bidslog"
	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
	"github.com/bids-batch/bidsbatch/internal/oracle"
)

// Source identifies which selection mechanism supplied the candidate set.
type Source int

const (
	SourceAll Source = iota
	SourcePilot
	SourceExplicit
	SourceFromReport
)

func (s Source) String() string {
	switch s {
	case SourcePilot:
		return "pilot"
	case SourceExplicit:
		return "explicit"
	case SourceFromReport:
		return "from_report"
	default:
		return "all"
	}
}

// precedence orders sources from highest to lowest priority. Only the
// highest-priority non-empty source is active; the rest are reported as
// overridden so operators can see their flag was ignored.
var precedence = []Source{SourceFromReport, SourceExplicit, SourcePilot, SourceAll}

// Input is the full set of candidate selections. Exactly one of
// FromReport/Explicit/Pilot is meant to be populated per invocation; All is
// always populated by the walker and serves as the fallback.
type Input struct {
	All        []bidsmodel.Unit
	Pilot      []bidsmodel.Unit // one randomly chosen unit, chosen by the caller
	Explicit   []bidsmodel.Unit
	FromReport []bidsmodel.Unit

	Force       bool
	Parallelism int
	Oracle      *oracle.Oracle
	Log         *bidslog.Logger
}

// Result is the built plan plus bookkeeping about what the oracle removed
// and which lower-priority sources were overridden.
type Result struct {
	Plan             bidsmodel.Plan
	ActiveSource     Source
	OverriddenSources []Source
	SkippedDone      []bidsmodel.Unit
}

// Build selects the active source by precedence, removes units the oracle
// considers already done (unless force is set or the source is
// from-report reprocessing, which exists specifically to re-target units
// the oracle would otherwise skip), dedupes, and sorts deterministically.
func Build(in Input) (Result, error) {
	sources := map[Source][]bidsmodel.Unit{
		SourceFromReport: in.FromReport,
		SourceExplicit:   in.Explicit,
		SourcePilot:      in.Pilot,
		SourceAll:        in.All,
	}

	var active Source
	var candidates []bidsmodel.Unit
	var overridden []Source
	chosen := false
	for _, s := range precedence {
		units := sources[s]
		if !chosen && len(units) > 0 {
			active = s
			candidates = units
			chosen = true
			continue
		}
		if len(units) > 0 {
			overridden = append(overridden, s)
		}
	}
	if !chosen {
		return Result{}, fmt.Errorf("plan: no candidate units from any source")
	}

	candidates = dedupe(candidates)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })

	skipOracle := in.Force || active == SourceFromReport
	var kept, skipped []bidsmodel.Unit
	for _, u := range candidates {
		if skipOracle {
			kept = append(kept, u)
			continue
		}
		verdict := in.Oracle.Evaluate(u, false)
		if verdict == oracle.Done {
			skipped = append(skipped, u)
			if in.Log != nil {
				in.Log.Debugf("plan: %s already done, skipping", u)
			}
			continue
		}
		kept = append(kept, u)
	}

	return Result{
		Plan: bidsmodel.Plan{
			Units:       kept,
			Provenance:  provenanceFor(active),
			Force:       in.Force,
			Parallelism: in.Parallelism,
		},
		ActiveSource:      active,
		OverriddenSources: overridden,
		SkippedDone:       skipped,
	}, nil
}

func provenanceFor(s Source) bidsmodel.Provenance {
	switch s {
	case SourceFromReport:
		return bidsmodel.ProvenanceFromReport
	case SourceExplicit:
		return bidsmodel.ProvenanceExplicit
	case SourcePilot:
		return bidsmodel.ProvenancePilot
	default:
		return bidsmodel.ProvenanceFresh
	}
}

func dedupe(units []bidsmodel.Unit) []bidsmodel.Unit {
	seen := make(map[bidsmodel.Unit]bool, len(units))
	out := make([]bidsmodel.Unit, 0, len(units))
	for _, u := range units {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
