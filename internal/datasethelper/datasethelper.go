// Package datasethelper is the optional pre-step/post-step around one
// unit's container run when the input or output dataset reference in
// config.Dataset points at a content-addressed store rather than a plain
// path on disk. The local dispatcher requests a unit's data before running
// it and saves derivatives afterward; the cluster dispatcher does the
// equivalent clone/push under an advisory lock (internal/dispatch/cluster).
//
// Store implementations are grounded on the teacher's cloud provider
// package shape (internal/cloud/providers/s3, internal/cloud/providers/azure):
// a small client wrapping the vendor SDK, constructed once per reference
// and reused across units.
package datasethelper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bids-batch/bidsbatch/internal/bidslog"
	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
)

// Store fetches a unit's input data into a scratch directory before a run
// and pushes its derivatives back after a successful one. Implementations
// never touch the container invocation itself; they only stage files the
// bind mounts will expose.
type Store interface {
	// Get stages unit's structure-only view (directory layout plus the
	// files that unit's container invocation needs) under scratchDir.
	Get(ctx context.Context, unit bidsmodel.Unit, scratchDir string) error
	// Save pushes unit's derivatives from scratchDir back to the store.
	Save(ctx context.Context, unit bidsmodel.Unit, scratchDir string) error
	// Name identifies the backend for logging.
	Name() string
}

// NewStore selects a backend by the reference's URL scheme:
// s3://bucket/prefix, azblob://account/container/prefix, or
// http(s):// for a generic content-addressed HTTP API. An empty reference,
// a reference without a scheme, or an unrecognized scheme is an error;
// callers use Detect first to decide whether a dataset reference names a
// content-addressed store at all.
func NewStore(reference string) (Store, error) {
	scheme, rest, ok := splitScheme(reference)
	if !ok {
		return nil, fmt.Errorf("datasethelper: reference has no recognizable scheme: %q", reference)
	}
	switch scheme {
	case "s3":
		return newS3Store(rest)
	case "azblob":
		return newAzureStore(rest)
	case "http", "https":
		return newHTTPStore(reference)
	default:
		return nil, fmt.Errorf("datasethelper: unsupported dataset reference scheme %q", scheme)
	}
}

// Detect reports whether reference names a content-addressed store this
// package knows how to speak to, without constructing one. The local
// dispatcher's auto-detection uses this to decide whether a dataset
// section's input reference is a plain filesystem path (most runs) or a
// store to wire an AutoDetector around.
func Detect(reference string) bool {
	scheme, _, ok := splitScheme(reference)
	if !ok {
		return false
	}
	switch scheme {
	case "s3", "azblob", "http", "https":
		return true
	default:
		return false
	}
}

func splitScheme(reference string) (scheme, rest string, ok bool) {
	idx := strings.Index(reference, "://")
	if idx < 0 {
		return "", "", false
	}
	return reference[:idx], reference[idx+3:], true
}

// ManifestMarker is the file name that marks a directory as the root of a
// content-addressed dataset (the local-filesystem equivalent of DataLad's
// .datalad/config). AutoDetector does not look for it: whether a store is
// used is decided from the reference's scheme by Detect.
const ManifestMarker = ".manifest"

// AutoDetector requests each unit's data from its Store, and demotes to
// plain filesystem access after the first store failure, logging the
// demotion exactly once. This mirrors the original tool's is_datalad_dataset /
// get_subject_data_datalad fallback: auto-detection is tried optimistically
// and abandoned cheaply the first time it doesn't pan out.
type AutoDetector struct {
	Store Store
	Log   *bidslog.Logger

	mu       sync.Mutex
	demoted  bool
	warned   bool
}

// PreStep requests a unit's data via the store, if one is configured and
// auto-detection has not already been demoted. A failure demotes future
// units to plain filesystem access and logs the demotion once; it never
// fails the unit itself (spec: "local mode demotes ... on a first failure,
// reported once").
func (a *AutoDetector) PreStep(ctx context.Context, unit bidsmodel.Unit, scratchDir string) {
	if a == nil || a.Store == nil {
		return
	}
	a.mu.Lock()
	demoted := a.demoted
	a.mu.Unlock()
	if demoted {
		return
	}

	if err := a.Store.Get(ctx, unit, scratchDir); err != nil {
		a.demote(err)
	}
}

// PostStep saves a unit's derivatives via the store, if still active.
// Cluster mode (internal/dispatch/cluster) does not use AutoDetector; its
// submission script runs the clone and push itself, and a failed clone or
// push there does not change the unit's classification.
func (a *AutoDetector) PostStep(ctx context.Context, unit bidsmodel.Unit, scratchDir string) error {
	if a == nil || a.Store == nil {
		return nil
	}
	a.mu.Lock()
	demoted := a.demoted
	a.mu.Unlock()
	if demoted {
		return nil
	}
	if err := a.Store.Save(ctx, unit, scratchDir); err != nil {
		a.demote(err)
		return err
	}
	return nil
}

func (a *AutoDetector) demote(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.demoted = true
	if !a.warned && a.Log != nil {
		a.Log.Warnf("datasethelper: %s store failed (%v), falling back to plain filesystem access for the rest of this run", a.Store.Name(), err)
		a.warned = true
	}
}
