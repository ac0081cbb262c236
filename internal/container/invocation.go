// Package container builds the argv, environment, and bind-mount set for
// one BIDS App container invocation. Everything here is a pure function of
// its inputs: no filesystem access, no process spawning. Dispatchers own
// the side effects; this package only decides what to run.
package container

import (
	"fmt"
	"sort"

	"github.com/bids-batch/bidsbatch/internal/bidsmodel"
	"github.com/bids-batch/bidsbatch/internal/config"
)

// BindMount is one source:target:mode triple passed to the container
// runtime.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Invocation is the fully-resolved description of one container run. It
// carries no live resources: ScratchDir and LogPath are paths the
// dispatcher is responsible for creating.
type Invocation struct {
	Executable   string // e.g. "singularity" or "apptainer"
	Args         []string
	Env          []string
	WorkDir      string
	Binds        []BindMount
	LogPath      string
	DebugLogPath string // set only in debug mode, tees to a second file
}

// allowedEnvPrefixes is the closed set of host environment variable
// prefixes forwarded into the container. Everything else is stripped so a
// pipeline run's behavior is reproducible across operator shells.
var allowedEnvPrefixes = []string{"FS_LICENSE", "TEMPLATEFLOW_", "SINGULARITY_", "APPTAINER_"}

// Options carries the per-run inputs the builder needs beyond the static
// config: the unit being processed, the scratch directory assigned to it,
// and whether debug logging (dual-sink, stdout+stderr split) is active.
type Options struct {
	Unit       bidsmodel.Unit
	ScratchDir string
	LogDir     string
	Debug      bool
	HostEnv    map[string]string // subset of os.Environ the caller chose to expose
	Executable string            // defaults to "singularity"
}

// Build constructs the Invocation for one unit from a loaded Config. It
// performs no I/O: callers create ScratchDir/LogDir themselves before (or
// after, for dry runs) calling this function.
func Build(cfg *config.Config, opts Options) Invocation {
	exe := opts.Executable
	if exe == "" {
		exe = "singularity"
	}

	binds := []BindMount{
		{Source: cfg.Common.InputDatasetRoot, Target: "/data", ReadOnly: true},
		{Source: cfg.Common.OutputRoot, Target: "/out"},
		{Source: opts.ScratchDir, Target: "/work"},
	}
	if cfg.Common.TemplateflowDir != "" {
		binds = append(binds, BindMount{Source: cfg.Common.TemplateflowDir, Target: "/templateflow", ReadOnly: true})
	}
	for _, m := range cfg.Common.AuxMountRoots {
		binds = append(binds, BindMount{Source: m.Source, Target: m.Target, ReadOnly: true})
	}
	for _, m := range cfg.App.ExtraMounts {
		binds = append(binds, BindMount{Source: m.Source, Target: m.Target})
	}

	args := []string{"run"}
	for _, b := range binds {
		args = append(args, "--bind", bindArg(b))
	}
	args = append(args, cfg.Common.ContainerImage)
	args = append(args, "/data", "/out", string(cfg.App.AnalysisLevel))
	args = append(args, "--participant-label", opts.Unit.Subject)
	if opts.Unit.Session != "" {
		args = append(args, "--session-id", opts.Unit.Session)
	}
	args = append(args, cfg.App.Options...)

	env := make([]string, 0, len(opts.HostEnv))
	for _, prefix := range allowedEnvPrefixes {
		for _, k := range sortedKeys(opts.HostEnv) {
			if hasPrefix(k, prefix) {
				env = append(env, k+"="+opts.HostEnv[k])
			}
		}
	}
	ce := clusterEnv(cfg.Cluster)
	for _, k := range sortedKeys(ce) {
		env = append(env, k+"="+ce[k])
	}

	logPath := fmt.Sprintf("%s/%s.log", opts.LogDir, opts.Unit.ID())
	inv := Invocation{
		Executable: exe,
		Args:       args,
		Env:        env,
		WorkDir:    opts.ScratchDir,
		Binds:      binds,
		LogPath:    logPath,
	}
	if opts.Debug {
		inv.DebugLogPath = fmt.Sprintf("%s/%s.debug.log", opts.LogDir, opts.Unit.ID())
	}
	return inv
}

func bindArg(b BindMount) string {
	if b.ReadOnly {
		return b.Source + ":" + b.Target + ":ro"
	}
	return b.Source + ":" + b.Target
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// clusterEnv returns the cluster section's environment map, or nil when no
// cluster section is configured (local dispatch has no scheduler exports).
func clusterEnv(cl *config.Cluster) map[string]string {
	if cl == nil {
		return nil
	}
	return cl.Environment
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
