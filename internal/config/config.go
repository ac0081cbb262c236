// Package config loads and validates the engine's configuration document:
// an immutable JSON document with common, app, cluster, and dataset
// sections, resolved to absolute paths and validated once at load time.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// AnalysisLevel is the pipeline's BIDS App analysis level.
type AnalysisLevel string

const (
	LevelParticipant AnalysisLevel = "participant"
	LevelGroup       AnalysisLevel = "group"
)

// Mount is a source (host) -> target (container) bind mount pair.
type Mount struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Common holds the paths and parallelism shared by every run.
type Common struct {
	InputDatasetRoot string  `json:"input_dataset_root"`
	OutputRoot       string  `json:"output_root"`
	ScratchRoot      string  `json:"scratch_root"`
	ContainerImage   string  `json:"container_image"`
	TemplateflowDir  string  `json:"templateflow_dir"`
	AuxMountRoots    []Mount `json:"aux_mount_roots"`
	Parallelism      int     `json:"parallelism"`
	Lock             bool    `json:"lock"`
}

// App holds the app-specific options for one pipeline invocation.
type App struct {
	AnalysisLevel        AnalysisLevel `json:"analysis_level"`
	Options              []string      `json:"options"`
	ExtraMounts          []Mount       `json:"extra_mounts"`
	OutputCheckPattern   string        `json:"output_check_pattern"`
	OutputCheckDirectory string        `json:"output_check_directory"`
	Pipeline             string        `json:"pipeline"` // fmriprep | freesurfer | qsiprep | qsirecon
	SessionAware         bool          `json:"session_aware"`
}

// Cluster holds the optional cluster-scheduler configuration.
type Cluster struct {
	Queue         string            `json:"queue"`
	Walltime      string            `json:"walltime"`
	Memory        string            `json:"memory"`
	CPUs          int               `json:"cpus"`
	JobNameBase   string            `json:"job_name_base"`
	Modules       []string          `json:"modules"`
	Environment   map[string]string `json:"environment"`
	OutputPattern string            `json:"output_pattern"`
	ErrorPattern  string            `json:"error_pattern"`
	Monitor       bool              `json:"monitor"`
	SubmitCommand string            `json:"submit_command"` // e.g. "sbatch"
	CancelCommand string            `json:"cancel_command"` // e.g. "scancel"
	StatusCommand string            `json:"status_command"` // e.g. "squeue"
	PollInterval  int               `json:"poll_interval_seconds"`
	LockFile      string            `json:"lock_file"`
}

// Dataset holds the optional content-addressed dataset configuration.
type Dataset struct {
	InputReference  string `json:"input_reference"`
	OutputReference string `json:"output_reference"`
	PerUnitBranch   bool   `json:"per_unit_branch"`
	Push            bool   `json:"push"`
}

// Config is the immutable, validated configuration document.
type Config struct {
	Common  Common
	App     App
	Cluster *Cluster
	Dataset *Dataset
}

// document is the raw JSON shape of the configuration file.
type document struct {
	Common  Common   `json:"common"`
	App     App      `json:"app"`
	Cluster *Cluster `json:"cluster"`
	Dataset *Dataset `json:"dataset"`
}

// Error kinds returned by Load, matching spec's taxonomy.
type ErrorKind string

const (
	ErrMissing   ErrorKind = "ConfigMissing"
	ErrMalformed ErrorKind = "ConfigMalformed"
	ErrSemantic  ErrorKind = "ConfigSemantic"
)

// Error wraps a configuration error with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func newErr(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

var walltimeRe = regexp.MustCompile(`^\d{1,2}:\d{2}:\d{2}$`)
var memoryRe = regexp.MustCompile(`^\d+[MG]$`)

// Load reads, parses, and validates the configuration document at path.
// All paths in the returned Config are absolute. Loader failures are fatal.
// Load creates output_root and scratch_root when they are missing, before
// the remaining checks run; a later validation failure leaves those
// directories in place.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr(ErrMissing, "config file not found: %s", path)
		}
		return nil, newErr(ErrMissing, "cannot read config: %v", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, newErr(ErrMalformed, "invalid JSON in config file: %v", err)
	}

	cfg := &Config{Common: doc.Common, App: doc.App, Cluster: doc.Cluster, Dataset: doc.Dataset}
	if err := cfg.resolveAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolveAndValidate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if err := c.validateApp(); err != nil {
		return err
	}
	if c.Cluster != nil {
		if err := c.validateCluster(); err != nil {
			return err
		}
	}
	if c.Dataset != nil {
		if err := c.validateDataset(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateCommon() error {
	cm := &c.Common

	if cm.InputDatasetRoot == "" {
		return newErr(ErrSemantic, "common.input_dataset_root is required")
	}
	abs, err := filepath.Abs(cm.InputDatasetRoot)
	if err != nil {
		return newErr(ErrSemantic, "cannot resolve input_dataset_root: %v", err)
	}
	cm.InputDatasetRoot = abs
	if fi, err := os.Stat(cm.InputDatasetRoot); err != nil || !fi.IsDir() {
		return newErr(ErrSemantic, "input_dataset_root does not exist or is not a directory: %s", cm.InputDatasetRoot)
	}

	if cm.OutputRoot == "" {
		return newErr(ErrSemantic, "common.output_root is required")
	}
	cm.OutputRoot, err = resolveCreatable(cm.OutputRoot)
	if err != nil {
		return newErr(ErrSemantic, "output_root: %v", err)
	}

	if cm.ScratchRoot == "" {
		return newErr(ErrSemantic, "common.scratch_root is required")
	}
	cm.ScratchRoot, err = resolveCreatable(cm.ScratchRoot)
	if err != nil {
		return newErr(ErrSemantic, "scratch_root: %v", err)
	}

	if cm.ContainerImage == "" {
		return newErr(ErrSemantic, "common.container_image is required")
	}
	abs, err = filepath.Abs(cm.ContainerImage)
	if err != nil {
		return newErr(ErrSemantic, "cannot resolve container_image: %v", err)
	}
	cm.ContainerImage = abs
	if fi, err := os.Stat(cm.ContainerImage); err != nil || fi.IsDir() {
		return newErr(ErrSemantic, "container_image does not exist or is not readable: %s", cm.ContainerImage)
	}

	if cm.Parallelism < 0 {
		return newErr(ErrSemantic, "common.parallelism must not be negative")
	}
	if cm.Parallelism == 0 {
		cm.Parallelism = 1
	}

	for i, m := range cm.AuxMountRoots {
		if err := validateMount(m); err != nil {
			return newErr(ErrSemantic, "common.aux_mount_roots[%d]: %v", i, err)
		}
	}

	return nil
}

func (c *Config) validateApp() error {
	app := &c.App
	if app.AnalysisLevel == "" {
		app.AnalysisLevel = LevelParticipant
	}
	if app.AnalysisLevel != LevelParticipant && app.AnalysisLevel != LevelGroup {
		return newErr(ErrSemantic, "app.analysis_level must be 'participant' or 'group', got %q", app.AnalysisLevel)
	}
	for i, m := range app.ExtraMounts {
		if err := validateMount(m); err != nil {
			return newErr(ErrSemantic, "app.extra_mounts[%d]: %v", i, err)
		}
	}
	return nil
}

func validateMount(m Mount) error {
	if m.Source == "" || m.Target == "" {
		return fmt.Errorf("mount requires both source and target")
	}
	if !filepath.IsAbs(m.Target) {
		return fmt.Errorf("mount target must be an absolute path inside the container: %s", m.Target)
	}
	if _, err := os.Stat(m.Source); err != nil {
		return fmt.Errorf("mount source does not exist: %s", m.Source)
	}
	return nil
}

func (c *Config) validateCluster() error {
	cl := c.Cluster
	if !walltimeRe.MatchString(cl.Walltime) {
		return newErr(ErrSemantic, "cluster.walltime must match H:MM:SS or HH:MM:SS, got %q", cl.Walltime)
	}
	if !memoryRe.MatchString(cl.Memory) {
		return newErr(ErrSemantic, `cluster.memory must match \d+[MG], got %q`, cl.Memory)
	}
	if cl.CPUs < 1 {
		return newErr(ErrSemantic, "cluster.cpus must be >= 1, got %d", cl.CPUs)
	}
	if cl.PollInterval <= 0 {
		cl.PollInterval = 60
	}
	if cl.SubmitCommand == "" {
		cl.SubmitCommand = "sbatch"
	}
	if cl.StatusCommand == "" {
		cl.StatusCommand = "squeue"
	}
	if cl.CancelCommand == "" {
		cl.CancelCommand = "scancel"
	}
	return nil
}

func (c *Config) validateDataset() error {
	ds := c.Dataset
	if strings.TrimSpace(ds.InputReference) == "" {
		return newErr(ErrSemantic, "dataset.input_reference must be non-empty when dataset section is present")
	}
	if ds.Push && strings.TrimSpace(ds.OutputReference) == "" {
		return newErr(ErrSemantic, "dataset.output_reference is required when dataset.push is true")
	}
	return nil
}

// resolveCreatable resolves path to an absolute path that either already
// exists or can be created, and is writable.
func resolveCreatable(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path: %w", err)
	}
	if fi, err := os.Stat(abs); err == nil {
		if !fi.IsDir() {
			return "", fmt.Errorf("%s exists and is not a directory", abs)
		}
	} else if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("cannot create directory %s: %w", abs, err)
	}
	f, err := os.CreateTemp(abs, ".bidsbatch_write_check_*")
	if err != nil {
		return "", fmt.Errorf("%s is not writable: %w", abs, err)
	}
	f.Close()
	os.Remove(f.Name())
	return abs, nil
}
