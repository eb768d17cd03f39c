package pvml

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/imagvfx/pvml/log"
)

// Version is the PVML release version.
const Version = "4.1.0"

// Job drives one processing run: resolve inputs, write the job order, run
// every task, locate and check outputs, ingest results. The working
// directory is exclusively owned by the job for its lifetime.
type Job struct {
	Config  *Config
	Backend Backend

	// WorkingDirectory is the absolute path of the job's working
	// directory, derived from the configuration.
	WorkingDirectory string

	// Plan is set after resolution.
	Plan *Plan

	// Outputs maps product type to discovered output, populated by output
	// discovery after the last task ran.
	Outputs map[string]*Output
}

// NewJob creates a job from a fully loaded configuration. The interface
// backend is selected from the static registry; the working directory is
// derived but not created.
func NewJob(cfg *Config) (*Job, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	workspace := cfg.WorkspaceDirectory
	if workspace == "" {
		workspace = "."
	}
	wd := cfg.WorkingDirectory
	switch {
	case wd == "":
		wd = filepath.Join(workspace, cfg.JobOrderID)
	case !filepath.IsAbs(wd):
		wd = filepath.Join(workspace, wd)
	}
	wd, err = filepath.Abs(wd)
	if err != nil {
		return nil, errors.Wrap(err, "resolve working directory")
	}
	return &Job{
		Config:           cfg,
		Backend:          backend,
		WorkingDirectory: wd,
		Outputs:          make(map[string]*Output),
	}, nil
}

// JobOrder resolves the job and returns the job order file content without
// writing anything to disk. Used for inspection.
func (j *Job) JobOrder() ([]byte, error) {
	archive, err := OpenArchive(j.Config)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	plan, err := j.resolve(archive)
	if err != nil {
		return nil, err
	}
	content, _, err := j.Backend.WriteJobOrder(plan, true)
	return content, err
}

// Run executes the full job and returns the names of the produced output
// files, sorted.
func (j *Job) Run() ([]string, error) {
	ref := j.Config.ProcessorName + "/" + j.Config.ProcessorVersion
	log.Infof("starting processor '%s' using PVML %s", ref, Version)

	archive, err := OpenArchive(j.Config)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	plan, err := j.resolve(archive)
	if err != nil {
		log.Infof("processor '%s' failed", ref)
		return nil, err
	}

	if err := j.createWorkingDirectory(); err != nil {
		log.Infof("processor '%s' failed", ref)
		return nil, err
	}

	// Everything logged from here on also lands in the job's driver log.
	// The file handle is released on every exit path.
	if err := log.SetJobFile(filepath.Join(j.WorkingDirectory, "pvml.log")); err != nil {
		return nil, errors.Wrap(err, "create driver log")
	}
	defer log.CloseJobFile()

	outputs, err := j.run(plan, archive)
	if err != nil {
		log.Infof("processor '%s' failed", ref)
		return nil, err
	}
	log.Infof("processor '%s' finished successfully", ref)
	return outputs, nil
}

func (j *Job) run(plan *Plan, archive Archive) ([]string, error) {
	_, path, err := j.Backend.WriteJobOrder(plan, false)
	if err != nil {
		return nil, err
	}

	log.Infof("retrieving input products")
	inputs := sortedInputs(plan.Inputs)
	if err := archive.Retrieve(inputs, j.WorkingDirectory); err != nil {
		return nil, err
	}

	runner := &Runner{Plan: plan, JobOrderPath: path}
	if err := runner.RunAll(); err != nil {
		return nil, err
	}

	outputs, err := j.Backend.LocateOutputs(plan)
	if err != nil {
		return nil, err
	}
	j.Outputs = outputs

	if err := archive.Ingest(sortedOutputs(outputs), inputs); err != nil {
		return nil, err
	}
	return outputFileNames(outputs), nil
}

func (j *Job) resolve(archive Archive) (*Plan, error) {
	plan, err := j.Backend.Resolve(j.Config, archive)
	if err != nil {
		return nil, err
	}
	plan.WorkingDirectory = j.WorkingDirectory
	j.Plan = plan
	return plan, nil
}

// createWorkingDirectory creates the working directory, or fully clears it
// when it already exists, guaranteeing every run starts clean.
func (j *Job) createWorkingDirectory() error {
	info, err := os.Stat(j.WorkingDirectory)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(j.WorkingDirectory, 0o755); err != nil {
			return &ConfigError{Msg: "could not create working directory '" + j.WorkingDirectory + "'", Err: err}
		}
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "stat working directory")
	}
	if !info.IsDir() {
		return Errorf("working directory '%s' is not a directory", j.WorkingDirectory)
	}
	entries, err := os.ReadDir(j.WorkingDirectory)
	if err != nil {
		return errors.Wrap(err, "list working directory")
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(j.WorkingDirectory, entry.Name())); err != nil {
			return &ConfigError{Msg: "could not empty working directory, unable to delete '" + entry.Name() + "'", Err: err}
		}
	}
	return nil
}

func sortedInputs(inputs map[string]*Input) []*Input {
	types := make([]string, 0, len(inputs))
	for t := range inputs {
		types = append(types, t)
	}
	sort.Strings(types)
	list := make([]*Input, 0, len(types))
	for _, t := range types {
		list = append(list, inputs[t])
	}
	return list
}

func sortedOutputs(outputs map[string]*Output) []*Output {
	types := make([]string, 0, len(outputs))
	for t := range outputs {
		types = append(types, t)
	}
	sort.Strings(types)
	list := make([]*Output, 0, len(types))
	for _, t := range types {
		list = append(list, outputs[t])
	}
	return list
}

// outputFileNames flattens the discovered outputs to the base names of
// their files, sorted.
func outputFileNames(outputs map[string]*Output) []string {
	var names []string
	for _, output := range outputs {
		for _, product := range output.Products {
			for _, path := range product.Filepaths {
				names = append(names, filepath.Base(path))
			}
		}
	}
	sort.Strings(names)
	return names
}
