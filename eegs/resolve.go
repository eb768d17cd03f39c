package eegs

import (
	"sort"
	"strings"
	"time"

	"github.com/imagvfx/pvml"
	"github.com/imagvfx/pvml/log"
)

func init() {
	pvml.RegisterBackend("EEGS", func() pvml.Backend { return &Backend{} })
}

type param struct {
	name  string
	value string
}

type cfgFile struct {
	id       string
	fileName string
}

// selectedInput is one concrete file type chosen for an input, either an
// externally sourced product or another task's output wired in place.
type selectedInput struct {
	fileType       string
	fileNames      []string
	internalOutput bool
	virtual        bool
}

type resolvedInput struct {
	inputID       string
	alternativeID string
	selected      []*selectedInput
}

type taskOutput struct {
	fileType        string
	fileNamePattern string
}

type intermOutput struct {
	id   string
	file string
}

type resolvedTask struct {
	name          string
	version       string
	cpuCores      int
	ram           int
	diskSpace     int
	parameters    []param
	configFiles   []cfgFile
	inputs        []*resolvedInput
	outputs       []*taskOutput
	intermediates []intermOutput
}

// Backend implements the EEGS dialect. It carries the dialect state
// resolved from the task table between the resolution, job order and
// output discovery stages of one job.
type Backend struct {
	toiStart    *time.Time
	toiStop     *time.Time
	outputs     map[string]*taskOutput
	outputOrder []string
	tasks       []*resolvedTask
}

// Resolve implements pvml.Backend. An input resolves when one of its
// alternatives is complete: every file type in the alternative's set is
// satisfied from the cache, the pre-supplied configuration or an earlier
// task's declared output.
func (b *Backend) Resolve(cfg *pvml.Config, archive pvml.Archive) (*pvml.Plan, error) {
	if len(b.tasks) != 0 {
		panic("eegs: backend resolved twice")
	}

	tt, err := readTaskTable(cfg)
	if err != nil {
		return nil, err
	}

	jobInputs := make(map[string]*pvml.Input)
	predefined, err := b.resolvePredefinedInputs(cfg, archive)
	if err != nil {
		return nil, err
	}

	var tasks []*pvml.Task
	selectedInputCache := make(map[string]*selectedInput)
	for _, tTask := range tt.Tasks {
		jobTask := &pvml.Task{
			Name:              tTask.Name,
			Version:           tTask.Version,
			Executable:        tTask.Executable,
			ExpectedExitCodes: cfg.ExpectedExitCodes(tTask.Name),
		}
		tasks = append(tasks, jobTask)

		task := &resolvedTask{
			name:      tTask.Name,
			version:   tTask.Version,
			cpuCores:  tTask.CPUCores,
			ram:       tTask.RAM,
			diskSpace: tTask.DiskSpace,
		}
		for _, p := range tTask.Parameters {
			value, ok := cfg.ProcessingParameters[p.Name]
			if !ok {
				if p.Default == nil {
					return nil, pvml.Errorf("processing parameter '%s' is not assigned a value", p.Name)
				}
				value = *p.Default
			}
			task.parameters = append(task.parameters, param{name: p.Name, value: value})
		}
		for _, f := range tTask.CfgFiles {
			task.configFiles = append(task.configFiles, cfgFile{id: f.ID, fileName: f.FileName})
		}

		for _, tIn := range tTask.Inputs {
			input, err := b.resolveTaskInput(task, tIn, predefined, selectedInputCache, jobInputs)
			if err != nil {
				return nil, err
			}
			if input == nil {
				continue
			}
			for _, selected := range input.selected {
				if selected.internalOutput {
					continue
				}
				for _, name := range selected.fileNames {
					log.Infof("assigning input file '%s' to input '%s' of task '%s'", name, tIn.ID, task.name)
				}
			}
			task.inputs = append(task.inputs, input)
		}

		for _, tOut := range tTask.Outputs {
			output := &taskOutput{fileType: tOut.FileType, fileNamePattern: tOut.FileNamePattern}
			task.outputs = append(task.outputs, output)
			if tOut.Destination != "External" {
				continue
			}
			if b.outputs == nil {
				b.outputs = make(map[string]*taskOutput)
			}
			if _, ok := b.outputs[tOut.FileType]; ok {
				return nil, pvml.Errorf("output for '%s' included more than once in the task table", tOut.FileType)
			}
			if _, ok := cfg.ProductTypes[tOut.FileType]; !ok {
				return nil, pvml.Errorf("product type '%s' not defined in global config", tOut.FileType)
			}
			b.outputs[tOut.FileType] = output
			b.outputOrder = append(b.outputOrder, tOut.FileType)
		}
		for _, tInterm := range tTask.Intermediates {
			task.intermediates = append(task.intermediates, intermOutput{id: tInterm.ID, file: tInterm.File})
		}
		b.tasks = append(b.tasks, task)
	}

	if len(predefined) > 0 {
		types := make([]string, 0, len(predefined))
		for t := range predefined {
			types = append(types, t)
		}
		sort.Strings(types)
		if len(types) == 1 {
			return nil, pvml.Errorf("input for '%s' from configuration could not be assigned to any tasks", types[0])
		}
		quoted := make([]string, len(types))
		for i, t := range types {
			quoted[i] = "'" + t + "'"
		}
		return nil, pvml.Errorf("inputs for %s from configuration could not be assigned to any tasks",
			strings.Join(quoted, ", "))
	}

	sensing := cfg.SensingInterval()
	if b.toiStart != nil {
		sensing.Start = *b.toiStart
	}
	if b.toiStop != nil {
		sensing.Stop = *b.toiStop
	}
	return &pvml.Plan{
		Config:  cfg,
		Sensing: sensing,
		Tasks:   tasks,
		Inputs:  jobInputs,
	}, nil
}

// resolvePredefinedInputs resolves every user supplied product reference
// through the archive and derives the time of interest: the configured
// interval when pinned, otherwise widened outward over the resolved
// inputs' validity intervals.
func (b *Backend) resolvePredefinedInputs(cfg *pvml.Config, archive pvml.Archive) (map[string]*pvml.Input, error) {
	predefined := make(map[string]*pvml.Input)
	b.toiStart = cfg.SensingStart
	b.toiStop = cfg.SensingStop
	widenStart := cfg.SensingStart == nil
	widenStop := cfg.SensingStop == nil
	for _, configInput := range cfg.Inputs {
		if len(configInput.Products) == 0 {
			continue
		}
		input := &pvml.Input{ProductType: configInput.ProductType}
		for _, configProduct := range configInput.Products {
			product, err := archive.ResolveReference(configProduct.Reference, configInput.ProductType)
			if err != nil {
				return nil, err
			}
			input.Products = append(input.Products, &pvml.InputProduct{
				Reference: product.Reference,
				Filename:  product.Filename,
			})
			if widenStart && product.ValidityStart != nil &&
				(b.toiStart == nil || product.ValidityStart.Before(*b.toiStart)) {
				b.toiStart = product.ValidityStart
			}
			if widenStop && product.ValidityStop != nil &&
				(b.toiStop == nil || product.ValidityStop.After(*b.toiStop)) {
				b.toiStop = product.ValidityStop
			}
		}
		predefined[configInput.ProductType] = input
	}
	return predefined, nil
}

func (b *Backend) resolveTaskInput(task *resolvedTask, tIn ttInput,
	predefined map[string]*pvml.Input, cache map[string]*selectedInput,
	jobInputs map[string]*pvml.Input) (*resolvedInput, error) {

	mandatory := tIn.Mandatory == "Yes"
	var fileTypes []string
	for _, tAlt := range tIn.Alternatives {
		var selected []*selectedInput
		var altJobInputs []*pvml.Input
		complete := true
		for _, tType := range tAlt.Types {
			fileTypes = append(fileTypes, tType.FileType)
			if tType.Instances != "SINGLE" {
				return nil, pvml.Errorf("support for Instances='%s' for task input not implemented", tType.Instances)
			}
			if tType.Origin == "EXTERNAL" {
				if cached, ok := cache[tType.FileType]; ok {
					selected = append(selected, cached)
					altJobInputs = append(altJobInputs, jobInputs[tType.FileType])
					continue
				}
				pre, ok := predefined[tType.FileType]
				if !ok {
					complete = false
					break
				}
				in := &selectedInput{fileType: tType.FileType}
				for _, product := range pre.Products {
					in.fileNames = append(in.fileNames, product.Filename)
				}
				selected = append(selected, in)
				altJobInputs = append(altJobInputs, pre)
				continue
			}
			// Origin names a producing task as "Task_Name/Task_Version".
			internal := b.findInternalOutput(tType.Origin, tType.FileType)
			if internal == nil {
				log.Warnf("could not find output of type '%s' from task %s to be used as internal input '%s' for task '%s'",
					tType.FileType, tType.Origin, tIn.ID, task.name)
				complete = false
				break
			}
			in := &selectedInput{
				fileType:       tType.FileType,
				fileNames:      []string{internal.fileNamePattern},
				internalOutput: true,
				virtual:        tType.Virtual == "Yes",
			}
			selected = append(selected, in)
		}
		if !complete {
			continue
		}
		log.Infof("selecting alternative '%s' for input '%s' of task '%s'", tAlt.ID, tIn.ID, task.name)
		for _, jobInput := range altJobInputs {
			if _, ok := jobInputs[jobInput.ProductType]; !ok {
				jobInputs[jobInput.ProductType] = jobInput
			}
			delete(predefined, jobInput.ProductType)
		}
		input := &resolvedInput{inputID: tIn.ID, alternativeID: tAlt.ID, selected: selected}
		for _, in := range selected {
			if _, ok := cache[in.fileType]; !ok {
				cache[in.fileType] = in
			}
			// Virtual inputs exist only as wiring. Dropping them from
			// the job inputs prevents retrieval into the working
			// directory.
			if in.virtual {
				delete(jobInputs, in.fileType)
			}
		}
		return input, nil
	}
	if mandatory {
		return nil, &pvml.ResolutionError{Task: task.name, Input: tIn.ID, FileTypes: dedupe(fileTypes)}
	}
	return nil, nil
}

func (b *Backend) findInternalOutput(origin, fileType string) *taskOutput {
	name, version, ok := strings.Cut(origin, "/")
	if !ok {
		return nil
	}
	for _, task := range b.tasks {
		if task.name != name || task.version != version {
			continue
		}
		for _, output := range task.outputs {
			if output.fileType == fileType {
				return output
			}
		}
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]bool)
	out := values[:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
