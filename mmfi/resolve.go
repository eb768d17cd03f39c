package mmfi

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/imagvfx/pvml"
	"github.com/imagvfx/pvml/log"
)

func init() {
	pvml.RegisterBackend("MMFI", func() pvml.Backend { return &Backend{} })
}

type param struct {
	name  string
	value string
}

type configSpace struct {
	name string
	path string
}

type inputFile struct {
	name  string
	start *time.Time
	stop  *time.Time
}

type taskInput struct {
	fileType        string
	fileNameType    string
	files           []inputFile
	inputSourceData *bool
}

type taskOutput struct {
	fileType     string
	fileNameType string
	fileName     string
	destination  string
	mandatory    bool
}

type resolvedTask struct {
	name    string
	version string
	inputs  []*taskInput
	outputs []*taskOutput
}

// Backend implements the MMFI dialect. It carries the dialect state
// resolved from the task table between the resolution, job order and
// output discovery stages of one job.
type Backend struct {
	enableTest               bool
	privateConfig            bool
	configFiles              []string
	configSpaces             []configSpace
	includeGlobalSensingTime bool
	dynParams                bool
	parameters               []param
	outputs                  map[string]*taskOutput
	outputOrder              []string
	tasks                    []*resolvedTask
	sensing                  pvml.Interval
}

// alternative is one parsed input alternative, ordered by rank.
type alternative struct {
	fileType        string
	fileNameType    string
	origin          string
	retrievalMode   string
	order           int
	t0              time.Duration
	t1              time.Duration
	inputSourceData *bool
}

func parseAlternatives(in ttInput) ([]alternative, error) {
	alts := make([]alternative, 0, len(in.Alternatives))
	for _, raw := range in.Alternatives {
		alt := alternative{
			fileType:      raw.FileType,
			fileNameType:  raw.FileNameType,
			origin:        raw.Origin,
			retrievalMode: raw.RetrievalMode,
		}
		if raw.Order != "" {
			order, err := strconv.Atoi(raw.Order)
			if err != nil {
				return nil, pvml.Errorf("invalid alternative order '%s' for file type '%s'", raw.Order, raw.FileType)
			}
			alt.order = order
		}
		var err error
		if alt.t0, err = parseOffset(raw.T0); err != nil {
			return nil, pvml.Errorf("invalid T0 offset '%s' for file type '%s'", raw.T0, raw.FileType)
		}
		if alt.t1, err = parseOffset(raw.T1); err != nil {
			return nil, pvml.Errorf("invalid T1 offset '%s' for file type '%s'", raw.T1, raw.FileType)
		}
		if raw.InputSourceData != nil {
			v := *raw.InputSourceData == "true" || *raw.InputSourceData == "1"
			alt.inputSourceData = &v
		}
		alts = append(alts, alt)
	}
	// Rank order; ties keep declaration order.
	sort.SliceStable(alts, func(i, j int) bool { return alts[i].order < alts[j].order })
	return alts, nil
}

func parseOffset(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Resolve implements pvml.Backend.
func (b *Backend) Resolve(cfg *pvml.Config, archive pvml.Archive) (*pvml.Plan, error) {
	if len(b.tasks) != 0 {
		panic("mmfi: backend resolved twice")
	}

	if cfg.VariantUseNumericalOrderID {
		if _, err := strconv.Atoi(cfg.JobOrderID); err != nil {
			return nil, pvml.Errorf("job order identifier '%s' should be an integer", cfg.JobOrderID)
		}
	}

	tt, err := readTaskTable(cfg)
	if err != nil {
		return nil, err
	}

	b.enableTest = tt.Test == "Yes" || cfg.Test
	if err := b.readConfigFiles(tt); err != nil {
		return nil, err
	}
	for _, name := range tt.ConfigSpaces {
		path, ok := cfg.ConfigSpaces[name]
		if !ok {
			return nil, pvml.Errorf("config space '%s' is not assigned a value", name)
		}
		b.configSpaces = append(b.configSpaces, configSpace{name: name, path: path})
	}
	b.includeGlobalSensingTime = true
	if cfg.VariantSensingTimeFlag {
		// When the flag is allowed in the task table its default is off.
		b.includeGlobalSensingTime = tt.SensingFlag == "true"
	}
	if err := b.readParameters(cfg, tt); err != nil {
		return nil, err
	}

	jobInputs := make(map[string]*pvml.Input)
	predefined, err := b.resolvePredefinedInputs(cfg, archive)
	if err != nil {
		return nil, err
	}

	log.Infof("sensing start time is %s", cfg.FormatTimestamp(b.sensing.Start))
	log.Infof("sensing stop time is %s", cfg.FormatTimestampRoundUp(b.sensing.Stop))

	var tasks []*pvml.Task
	inputCache := make(map[string]*taskInput)
	namedInputs := make(map[string]*taskInput)
	for _, pool := range tt.Pools {
		for _, tTask := range pool.Tasks {
			jobTask := &pvml.Task{
				Name:              tTask.Name,
				Version:           tTask.Version,
				Executable:        tTask.FileName,
				ExpectedExitCodes: cfg.ExpectedExitCodes(tTask.Name),
			}
			tasks = append(tasks, jobTask)

			task := &resolvedTask{name: tTask.Name, version: tTask.Version}
			for index, tIn := range tTask.Inputs {
				input, err := b.resolveTaskInput(cfg, archive, task, tIn, index+1,
					predefined, inputCache, namedInputs, jobInputs)
				if err != nil {
					return nil, err
				}
				if input == nil {
					continue
				}
				for _, file := range input.files {
					if file.name != "" {
						log.Infof("assigning input '%s' to task '%s'", file.name, task.name)
					}
				}
				task.inputs = append(task.inputs, input)
				inputCache[input.fileType] = input
				if tIn.ID != "" {
					namedInputs[tIn.ID] = input
				}
			}
			if err := b.readTaskOutputs(cfg, task, tTask); err != nil {
				return nil, err
			}
			b.tasks = append(b.tasks, task)
		}
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
		for i, t := range types {
			types[i] = "'" + t + "'"
		}
		return nil, pvml.Errorf("inputs for %s from configuration could not be assigned to any tasks",
			strings.Join(types, ", "))
	}

	return &pvml.Plan{
		Config:  cfg,
		Sensing: b.sensing,
		Tasks:   tasks,
		Inputs:  jobInputs,
	}, nil
}

func (b *Backend) readConfigFiles(tt *taskTable) error {
	if tt.PrivateConfig != nil {
		b.privateConfig = true
		files := tt.PrivateConfig.files()
		if len(files) > 0 {
			idx := 0
			if tt.PrivateConfig.Default != "" {
				i, err := strconv.Atoi(tt.PrivateConfig.Default)
				if err != nil || i < 0 || i >= len(files) {
					return pvml.Errorf("invalid default config file index '%s'", tt.PrivateConfig.Default)
				}
				idx = i
			}
			if files[idx].FileName != "" {
				b.configFiles = append(b.configFiles, files[idx].FileName)
			}
		}
		return nil
	}
	files := tt.CfgFiles
	if len(files) == 0 {
		files = tt.CfgFilesAlt
	}
	for _, f := range files {
		if f.FileName != "" {
			b.configFiles = append(b.configFiles, f.FileName)
		}
	}
	return nil
}

func (b *Backend) readParameters(cfg *pvml.Config, tt *taskTable) error {
	var declared []ttParam
	if tt.StaticParams != nil {
		b.dynParams = false
		declared = tt.StaticParams.Params
	} else {
		b.dynParams = true
		declared = tt.DynParams
	}
	for _, p := range declared {
		value, assigned := cfg.ProcessingParameters[p.Name]
		switch {
		case assigned:
		case p.Default != nil:
			value = *p.Default
			assigned = true
		case p.Mandatory != "false":
			return pvml.Errorf("mandatory processing parameter '%s' is not assigned a value", p.Name)
		}
		if !assigned {
			continue
		}
		if len(p.Valid) > 0 {
			ok := false
			for _, valid := range p.Valid {
				if value == valid {
					ok = true
					break
				}
			}
			if !ok {
				return pvml.Errorf("processing parameter '%s' has invalid value '%s', supported are %s",
					p.Name, value, strings.Join(p.Valid, ", "))
			}
		}
		b.parameters = append(b.parameters, param{name: p.Name, value: value})
	}
	return nil
}

// resolvePredefinedInputs resolves every user supplied product reference
// through the archive and derives the job sensing interval: the configured
// interval when pinned, otherwise widened outward over the resolved
// inputs' validity intervals.
func (b *Backend) resolvePredefinedInputs(cfg *pvml.Config, archive pvml.Archive) (map[string]*pvml.Input, error) {
	predefined := make(map[string]*pvml.Input)
	b.sensing = cfg.SensingInterval()
	widenStart := cfg.SensingStart == nil
	widenStop := cfg.SensingStop == nil
	firstStart := true
	firstStop := true
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
			start := configProduct.Start
			if start == nil {
				start = product.ValidityStart
			}
			stop := configProduct.Stop
			if stop == nil {
				stop = product.ValidityStop
			}
			if cfg.VariantAlwaysIncludeInputTimeInterval {
				if start == nil {
					return nil, pvml.Errorf("could not retrieve start time for '%s' product '%s'",
						configInput.ProductType, configProduct.Reference)
				}
				if stop == nil {
					return nil, pvml.Errorf("could not retrieve stop time for '%s' product '%s'",
						configInput.ProductType, configProduct.Reference)
				}
			}
			input.Products = append(input.Products, &pvml.InputProduct{
				Reference: product.Reference,
				Filename:  product.Filename,
				Start:     start,
				Stop:      stop,
			})
			if widenStart && start != nil && (firstStart || start.Before(b.sensing.Start)) {
				b.sensing.Start = *start
				firstStart = false
			}
			if widenStop && stop != nil && (firstStop || stop.After(b.sensing.Stop)) {
				b.sensing.Stop = *stop
				firstStop = false
			}
		}
		predefined[configInput.ProductType] = input
	}
	return predefined, nil
}

// resolveTaskInput walks one declared input's alternatives. Resolution
// cascades: named reference, cache, pre-supplied configuration, archive
// query, then literal origins. The first satisfied alternative wins.
func (b *Backend) resolveTaskInput(cfg *pvml.Config, archive pvml.Archive, task *resolvedTask,
	tIn ttInput, index int, predefined map[string]*pvml.Input,
	inputCache, namedInputs map[string]*taskInput, jobInputs map[string]*pvml.Input) (*taskInput, error) {

	if tIn.Ref != "" {
		input, ok := namedInputs[tIn.Ref]
		if !ok {
			return nil, pvml.Errorf("task '%s' contains input reference using unknown id '%s'", task.name, tIn.Ref)
		}
		return input, nil
	}
	if tIn.Mode != "ALWAYS" && tIn.Mode != cfg.Mode {
		// Irrelevant for the job's mode.
		return nil, nil
	}
	mandatory := tIn.Mandatory != "No"
	alts, err := parseAlternatives(tIn)
	if err != nil {
		return nil, err
	}

	// First pass: resolution cache and pre-supplied configuration.
	for _, alt := range alts {
		if cached, ok := inputCache[alt.fileType]; ok {
			return cached, nil
		}
		if pre, ok := predefined[alt.fileType]; ok {
			input := &taskInput{
				fileType:        alt.fileType,
				fileNameType:    alt.fileNameType,
				inputSourceData: alt.inputSourceData,
			}
			for _, product := range pre.Products {
				input.files = append(input.files, inputFile{
					name:  product.Filename,
					start: product.Start,
					stop:  product.Stop,
				})
			}
			jobInputs[alt.fileType] = pre
			delete(predefined, alt.fileType)
			return input, nil
		}
	}
	// Second pass: archive queries and literal origins.
	for _, alt := range alts {
		switch alt.origin {
		case "DB":
			products, err := archive.ResolveQuery(alt.fileType, alt.retrievalMode, b.sensing, alt.t0, alt.t1)
			if err != nil {
				return nil, err
			}
			if len(products) == 0 {
				continue
			}
			input := &taskInput{
				fileType:        alt.fileType,
				fileNameType:    alt.fileNameType,
				inputSourceData: alt.inputSourceData,
			}
			jobInput := &pvml.Input{ProductType: alt.fileType}
			for _, product := range products {
				input.files = append(input.files, inputFile{
					name:  product.Filename,
					start: product.ValidityStart,
					stop:  product.ValidityStop,
				})
				jobInput.Products = append(jobInput.Products, &pvml.InputProduct{
					Reference: product.Reference,
					Filename:  product.Filename,
					Start:     product.ValidityStart,
					Stop:      product.ValidityStop,
				})
			}
			jobInputs[alt.fileType] = jobInput
			return input, nil
		case "PROC", "LOG":
			input := &taskInput{
				fileType:        alt.fileType,
				fileNameType:    alt.fileNameType,
				inputSourceData: alt.inputSourceData,
			}
			switch {
			case alt.origin == "LOG":
				input.files = append(input.files, inputFile{name: "LOG." + cfg.JobOrderID})
			case alt.fileNameType == "Physical" || alt.fileNameType == "Stem":
				input.files = append(input.files, inputFile{name: alt.fileType})
			case alt.fileNameType == "Regexp":
				ptc, ok := cfg.ProductTypes[alt.fileType]
				if !ok {
					return nil, pvml.Errorf("product type '%s' not defined in global config", alt.fileType)
				}
				if ptc.MatchExpression == "" {
					return nil, pvml.Errorf("match expression for product type '%s' missing in global config", alt.fileType)
				}
				input.files = append(input.files, inputFile{name: ptc.MatchExpression})
			default:
				input.files = append(input.files, inputFile{name: ""})
			}
			return input, nil
		default:
			return nil, pvml.Errorf("unknown input origin '%s'", alt.origin)
		}
	}

	if mandatory {
		types := make([]string, 0, len(alts))
		for _, alt := range alts {
			types = append(types, alt.fileType)
		}
		return nil, &pvml.ResolutionError{
			Task:      task.name,
			Input:     strconv.Itoa(index),
			FileTypes: types,
		}
	}
	return nil, nil
}

func (b *Backend) readTaskOutputs(cfg *pvml.Config, task *resolvedTask, tTask ttTask) error {
	for _, tOut := range tTask.Outputs {
		fileType := tOut.fileType()
		fileName := ""
		if tOut.FileNameType == "Regexp" {
			ptc, ok := cfg.ProductTypes[fileType]
			if !ok {
				return pvml.Errorf("product type '%s' not defined in global config", fileType)
			}
			if ptc.MatchExpression == "" {
				return pvml.Errorf("match expression for product type '%s' missing in global config", fileType)
			}
			fileName = ptc.MatchExpression
		}
		output := &taskOutput{
			fileType:     fileType,
			fileNameType: tOut.FileNameType,
			fileName:     fileName,
			destination:  tOut.Destination,
			mandatory:    tOut.Mandatory != "No",
		}
		task.outputs = append(task.outputs, output)
		if tOut.Destination == "DB" || tOut.Destination == "DBPROC" {
			if b.outputs == nil {
				b.outputs = make(map[string]*taskOutput)
			}
			if _, ok := b.outputs[fileType]; ok {
				return pvml.Errorf("output for '%s' included more than once in the task table", fileType)
			}
			if _, ok := cfg.ProductTypes[fileType]; !ok {
				return pvml.Errorf("product type '%s' not defined in global config", fileType)
			}
			b.outputs[fileType] = output
			b.outputOrder = append(b.outputOrder, fileType)
		}
	}
	return nil
}
