package mmfi

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/imagvfx/pvml"
	"github.com/imagvfx/pvml/lib/xmlb"
	"github.com/imagvfx/pvml/log"
)

// WriteJobOrder implements pvml.Backend. The document is an Ipf_Job_Order
// whose exact shape depends on the configured interface variants.
func (b *Backend) WriteJobOrder(plan *pvml.Plan, dry bool) ([]byte, string, error) {
	cfg := plan.Config
	path := filepath.Join(plan.WorkingDirectory, "JobOrder."+cfg.JobOrderID+".xml")
	if !dry {
		log.Infof("creating joborder file '%s'", path)
	}

	doc := xmlb.New()
	doc.Open("Ipf_Job_Order")

	doc.Open("Ipf_Conf")
	doc.Element("Processor_Name", cfg.ProcessorName)
	doc.Element("Version", cfg.ProcessorVersion)
	if cfg.OrderType != "" {
		doc.Element("Order_Type", cfg.OrderType)
	}
	if cfg.VariantSplitLoggingLevel {
		doc.Element("Stdout_Log_Level", cfg.LogLevel)
		doc.Element("Stderr_Log_Level", cfg.LogLevel)
	} else {
		doc.Element("Logging_Level", cfg.LogLevel)
	}
	doc.Element("Test", boolText(b.enableTest))
	if cfg.VariantUseTroubleshooting {
		doc.Element("Troubleshooting", boolText(cfg.EnableBreakpoints))
	}
	if cfg.VariantGlobalBreakpointEnable {
		doc.Element("Breakpoint_Enable", boolText(cfg.EnableBreakpoints))
	}
	if cfg.AcquisitionStation != "" {
		doc.Element("Acquisition_Station", cfg.AcquisitionStation)
	}
	doc.Element("Processing_Station", cfg.ProcessingStation)
	doc.Open("Config_Files")
	if !b.privateConfig {
		for _, file := range b.configFiles {
			doc.Element("Conf_File_Name", file)
		}
	}
	for _, space := range b.configSpaces {
		doc.Element(space.name, space.path)
	}
	doc.Close()
	if b.includeGlobalSensingTime {
		doc.Open("Sensing_Time")
		doc.Element("Start", cfg.FormatTimestamp(b.sensing.Start))
		doc.Element("Stop", cfg.FormatTimestampRoundUp(b.sensing.Stop))
		doc.Close()
	}
	if b.dynParams {
		b.writeParameters(doc, cfg)
	}
	doc.Close() // Ipf_Conf

	if !b.dynParams {
		b.writeParameters(doc, cfg)
	}

	doc.Open("List_of_Ipf_Procs", xmlb.Count(len(b.tasks)))
	for _, task := range b.tasks {
		doc.Open("Ipf_Proc")
		doc.Element("Task_Name", task.name)
		doc.Element("Task_Version", task.version)
		doc.Open(cfg.VariantBreakpointElementName)
		if !cfg.VariantGlobalBreakpointEnable {
			doc.Element("Enable", "OFF")
		}
		doc.Element("List_of_Brk_Files", "", xmlb.Count(0))
		doc.Close()
		doc.Open("List_of_Inputs", xmlb.Count(len(task.inputs)))
		for _, input := range task.inputs {
			b.writeInput(doc, plan, input)
		}
		doc.Close()
		doc.Open("List_of_Outputs", xmlb.Count(len(task.outputs)))
		for _, output := range task.outputs {
			doc.Open("Output")
			doc.Element("File_Type", output.fileType)
			doc.Element("File_Name_Type", output.fileNameType)
			name := filepath.Join(plan.WorkingDirectory, output.fileName)
			if output.fileNameType == "Directory" || output.fileName == "" {
				name = ensureTrailingSlash(name)
			}
			doc.Element("File_Name", name)
			doc.Close()
		}
		doc.Close()
		doc.Close() // Ipf_Proc
	}
	doc.Close()

	if b.privateConfig {
		doc.Open("Processor_Conf")
		if len(b.configFiles) > 0 {
			doc.Element("File_Name", b.configFiles[0])
		}
		doc.Close()
	}

	content, err := doc.Bytes()
	if err != nil {
		return nil, "", pvml.Processorf("could not serialize joborder: %v", err)
	}

	if cfg.JobOrderSchema != "" {
		if err := validateJobOrder(content); err != nil {
			log.Errorf("could not verify joborder against schema '%s': %v", cfg.JobOrderSchema, err)
			if !dry {
				return nil, "", pvml.Errorf("invalid joborder file")
			}
		} else {
			log.Infof("joborder valid according to schema '%s'", cfg.JobOrderSchema)
		}
	}

	if dry {
		return content, "", nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, "", &pvml.ConfigError{Msg: "could not write joborder file '" + path + "'", Err: err}
	}
	return content, path, nil
}

// writeParameters emits the processing parameter section. Dynamic
// parameters nest inside Ipf_Conf, static ones follow it; the element
// names shift with the alternate naming variant.
func (b *Backend) writeParameters(doc *xmlb.Builder, cfg *pvml.Config) {
	sectionName := "Processing_Parameters"
	entryName := "Processing_Parameter"
	if b.dynParams {
		sectionName = "Dynamic_Processing_Parameters"
		if cfg.VariantAlternateDynProcParamName {
			sectionName = "List_of_Dynamic_Processing_Parameters"
		}
	}
	if cfg.VariantAlternateDynProcParamName {
		entryName = "Dynamic_Processing_Parameter"
	}
	if !b.dynParams || cfg.VariantAlternateDynProcParamName {
		doc.Open(sectionName, xmlb.Count(len(b.parameters)))
	} else {
		doc.Open(sectionName)
	}
	for _, p := range b.parameters {
		doc.Open(entryName)
		doc.Element("Name", p.name)
		doc.Element("Value", p.value)
		doc.Close()
	}
	doc.Close()
}

func (b *Backend) writeInput(doc *xmlb.Builder, plan *pvml.Plan, input *taskInput) {
	cfg := plan.Config
	doc.Open("Input")
	doc.Element("File_Type", input.fileType)
	doc.Element("File_Name_Type", input.fileNameType)
	if input.inputSourceData != nil {
		doc.Element("Input_Source_Data", boolText(*input.inputSourceData))
	}
	appendDBL := input.fileNameType == "Physical" && cfg.ProductTypes[input.fileType] != nil &&
		cfg.ProductTypes[input.fileType].StemAsPhysicalDBL

	doc.Open("List_of_File_Names", xmlb.Count(len(input.files)))
	for _, file := range input.files {
		name := filepath.Join(plan.WorkingDirectory, file.name)
		if input.fileNameType == "Directory" {
			name = ensureTrailingSlash(name)
		} else if appendDBL {
			name += ".DBL"
		}
		doc.Element("File_Name", name)
	}
	doc.Close()

	type interval struct {
		start time.Time
		stop  time.Time
		name  string
	}
	var intervals []interval
	for _, file := range input.files {
		if (file.start == nil || file.stop == nil) && !cfg.VariantAlwaysIncludeInputTimeInterval {
			continue
		}
		start, stop := pvml.MinTime, pvml.MaxTime
		if file.start != nil {
			start = *file.start
		}
		if file.stop != nil {
			stop = *file.stop
		}
		window := pvml.Interval{Start: start, Stop: stop}
		if cfg.VariantClipInputTimeIntervalToSensingInterval && b.sensing.Intersects(window) {
			window = b.sensing.Intersection(window)
			start, stop = window.Start, window.Stop
		}
		name := filepath.Join(plan.WorkingDirectory, file.name)
		if input.fileNameType == "Directory" || file.name == "" {
			name = ensureTrailingSlash(name)
		} else if appendDBL {
			name += ".DBL"
		}
		intervals = append(intervals, interval{start: start, stop: stop, name: name})
	}
	doc.Open("List_of_Time_Intervals", xmlb.Count(len(intervals)))
	for _, iv := range intervals {
		doc.Open("Time_Interval")
		doc.Element("Start", cfg.FormatTimestamp(iv.start))
		doc.Element("Stop", cfg.FormatTimestamp(iv.stop))
		doc.Element("File_Name", iv.name)
		doc.Close()
	}
	doc.Close()
	doc.Close() // Input
}

func boolText(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func ensureTrailingSlash(path string) string {
	if !strings.HasSuffix(path, "/") {
		return path + "/"
	}
	return path
}

// jobOrderDoc decodes the stable parts of an Ipf_Job_Order for the
// structural schema check.
type jobOrderDoc struct {
	Conf struct {
		ProcessorName     string `xml:"Processor_Name"`
		Version           string `xml:"Version"`
		ProcessingStation string `xml:"Processing_Station"`
	} `xml:"Ipf_Conf"`
	Procs []struct {
		TaskName    string `xml:"Task_Name"`
		TaskVersion string `xml:"Task_Version"`
	} `xml:"List_of_Ipf_Procs>Ipf_Proc"`
}

// validateJobOrder is the structural check run when a job order schema is
// configured: the document must parse and carry the elements every
// Ipf_Job_Order requires.
func validateJobOrder(content []byte) error {
	var doc jobOrderDoc
	if err := xml.Unmarshal(content, &doc); err != nil {
		return err
	}
	if doc.Conf.ProcessorName == "" {
		return pvml.Errorf("missing Processor_Name")
	}
	if doc.Conf.Version == "" {
		return pvml.Errorf("missing Version")
	}
	for _, proc := range doc.Procs {
		if proc.TaskName == "" || proc.TaskVersion == "" {
			return pvml.Errorf("Ipf_Proc missing Task_Name or Task_Version")
		}
	}
	return nil
}
