package eegs

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strconv"

	"github.com/imagvfx/pvml"
	"github.com/imagvfx/pvml/lib/xmlb"
	"github.com/imagvfx/pvml/log"
)

// toiTimeLayout is the fixed timestamp layout of the TOI section.
const toiTimeLayout = "2006-01-02T15:04:05.000000"

var logLevels = []string{"DEBUG", "INFO", "PROGRESS", "WARNING", "ERROR"}

// WriteJobOrder implements pvml.Backend. The document is a Job_Order with
// fixed schema name and version attributes.
func (b *Backend) WriteJobOrder(plan *pvml.Plan, dry bool) ([]byte, string, error) {
	cfg := plan.Config
	path := filepath.Join(plan.WorkingDirectory, "JobOrder."+cfg.JobOrderID+".xml")
	if !dry {
		log.Infof("creating JobOrder file '%s'", path)
	}

	doc := xmlb.New()
	doc.Open("Job_Order",
		xmlb.Attr{Name: "schemaName", Value: cfg.JobOrderSchemaName},
		xmlb.Attr{Name: "schemaVersion", Value: cfg.JobOrderSchemaVersion})

	doc.Open("Processor_Configuration")
	doc.Element("File_Class", cfg.FileClass)
	doc.Element("Processor_Name", cfg.ProcessorName)
	doc.Element("Processor_Version", cfg.ProcessorVersion)
	node := cfg.ProcessingNode
	if node == "" {
		node, _ = os.Hostname()
	}
	doc.Element("Processing_Node", node)
	levels := enabledLogLevels(cfg.LogLevel)
	doc.Open("List_of_Stdout_Log_Levels")
	for _, level := range levels {
		doc.Element("Stdout_Log_Level", level)
	}
	doc.Close()
	doc.Open("List_of_Stderr_Log_Levels")
	for _, level := range levels {
		doc.Element("Stderr_Log_Level", level)
	}
	doc.Close()
	doc.Element("Intermediate_Output_Enable", boolText(cfg.EnableBreakpoints))
	doc.Element("Processing_Station", cfg.ProcessingStation)
	doc.Open("Request")
	if b.toiStart != nil && b.toiStop != nil {
		doc.Open("TOI")
		doc.Element("Start", b.toiStart.Format(toiTimeLayout))
		doc.Element("Stop", b.toiStop.Format(toiTimeLayout))
		doc.Close()
	}
	doc.Close()
	doc.Close() // Processor_Configuration

	doc.Open("List_of_Tasks")
	for _, task := range b.tasks {
		doc.Open("Task")
		doc.Element("Task_Name", task.name)
		doc.Element("Task_Version", task.version)
		doc.Element("Number_of_CPU_Cores", strconv.Itoa(task.cpuCores))
		doc.Element("Amount_of_RAM", strconv.Itoa(task.ram))
		doc.Element("Disk_Space", strconv.Itoa(task.diskSpace))
		doc.Open("List_of_Proc_Parameters")
		for _, p := range task.parameters {
			doc.Open("Proc_Parameter")
			doc.Element("Name", p.name)
			doc.Element("Value", p.value)
			doc.Close()
		}
		doc.Close()
		doc.Open("List_of_Cfg_Files")
		for _, f := range task.configFiles {
			doc.Open("Cfg_File")
			doc.Element("Cfg_ID", f.id)
			doc.Element("Cfg_File_Name", f.fileName)
			doc.Close()
		}
		doc.Close()
		doc.Open("List_of_Inputs")
		for _, input := range task.inputs {
			doc.Open("Input")
			doc.Element("Input_ID", input.inputID)
			doc.Element("Alternative_ID", input.alternativeID)
			doc.Open("List_of_Selected_Inputs")
			for _, selected := range input.selected {
				doc.Open("Selected_Input")
				doc.Element("File_Type", selected.fileType)
				doc.Open("List_of_File_Names")
				for _, name := range selected.fileNames {
					doc.Element("File_Name", filepath.Join(plan.WorkingDirectory, name))
				}
				doc.Close()
				doc.Close()
			}
			doc.Close()
			doc.Close() // Input
		}
		doc.Close()
		doc.Open("List_of_Outputs")
		for _, output := range task.outputs {
			doc.Open("Output")
			doc.Element("File_Type", output.fileType)
			doc.Element("File_Name_Pattern", output.fileNamePattern)
			doc.Element("File_Dir", plan.WorkingDirectory)
			baseline := ""
			if ptc := cfg.ProductTypes[output.fileType]; ptc != nil {
				baseline = ptc.Baseline
			}
			doc.Element("Baseline", baseline)
			doc.Close()
		}
		doc.Close()
		doc.Open("List_of_Intermediate_Outputs")
		for _, interm := range task.intermediates {
			doc.Open("Intermediate_Output")
			doc.Element("Intermediate_Output_ID", interm.id)
			doc.Element("Intermediate_Output_File", interm.file)
			doc.Close()
		}
		doc.Close()
		doc.Close() // Task
	}
	doc.Close()

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

// enabledLogLevels returns level and everything more severe.
func enabledLogLevels(level string) []string {
	for i, l := range logLevels {
		if l == level {
			return logLevels[i:]
		}
	}
	return logLevels
}

func boolText(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// jobOrderDoc decodes the stable parts of a Job_Order for the structural
// schema check.
type jobOrderDoc struct {
	Conf struct {
		ProcessorName    string `xml:"Processor_Name"`
		ProcessorVersion string `xml:"Processor_Version"`
	} `xml:"Processor_Configuration"`
	Tasks []struct {
		Name    string `xml:"Task_Name"`
		Version string `xml:"Task_Version"`
	} `xml:"List_of_Tasks>Task"`
}

func validateJobOrder(content []byte) error {
	var doc jobOrderDoc
	if err := xml.Unmarshal(content, &doc); err != nil {
		return err
	}
	if doc.Conf.ProcessorName == "" {
		return pvml.Errorf("missing Processor_Name")
	}
	if doc.Conf.ProcessorVersion == "" {
		return pvml.Errorf("missing Processor_Version")
	}
	for _, task := range doc.Tasks {
		if task.Name == "" || task.Version == "" {
			return pvml.Errorf("Task missing Task_Name or Task_Version")
		}
	}
	return nil
}
