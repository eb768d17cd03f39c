// Package eegs implements the EEGS task table dialect: flat task lists
// with alternative sets, internal task to task outputs and Job_Order
// manifests.
package eegs

import (
	"encoding/xml"
	"os"

	"github.com/imagvfx/pvml"
	"github.com/imagvfx/pvml/log"
)

// taskTable mirrors the EEGS task table document.
type taskTable struct {
	ProcessorName    string   `xml:"Processor_Name"`
	ProcessorVersion string   `xml:"Processor_Version"`
	Tasks            []ttTask `xml:"List_of_Tasks>Task"`
}

type ttTask struct {
	Name          string           `xml:"Task_Name"`
	Version       string           `xml:"Task_Version"`
	Executable    string           `xml:"Executable"`
	CPUCores      int              `xml:"CPU_Cores>Number"`
	RAM           int              `xml:"RAM>Amount"`
	DiskSpace     int              `xml:"Disk_Space"`
	Parameters    []ttParam        `xml:"List_of_Proc_Parameters>Proc_Parameter"`
	CfgFiles      []ttCfgFile      `xml:"List_of_Cfg_Files>Cfg_File"`
	Inputs        []ttInput        `xml:"List_of_Inputs>Input"`
	Outputs       []ttOutput       `xml:"List_of_Outputs>Output"`
	Intermediates []ttIntermOutput `xml:"List_of_Intermediate_Outputs>Intermediate_Output"`
}

type ttParam struct {
	Name    string  `xml:"Name"`
	Default *string `xml:"Default_Value"`
}

type ttCfgFile struct {
	ID       string `xml:"Cfg_ID"`
	FileName string `xml:"Cfg_File_Name"`
}

type ttInput struct {
	ID           string          `xml:"Input_ID"`
	Mandatory    string          `xml:"Mandatory"`
	Alternatives []ttAlternative `xml:"List_of_Input_Alternatives>Input_Alternative"`
}

type ttAlternative struct {
	ID    string              `xml:"Alternative_ID"`
	Types []ttAlternativeType `xml:"List_of_Alternative_Types>Alternative_Type"`
}

type ttAlternativeType struct {
	FileType  string `xml:"File_Type"`
	Origin    string `xml:"Origin"`
	Instances string `xml:"Instances"`
	Virtual   string `xml:"Virtual"`
}

type ttOutput struct {
	FileType        string `xml:"File_Type"`
	FileNamePattern string `xml:"File_Name_Pattern"`
	Destination     string `xml:"Destination"`
}

type ttIntermOutput struct {
	ID   string `xml:"Intermediate_Output_ID"`
	File string `xml:"Intermediate_Output_File"`
}

// readTaskTable parses every candidate task table file and returns the one
// matching the configured processor name and version. Zero or multiple
// matches are configuration errors.
func readTaskTable(cfg *pvml.Config) (*taskTable, error) {
	paths, err := pvml.TaskTablePaths(cfg)
	if err != nil {
		return nil, err
	}
	var table *taskTable
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &pvml.ConfigError{Msg: "could not read task table '" + path + "'", Err: err}
		}
		var tt taskTable
		if err := xml.Unmarshal(data, &tt); err != nil {
			return nil, &pvml.ConfigError{Msg: "invalid tasktable file '" + path + "'", Err: err}
		}
		if cfg.TaskTableSchema != "" {
			if err := validateTaskTable(&tt); err != nil {
				log.Errorf("could not verify tasktable '%s' against schema '%s': %v", path, cfg.TaskTableSchema, err)
				return nil, pvml.Errorf("invalid tasktable file '%s'", path)
			}
			log.Infof("tasktable '%s' valid according to schema '%s'", path, cfg.TaskTableSchema)
		}
		if tt.ProcessorName == cfg.ProcessorName && tt.ProcessorVersion == cfg.ProcessorVersion {
			if table != nil {
				return nil, pvml.Errorf("multiple tasktables for %s/%s", cfg.ProcessorName, cfg.ProcessorVersion)
			}
			t := tt
			table = &t
		}
	}
	if table == nil {
		return nil, pvml.Errorf("no tasktable found for %s/%s", cfg.ProcessorName, cfg.ProcessorVersion)
	}
	return table, nil
}

// validateTaskTable is the structural check run when a task table schema
// is configured.
func validateTaskTable(tt *taskTable) error {
	if tt.ProcessorName == "" {
		return pvml.Errorf("missing Processor_Name")
	}
	if tt.ProcessorVersion == "" {
		return pvml.Errorf("missing Processor_Version")
	}
	for _, task := range tt.Tasks {
		if task.Name == "" || task.Version == "" || task.Executable == "" {
			return pvml.Errorf("task missing Task_Name, Task_Version or Executable")
		}
	}
	return nil
}
