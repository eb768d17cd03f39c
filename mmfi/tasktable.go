// Package mmfi implements the MMFI task table dialect: pool based task
// tables with per-input alternative lists and Ipf_Job_Order manifests.
package mmfi

import (
	"encoding/xml"
	"os"

	"github.com/imagvfx/pvml"
	"github.com/imagvfx/pvml/log"
)

// taskTable mirrors the MMFI task table document. Some interface variants
// use alternative element names; both spellings are decoded and merged.
type taskTable struct {
	ProcessorName string         `xml:"Processor_Name"`
	Version       string         `xml:"Version"`
	Test          string         `xml:"Test"`
	PrivateConfig *privateConfig `xml:"Private_Config"`
	CfgFiles      []cfgFile      `xml:"List_of_Cfg_Files>Cfg_File"`
	CfgFilesAlt   []cfgFile      `xml:"List_of_Cfg_Files>Cfg_Files"`
	ConfigSpaces  []string       `xml:"List_of_Config_Spaces>Config_Space"`
	SensingFlag   string         `xml:"Sensing_Time_flag"`

	// Static parameters use Processing_Parameters, dynamic ones
	// List_of_Dyn_ProcParam. Presence of the former selects the variant.
	StaticParams *staticParams `xml:"Processing_Parameters"`
	DynParams    []ttParam     `xml:"List_of_Dyn_ProcParam>Dyn_ProcParam"`

	Pools []ttPool `xml:"List_of_Pools>Pool"`
}

type privateConfig struct {
	Default     string    `xml:"Default"`
	CfgFiles    []cfgFile `xml:"List_of_Cfg_Files>Cfg_File"`
	CfgFilesAlt []cfgFile `xml:"List_of_Cfg_Files>Cfg_Files"`
}

func (p *privateConfig) files() []cfgFile {
	if len(p.CfgFiles) != 0 {
		return p.CfgFiles
	}
	return p.CfgFilesAlt
}

type cfgFile struct {
	FileName string `xml:"File_Name"`
}

type staticParams struct {
	Params []ttParam `xml:"Processing_Parameter"`
}

type ttParam struct {
	Name      string   `xml:"Param_Name"`
	Default   *string  `xml:"Param_Default"`
	Valid     []string `xml:"Param_Valid"`
	Mandatory string   `xml:"mandatory,attr"`
}

type ttPool struct {
	Tasks []ttTask `xml:"List_of_Tasks>Task"`
}

type ttTask struct {
	Name     string     `xml:"Name"`
	Version  string     `xml:"Version"`
	FileName string     `xml:"File_Name"`
	Inputs   []ttInput  `xml:"List_of_Inputs>Input"`
	Outputs  []ttOutput `xml:"List_of_Outputs>Output"`
}

type ttInput struct {
	ID           string          `xml:"id,attr"`
	Ref          string          `xml:"ref,attr"`
	Mode         string          `xml:"Mode"`
	Mandatory    string          `xml:"Mandatory"`
	Alternatives []ttAlternative `xml:"List_of_Alternatives>Alternative"`
}

type ttAlternative struct {
	FileType        string  `xml:"File_Type"`
	FileNameType    string  `xml:"File_Name_Type"`
	Origin          string  `xml:"Origin"`
	RetrievalMode   string  `xml:"Retrieval_Mode"`
	Order           string  `xml:"Order"`
	T0              string  `xml:"T0"`
	T1              string  `xml:"T1"`
	InputSourceData *string `xml:"Input_Source_Data"`
}

type ttOutput struct {
	// Some dialects use Type, others File_Type.
	Type         string `xml:"Type"`
	FileType     string `xml:"File_Type"`
	FileNameType string `xml:"File_Name_Type"`
	Destination  string `xml:"Destination"`
	Mandatory    string `xml:"Mandatory"`
}

func (o ttOutput) fileType() string {
	if o.Type != "" {
		return o.Type
	}
	return o.FileType
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
		if tt.ProcessorName == cfg.ProcessorName && tt.Version == cfg.ProcessorVersion {
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
// is configured: the typed document must carry the elements every MMFI
// task table requires.
func validateTaskTable(tt *taskTable) error {
	if tt.ProcessorName == "" {
		return pvml.Errorf("missing Processor_Name")
	}
	if tt.Version == "" {
		return pvml.Errorf("missing Version")
	}
	for _, pool := range tt.Pools {
		for _, task := range pool.Tasks {
			if task.Name == "" || task.Version == "" || task.FileName == "" {
				return pvml.Errorf("task missing Name, Version or File_Name")
			}
		}
	}
	return nil
}
