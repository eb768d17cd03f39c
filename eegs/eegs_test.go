package eegs

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imagvfx/pvml"
)

type fakeArchive struct {
	references map[string]pvml.Product
}

func (a *fakeArchive) ResolveReference(reference, productType string) (pvml.Product, error) {
	product, ok := a.references[reference]
	if !ok {
		return pvml.Product{}, pvml.Errorf("cannot access '%s' (does not exist or no permission)", reference)
	}
	return product, nil
}

func (a *fakeArchive) ResolveQuery(productType, retrievalMode string, window pvml.Interval, t0, t1 time.Duration) ([]pvml.Product, error) {
	return nil, nil
}

func (a *fakeArchive) Retrieve(inputs []*pvml.Input, targetDir string) error { return nil }

func (a *fakeArchive) Ingest(outputs []*pvml.Output, inputs []*pvml.Input) error { return nil }

func (a *fakeArchive) Close() error { return nil }

const testTaskTable = `<?xml version="1.0"?>
<Task_Table>
  <Processor_Name>PROC</Processor_Name>
  <Processor_Version>01.00</Processor_Version>
  <List_of_Tasks>
    <Task>
      <Task_Name>Step1</Task_Name>
      <Task_Version>01.00</Task_Version>
      <Executable>step1</Executable>
      <CPU_Cores><Number>4</Number></CPU_Cores>
      <RAM><Amount>2048</Amount></RAM>
      <Disk_Space>1024</Disk_Space>
      <List_of_Proc_Parameters>
        <Proc_Parameter>
          <Name>Threshold</Name>
          <Default_Value>10</Default_Value>
        </Proc_Parameter>
      </List_of_Proc_Parameters>
      <List_of_Cfg_Files>
        <Cfg_File>
          <Cfg_ID>main</Cfg_ID>
          <Cfg_File_Name>/etc/proc.cfg</Cfg_File_Name>
        </Cfg_File>
      </List_of_Cfg_Files>
      <List_of_Inputs>
        <Input>
          <Input_ID>in1</Input_ID>
          <Mandatory>Yes</Mandatory>
          <List_of_Input_Alternatives>
            <Input_Alternative>
              <Alternative_ID>alt1</Alternative_ID>
              <List_of_Alternative_Types>
                <Alternative_Type>
                  <File_Type>RAW</File_Type>
                  <Origin>EXTERNAL</Origin>
                  <Instances>SINGLE</Instances>
                </Alternative_Type>
              </List_of_Alternative_Types>
            </Input_Alternative>
          </List_of_Input_Alternatives>
        </Input>
      </List_of_Inputs>
      <List_of_Outputs>
        <Output>
          <File_Type>L1A</File_Type>
          <File_Name_Pattern>OUT_*.DAT</File_Name_Pattern>
          <Destination>Internal</Destination>
        </Output>
      </List_of_Outputs>
      <List_of_Intermediate_Outputs>
        <Intermediate_Output>
          <Intermediate_Output_ID>dump</Intermediate_Output_ID>
          <Intermediate_Output_File>dump.bin</Intermediate_Output_File>
        </Intermediate_Output>
      </List_of_Intermediate_Outputs>
    </Task>
    <Task>
      <Task_Name>Step2</Task_Name>
      <Task_Version>01.00</Task_Version>
      <Executable>step2</Executable>
      <CPU_Cores><Number>2</Number></CPU_Cores>
      <RAM><Amount>1024</Amount></RAM>
      <Disk_Space>512</Disk_Space>
      <List_of_Inputs>
        <Input>
          <Input_ID>in1</Input_ID>
          <Mandatory>Yes</Mandatory>
          <List_of_Input_Alternatives>
            <Input_Alternative>
              <Alternative_ID>alt1</Alternative_ID>
              <List_of_Alternative_Types>
                <Alternative_Type>
                  <File_Type>L1A</File_Type>
                  <Origin>Step1/01.00</Origin>
                  <Instances>SINGLE</Instances>
                </Alternative_Type>
              </List_of_Alternative_Types>
            </Input_Alternative>
          </List_of_Input_Alternatives>
        </Input>
      </List_of_Inputs>
      <List_of_Outputs>
        <Output>
          <File_Type>L1B</File_Type>
          <File_Name_Pattern>L1B_*.DAT</File_Name_Pattern>
          <Destination>External</Destination>
        </Output>
      </List_of_Outputs>
    </Task>
  </List_of_Tasks>
</Task_Table>
`

func testConfig(t *testing.T) *pvml.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasktable.xml")
	require.NoError(t, os.WriteFile(path, []byte(testTaskTable), 0o644))

	cfg := pvml.NewConfig()
	cfg.Backend = "EEGS"
	cfg.ProcessorName = "PROC"
	cfg.ProcessorVersion = "01.00"
	cfg.JobOrderID = "123"
	cfg.TaskTablePath = []string{path}
	cfg.ProcessingStation = "PDGS"
	cfg.ProcessingNode = "node-1"
	cfg.FileClass = "OPER"
	cfg.ProductTypes["RAW"] = &pvml.ProductTypeConfig{MatchExpression: `RAW_.*\.DAT`}
	cfg.ProductTypes["L1B"] = &pvml.ProductTypeConfig{MatchExpression: `L1B_.*\.DAT`, Baseline: "02"}
	cfg.Inputs = []pvml.ConfigInput{
		{
			ProductType: "RAW",
			Products:    []pvml.ConfigProduct{{Reference: "/data/RAW_0001.DAT"}},
		},
	}
	return cfg
}

func timePtr(t time.Time) *time.Time { return &t }

func testArchive() *fakeArchive {
	return &fakeArchive{
		references: map[string]pvml.Product{
			"/data/RAW_0001.DAT": {
				ProductType:   "RAW",
				Filename:      "RAW_0001.DAT",
				Reference:     "/data/RAW_0001.DAT",
				ValidityStart: timePtr(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
				ValidityStop:  timePtr(time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)),
			},
		},
	}
}

func TestResolveInternalOutputWiring(t *testing.T) {
	cfg := testConfig(t)
	b := &Backend{}
	plan, err := b.Resolve(cfg, testArchive())
	require.NoError(t, err)

	require.Len(t, b.tasks, 2)
	// Step2 consumes Step1's internal output by file name pattern
	require.Len(t, b.tasks[1].inputs, 1)
	input := b.tasks[1].inputs[0]
	require.Equal(t, "in1", input.inputID)
	require.Len(t, input.selected, 1)
	require.True(t, input.selected[0].internalOutput)
	require.Equal(t, []string{"OUT_*.DAT"}, input.selected[0].fileNames)

	// only the external input is retrieved
	require.Len(t, plan.Inputs, 1)
	require.Contains(t, plan.Inputs, "RAW")

	// only External destinations count as job outputs
	require.Equal(t, []string{"L1B"}, b.outputOrder)

	// TOI widened to the predefined input validity
	require.NotNil(t, b.toiStart)
	require.True(t, b.toiStart.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, b.toiStop)
	require.True(t, b.toiStop.Equal(time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)))
}

func TestResolveMandatoryInputMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inputs = nil
	b := &Backend{}
	_, err := b.Resolve(cfg, &fakeArchive{})
	require.Error(t, err)
	resErr := &pvml.ResolutionError{}
	require.ErrorAs(t, err, &resErr)
	require.Equal(t, "Step1", resErr.Task)
	require.Equal(t, "in1", resErr.Input)
}

func TestResolveVirtualInputRemoval(t *testing.T) {
	// mark Step2's internal input virtual
	cfg := testConfig(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "tasktable.xml")
	require.NoError(t, os.WriteFile(path, []byte(
		replaceOnce(testTaskTable,
			"<Origin>Step1/01.00</Origin>",
			"<Origin>Step1/01.00</Origin>\n                  <Virtual>Yes</Virtual>")), 0o644))
	cfg.TaskTablePath = []string{path}

	b := &Backend{}
	plan, err := b.Resolve(cfg, testArchive())
	require.NoError(t, err)
	require.True(t, b.tasks[1].inputs[0].selected[0].virtual)
	// a virtual input never reaches the retrieval list
	require.NotContains(t, plan.Inputs, "L1A")
}

func TestResolveUnsupportedInstances(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "tasktable.xml")
	require.NoError(t, os.WriteFile(path, []byte(
		replaceOnce(testTaskTable, "<Instances>SINGLE</Instances>", "<Instances>MULTIPLE</Instances>")), 0o644))
	cfg.TaskTablePath = []string{path}

	b := &Backend{}
	_, err := b.Resolve(cfg, testArchive())
	require.Error(t, err)
	require.Contains(t, err.Error(), "Instances='MULTIPLE'")
}

func replaceOnce(s, old, new string) string {
	if !strings.Contains(s, old) {
		panic("pattern not found")
	}
	return strings.Replace(s, old, new, 1)
}

type jobOrder struct {
	SchemaName    string `xml:"schemaName,attr"`
	SchemaVersion string `xml:"schemaVersion,attr"`
	Conf          struct {
		FileClass          string   `xml:"File_Class"`
		ProcessorName      string   `xml:"Processor_Name"`
		ProcessorVersion   string   `xml:"Processor_Version"`
		ProcessingNode     string   `xml:"Processing_Node"`
		StdoutLevels       []string `xml:"List_of_Stdout_Log_Levels>Stdout_Log_Level"`
		IntermediateEnable string   `xml:"Intermediate_Output_Enable"`
		TOI                struct {
			Start string `xml:"Start"`
			Stop  string `xml:"Stop"`
		} `xml:"Request>TOI"`
	} `xml:"Processor_Configuration"`
	Tasks []struct {
		Name      string `xml:"Task_Name"`
		Version   string `xml:"Task_Version"`
		CPUCores  int    `xml:"Number_of_CPU_Cores"`
		RAM       int    `xml:"Amount_of_RAM"`
		DiskSpace int    `xml:"Disk_Space"`
		Params    []struct {
			Name  string `xml:"Name"`
			Value string `xml:"Value"`
		} `xml:"List_of_Proc_Parameters>Proc_Parameter"`
		CfgFiles []struct {
			ID   string `xml:"Cfg_ID"`
			Name string `xml:"Cfg_File_Name"`
		} `xml:"List_of_Cfg_Files>Cfg_File"`
		Inputs []struct {
			InputID       string `xml:"Input_ID"`
			AlternativeID string `xml:"Alternative_ID"`
			Selected      []struct {
				FileType  string   `xml:"File_Type"`
				FileNames []string `xml:"List_of_File_Names>File_Name"`
			} `xml:"List_of_Selected_Inputs>Selected_Input"`
		} `xml:"List_of_Inputs>Input"`
		Outputs []struct {
			FileType string `xml:"File_Type"`
			Pattern  string `xml:"File_Name_Pattern"`
			FileDir  string `xml:"File_Dir"`
			Baseline string `xml:"Baseline"`
		} `xml:"List_of_Outputs>Output"`
		Intermediates []struct {
			ID   string `xml:"Intermediate_Output_ID"`
			File string `xml:"Intermediate_Output_File"`
		} `xml:"List_of_Intermediate_Outputs>Intermediate_Output"`
	} `xml:"List_of_Tasks>Task"`
}

func TestWriteJobOrder(t *testing.T) {
	cfg := testConfig(t)
	b := &Backend{}
	plan, err := b.Resolve(cfg, testArchive())
	require.NoError(t, err)
	plan.WorkingDirectory = t.TempDir()

	content, path, err := b.WriteJobOrder(plan, true)
	require.NoError(t, err)
	require.Empty(t, path)

	var doc jobOrder
	require.NoError(t, xml.Unmarshal(content, &doc))

	require.Equal(t, "JobOrder", doc.SchemaName)
	require.Equal(t, "1.0", doc.SchemaVersion)
	require.Equal(t, "OPER", doc.Conf.FileClass)
	require.Equal(t, "PROC", doc.Conf.ProcessorName)
	require.Equal(t, "node-1", doc.Conf.ProcessingNode)
	// INFO and everything more severe
	require.Equal(t, []string{"INFO", "PROGRESS", "WARNING", "ERROR"}, doc.Conf.StdoutLevels)
	require.Equal(t, "false", doc.Conf.IntermediateEnable)
	require.Equal(t, "2024-03-01T00:00:00.000000", doc.Conf.TOI.Start)
	require.Equal(t, "2024-03-01T01:00:00.000000", doc.Conf.TOI.Stop)

	require.Len(t, doc.Tasks, 2)
	step1 := doc.Tasks[0]
	require.Equal(t, "Step1", step1.Name)
	require.Equal(t, 4, step1.CPUCores)
	require.Equal(t, 2048, step1.RAM)
	require.Equal(t, 1024, step1.DiskSpace)
	require.Len(t, step1.Params, 1)
	require.Equal(t, "Threshold", step1.Params[0].Name)
	require.Equal(t, "10", step1.Params[0].Value)
	require.Len(t, step1.CfgFiles, 1)
	require.Equal(t, "main", step1.CfgFiles[0].ID)
	require.Len(t, step1.Inputs, 1)
	require.Equal(t, "in1", step1.Inputs[0].InputID)
	require.Equal(t, "alt1", step1.Inputs[0].AlternativeID)
	require.Equal(t, []string{filepath.Join(plan.WorkingDirectory, "RAW_0001.DAT")},
		step1.Inputs[0].Selected[0].FileNames)
	require.Len(t, step1.Intermediates, 1)
	require.Equal(t, "dump", step1.Intermediates[0].ID)
	require.Equal(t, "dump.bin", step1.Intermediates[0].File)

	step2 := doc.Tasks[1]
	require.Len(t, step2.Outputs, 1)
	require.Equal(t, "L1B", step2.Outputs[0].FileType)
	require.Equal(t, "L1B_*.DAT", step2.Outputs[0].Pattern)
	require.Equal(t, plan.WorkingDirectory, step2.Outputs[0].FileDir)
	require.Equal(t, "02", step2.Outputs[0].Baseline)
}

func TestLocateOutputsGlob(t *testing.T) {
	cfg := testConfig(t)
	b := &Backend{}
	plan, err := b.Resolve(cfg, testArchive())
	require.NoError(t, err)
	plan.WorkingDirectory = t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(plan.WorkingDirectory, "L1B_0001.DAT"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(plan.WorkingDirectory, "L1B_0002.DAT"), nil, 0o644))

	outputs, err := b.LocateOutputs(plan)
	require.NoError(t, err)
	require.Contains(t, outputs, "L1B")
	require.Len(t, outputs["L1B"].Products, 2)
}

func TestLocateOutputsRegex(t *testing.T) {
	cfg := testConfig(t)
	cfg.VariantRegexOutputPattern = true
	dir := t.TempDir()
	path := filepath.Join(dir, "tasktable.xml")
	require.NoError(t, os.WriteFile(path, []byte(
		replaceOnce(testTaskTable, "<File_Name_Pattern>L1B_*.DAT</File_Name_Pattern>",
			`<File_Name_Pattern>L1B_.*\.DAT</File_Name_Pattern>`)), 0o644))
	cfg.TaskTablePath = []string{path}

	b := &Backend{}
	plan, err := b.Resolve(cfg, testArchive())
	require.NoError(t, err)
	plan.WorkingDirectory = t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(plan.WorkingDirectory, "L1B_0001.DAT"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(plan.WorkingDirectory, "UNRELATED.TXT"), nil, 0o644))

	outputs, err := b.LocateOutputs(plan)
	require.NoError(t, err)
	require.Len(t, outputs["L1B"].Products, 1)
	require.Equal(t, []string{"L1B_0001.DAT"}, outputs["L1B"].Products[0].Filepaths)
}

func TestLocateOutputsMissing(t *testing.T) {
	cfg := testConfig(t)
	b := &Backend{}
	plan, err := b.Resolve(cfg, testArchive())
	require.NoError(t, err)
	plan.WorkingDirectory = t.TempDir()

	_, err = b.LocateOutputs(plan)
	require.Error(t, err)
	require.Contains(t, err.Error(), "outputs produced by processor do not match task table")
}
