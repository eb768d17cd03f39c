package pvml_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imagvfx/pvml"
	_ "github.com/imagvfx/pvml/local"
	_ "github.com/imagvfx/pvml/mmfi"
)

const jobTestTaskTable = `<?xml version="1.0"?>
<Ipf_Task_Table>
  <Processor_Name>PROC</Processor_Name>
  <Version>01.00</Version>
  <List_of_Dyn_ProcParam/>
  <List_of_Pools>
    <Pool>
      <List_of_Tasks>
        <Task>
          <Name>Step1</Name>
          <Version>01.00</Version>
          <File_Name>%s</File_Name>
          <List_of_Inputs>
            <Input>
              <Mode>ALWAYS</Mode>
              <Mandatory>Yes</Mandatory>
              <List_of_Alternatives>
                <Alternative>
                  <Order>1</Order>
                  <Origin>DB</Origin>
                  <File_Type>RAW</File_Type>
                  <File_Name_Type>Physical</File_Name_Type>
                </Alternative>
              </List_of_Alternatives>
            </Input>
          </List_of_Inputs>
          <List_of_Outputs>
            <Output>
              <Type>L1B</Type>
              <File_Name_Type>Regexp</File_Name_Type>
              <Destination>DB</Destination>
              <Mandatory>Yes</Mandatory>
            </Output>
          </List_of_Outputs>
        </Task>
      </List_of_Tasks>
    </Pool>
  </List_of_Pools>
</Ipf_Task_Table>
`

// jobTestConfig builds a runnable configuration: a task table whose single
// task is a shell script producing one output product, and one predefined
// input served by the local archive.
func jobTestConfig(t *testing.T) *pvml.Config {
	t.Helper()
	dir := t.TempDir()

	script := filepath.Join(dir, "step1.sh")
	body := "#!/bin/sh\necho processing \"$1\"\necho data > L1B_0001.DAT\nexit 0\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	table := strings.Replace(jobTestTaskTable, "%s", script, 1)
	tablePath := filepath.Join(dir, "tasktable.xml")
	require.NoError(t, os.WriteFile(tablePath, []byte(table), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "RAW_0001.DAT"), []byte("raw"), 0o644))

	cfg := pvml.NewConfig()
	cfg.ProcessorName = "PROC"
	cfg.ProcessorVersion = "01.00"
	cfg.JobOrderID = "123"
	cfg.TaskTablePath = []string{tablePath}
	cfg.WorkspaceDirectory = filepath.Join(dir, "workspace")
	cfg.ProcessingStation = "PDGS"
	cfg.ConfigDir = dir
	cfg.ProductTypes["RAW"] = &pvml.ProductTypeConfig{MatchExpression: `RAW_.*\.DAT`}
	cfg.ProductTypes["L1B"] = &pvml.ProductTypeConfig{MatchExpression: `L1B_.*\.DAT`}
	cfg.Inputs = []pvml.ConfigInput{
		{
			ProductType: "RAW",
			Products:    []pvml.ConfigProduct{{Reference: "RAW_0001.DAT"}},
		},
	}
	return cfg
}

func TestJobRun(t *testing.T) {
	cfg := jobTestConfig(t)
	job, err := pvml.NewJob(cfg)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.WorkspaceDirectory, "123"), job.WorkingDirectory)

	names, err := job.Run()
	require.NoError(t, err)
	require.Equal(t, []string{"L1B_0001.DAT"}, names)

	wd := job.WorkingDirectory
	for _, name := range []string{"JobOrder.123.xml", "RAW_0001.DAT", "L1B_0001.DAT", "LOG.123", "pvml.log"} {
		_, err := os.Stat(filepath.Join(wd, name))
		require.NoError(t, err, name)
	}
	require.Contains(t, job.Outputs, "L1B")

	// the task's stdout went to the run log
	data, err := os.ReadFile(filepath.Join(wd, "LOG.123"))
	require.NoError(t, err)
	require.Contains(t, string(data), "processing "+filepath.Join(wd, "JobOrder.123.xml"))
}

func TestJobRunClearsWorkingDirectory(t *testing.T) {
	cfg := jobTestConfig(t)
	job, err := pvml.NewJob(cfg)
	require.NoError(t, err)

	stale := filepath.Join(job.WorkingDirectory, "stale.tmp")
	require.NoError(t, os.MkdirAll(job.WorkingDirectory, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	_, err = job.Run()
	require.NoError(t, err)
	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
}

func TestJobRunTaskFailure(t *testing.T) {
	cfg := jobTestConfig(t)
	// rewrite the task table so the task fails
	table, err := os.ReadFile(cfg.TaskTablePath[0])
	require.NoError(t, err)
	script := filepath.Join(filepath.Dir(cfg.TaskTablePath[0]), "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 3\n"), 0o755))
	updated := strings.Replace(string(table), "step1.sh", "fail.sh", 1)
	require.NoError(t, os.WriteFile(cfg.TaskTablePath[0], []byte(updated), 0o644))

	job, err := pvml.NewJob(cfg)
	require.NoError(t, err)
	_, err = job.Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "exit code 3")
}

func TestJobOrderDryRun(t *testing.T) {
	cfg := jobTestConfig(t)
	job, err := pvml.NewJob(cfg)
	require.NoError(t, err)

	content, err := job.JobOrder()
	require.NoError(t, err)
	require.Contains(t, string(content), "<Ipf_Job_Order>")
	require.Contains(t, string(content), "<Processor_Name>PROC</Processor_Name>")

	// a dry run never creates the working directory
	_, err = os.Stat(job.WorkingDirectory)
	require.True(t, os.IsNotExist(err))
}

func TestNewJobUnknownBackend(t *testing.T) {
	cfg := pvml.NewConfig()
	cfg.Backend = "NOPE"
	_, err := pvml.NewJob(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown interface backend")
}
