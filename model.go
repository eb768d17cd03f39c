package pvml

import "time"

// Task is one entry of the resolved task list, in execution order.
// It is immutable after resolution except for State, which only the
// execution engine advances.
type Task struct {
	Name       string
	Version    string
	Executable string

	// ExpectedExitCodes is the set of exit codes that count as success
	// for this task. Defaults to {0}.
	ExpectedExitCodes []int

	State TaskState
}

// TaskState tracks a task through the execution engine.
type TaskState int

const (
	TaskPending = TaskState(iota)
	TaskRunning
	TaskSucceeded
	TaskFailed
)

// String represents TaskState as string.
func (s TaskState) String() string {
	return map[TaskState]string{
		TaskPending:   "pending",
		TaskRunning:   "running",
		TaskSucceeded: "succeeded",
		TaskFailed:    "failed",
	}[s]
}

// InputProduct is one concrete archived file backing an input.
type InputProduct struct {
	// Reference is the archive backend specific reference to the file.
	Reference string

	// Filename is the file name as referenced in the job order file.
	Filename string

	Start *time.Time
	Stop  *time.Time
}

// Input groups the products resolved for one product type. The job level
// input map holds one Input per externally sourced product type; these are
// the inputs the archive must retrieve into the working directory.
type Input struct {
	ProductType string
	Products    []*InputProduct
}

// OutputProduct is one logical product instance. Stem based product types
// group multiple files into a single product; MetadataFilepath is set when
// an adjacent metadata file was found.
type OutputProduct struct {
	Filepaths        []string
	MetadataFilepath string
}

// Output groups the products discovered for one externally destined
// product type.
type Output struct {
	ProductType string
	Products    []*OutputProduct
}
