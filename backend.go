package pvml

// Plan is the fully resolved execution plan for one job: the stage output
// of input resolution, consumed by the job order builder and the execution
// engine. It is not mutated after Resolve returns it.
type Plan struct {
	Config           *Config
	WorkingDirectory string

	// Sensing is the job wide sensing interval: the configured interval
	// when pinned, otherwise the union of the resolved inputs' validity
	// intervals, with sentinel bounds where nothing constrains a side.
	Sensing Interval

	// Tasks are the job's tasks in task table order.
	Tasks []*Task

	// Inputs maps product type to the externally sourced input that must
	// be retrieved into the working directory before the first task runs.
	Inputs map[string]*Input
}

// Backend interprets one task table dialect. A Backend instance carries
// dialect specific state between the three stages and therefore serves a
// single job.
type Backend interface {
	// Resolve reads the task table, resolves every task input and returns
	// the execution plan. It must not write to the working directory,
	// which may not exist yet. It may use the archive to resolve
	// references and run queries.
	Resolve(cfg *Config, archive Archive) (*Plan, error)

	// WriteJobOrder serializes the plan to the dialect's job order
	// document. A dry build returns the document content and touches
	// nothing on disk; otherwise the document is written into the plan's
	// working directory and its path is returned.
	WriteJobOrder(plan *Plan, dry bool) (content []byte, path string, err error)

	// LocateOutputs scans the working directory after all tasks finished
	// and returns the externally destined outputs, verifying them against
	// what the task table promised.
	LocateOutputs(plan *Plan) (map[string]*Output, error)
}

// BackendFactory creates a fresh Backend for one job.
type BackendFactory func() Backend

var backends = make(map[string]BackendFactory)

// RegisterBackend registers a task table dialect under the given name.
// It panics when the name is already taken.
func RegisterBackend(name string, f BackendFactory) {
	if _, ok := backends[name]; ok {
		panic("pvml: backend '" + name + "' registered twice")
	}
	backends[name] = f
}

// NewBackend creates the backend selected by the configuration.
func NewBackend(cfg *Config) (Backend, error) {
	f, ok := backends[cfg.Backend]
	if !ok {
		names := make([]string, 0, len(backends))
		for name := range backends {
			names = append(names, name)
		}
		return nil, Errorf("unknown interface backend '%s' (registered: %s)",
			cfg.Backend, registeredNames(names))
	}
	return f(), nil
}
