package pvml

import (
	"sort"
	"time"
)

// Product is a file known to an archive backend.
type Product struct {
	ProductType   string
	Filename      string
	Reference     string
	ValidityStart *time.Time
	ValidityStop  *time.Time
}

// Archive resolves product references and moves files between an archive
// and a job's working directory. An Archive is opened for the duration of
// one job and closed when the job ends.
type Archive interface {
	// ResolveReference resolves a user supplied product reference to a
	// product of the given type. It fails when the reference is
	// unreachable or when the reference's inferred product type conflicts
	// with productType.
	ResolveReference(reference, productType string) (Product, error)

	// ResolveQuery returns the products of productType whose validity
	// intersects the window widened by t0 before the start and t1 after
	// the stop. An empty result is not an error.
	ResolveQuery(productType, retrievalMode string, window Interval, t0, t1 time.Duration) ([]Product, error)

	// Retrieve materializes all products of the given inputs into
	// targetDir. Products sharing a canonical source reference are
	// retrieved only once.
	Retrieve(inputs []*Input, targetDir string) error

	// Ingest persists externally destined outputs. Archives without
	// storage support may treat this as a no-op.
	Ingest(outputs []*Output, inputs []*Input) error

	// Close releases any resources held for the job.
	Close() error
}

// ArchiveFactory creates an Archive for one job.
type ArchiveFactory func(cfg *Config) (Archive, error)

var archives = make(map[string]ArchiveFactory)

// RegisterArchive registers an archive backend under the given name.
// It panics when the name is already taken, as duplicate registrations
// are a programming error.
func RegisterArchive(name string, f ArchiveFactory) {
	if _, ok := archives[name]; ok {
		panic("pvml: archive backend '" + name + "' registered twice")
	}
	archives[name] = f
}

// OpenArchive opens the archive backend selected by the configuration.
func OpenArchive(cfg *Config) (Archive, error) {
	f, ok := archives[cfg.ArchiveBackend]
	if !ok {
		return nil, Errorf("unknown archive backend '%s' (registered: %s)",
			cfg.ArchiveBackend, registeredNames(archivesNames()))
	}
	return f(cfg)
}

func archivesNames() []string {
	names := make([]string, 0, len(archives))
	for name := range archives {
		names = append(names, name)
	}
	return names
}

func registeredNames(names []string) string {
	sort.Strings(names)
	s := ""
	for i, name := range names {
		if i > 0 {
			s += ", "
		}
		s += name
	}
	return s
}
