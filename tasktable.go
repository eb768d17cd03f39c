package pvml

import (
	"os"
	"path/filepath"
	"strings"
)

// TaskTablePaths expands the configured task table path list into concrete
// candidate files. A component may name a file, a directory (every
// non-hidden file inside is a candidate) or a glob pattern.
func TaskTablePaths(cfg *Config) ([]string, error) {
	var paths []string
	for _, path := range cfg.TaskTablePath {
		info, err := os.Stat(path)
		switch {
		case err == nil && info.IsDir():
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, &ConfigError{Msg: "could not list task table directory '" + path + "'", Err: err}
			}
			for _, entry := range entries {
				if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
					continue
				}
				paths = append(paths, filepath.Join(path, entry.Name()))
			}
		case err == nil:
			paths = append(paths, path)
		default:
			// try treating the path as a glob pattern
			matches, err := filepath.Glob(path)
			if err != nil {
				continue
			}
			for _, match := range matches {
				if info, err := os.Stat(match); err == nil && !info.IsDir() {
					paths = append(paths, match)
				}
			}
		}
	}
	return paths, nil
}
