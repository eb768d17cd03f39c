package eegs

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/imagvfx/pvml"
	"github.com/imagvfx/pvml/log"
)

// LocateOutputs implements pvml.Backend. Every external output declared in
// the task table must match at least one file in the working directory;
// misses are reported per product type and aggregated into one error.
func (b *Backend) LocateOutputs(plan *pvml.Plan) (map[string]*pvml.Output, error) {
	log.Infof("checking output products")
	cfg := plan.Config

	var entries []string
	if cfg.VariantRegexOutputPattern {
		dirEntries, err := os.ReadDir(plan.WorkingDirectory)
		if err != nil {
			return nil, pvml.Processorf("could not scan working directory: %v", err)
		}
		for _, entry := range dirEntries {
			entries = append(entries, entry.Name())
		}
	}

	outputs := make(map[string]*pvml.Output)
	hasErrors := false
	for _, fileType := range b.outputOrder {
		output := b.outputs[fileType]
		var matched []string
		if cfg.VariantRegexOutputPattern {
			re, err := regexp.Compile(output.fileNamePattern)
			if err != nil {
				return nil, pvml.Errorf("invalid output pattern for product type '%s': %v", fileType, err)
			}
			for _, name := range entries {
				if loc := re.FindStringIndex(name); loc != nil && loc[0] == 0 {
					matched = append(matched, name)
				}
			}
		} else {
			paths, err := filepath.Glob(filepath.Join(plan.WorkingDirectory, output.fileNamePattern))
			if err != nil {
				return nil, pvml.Errorf("invalid output pattern for product type '%s': %v", fileType, err)
			}
			for _, path := range paths {
				matched = append(matched, filepath.Base(path))
			}
		}
		if len(matched) == 0 {
			log.Errorf("[processor] no outputs for product type '%s' found in working directory", fileType)
			hasErrors = true
			continue
		}
		jobOutput := &pvml.Output{ProductType: fileType}
		for _, name := range matched {
			jobOutput.Products = append(jobOutput.Products, &pvml.OutputProduct{Filepaths: []string{name}})
		}
		outputs[fileType] = jobOutput
	}
	if hasErrors {
		return nil, pvml.Processorf("outputs produced by processor do not match task table")
	}
	return outputs, nil
}
