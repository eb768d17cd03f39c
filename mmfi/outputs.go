package mmfi

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/imagvfx/pvml"
	"github.com/imagvfx/pvml/log"
)

// LocateOutputs implements pvml.Backend. The processor either lists its
// products in a LIST file or the working directory is scanned using the
// product type match expressions. Discovered files are grouped into
// logical products by stem and checked against the task table.
func (b *Backend) LocateOutputs(plan *pvml.Plan) (map[string]*pvml.Output, error) {
	log.Infof("checking output products")
	cfg := plan.Config

	outputs := make(map[string]*pvml.Output)
	if cfg.VariantIgnoreListFile {
		if err := b.scanWorkingDirectory(plan, outputs); err != nil {
			return nil, err
		}
	} else {
		listFiles, err := filepath.Glob(filepath.Join(plan.WorkingDirectory, "*.LIST"))
		if err != nil {
			return nil, pvml.Processorf("could not scan working directory: %v", err)
		}
		switch {
		case len(listFiles) > 1:
			return nil, pvml.Processorf("multiple LIST files found: %s", strings.Join(listFiles, ", "))
		case len(listFiles) == 1:
			if cfg.VariantListFileUsesOrderID {
				got := filepath.Base(listFiles[0])
				want := cfg.JobOrderID + ".LIST"
				if got != want {
					return nil, pvml.Processorf("found LIST file with unexpected filename (found '%s', expected '%s')", got, want)
				}
			}
			if err := b.scanListFile(plan, listFiles[0], outputs); err != nil {
				return nil, err
			}
		case cfg.VariantListFileMandatory:
			return nil, pvml.Processorf("LIST file not found")
		default:
			if err := b.scanWorkingDirectory(plan, outputs); err != nil {
				return nil, err
			}
		}
	}

	if err := groupProductsByStem(cfg, outputs); err != nil {
		return nil, err
	}
	checkMetadataPresence(cfg, outputs)

	hasErrors := false
	for _, productType := range b.outputOrder {
		expected := b.outputs[productType]
		output, found := outputs[productType]
		if !found {
			if expected.mandatory {
				log.Errorf("[processor] no outputs for product type '%s' found in working directory", productType)
				hasErrors = true
			}
			continue
		}
		if len(output.Products) > 1 {
			ptc := cfg.ProductTypes[productType]
			if ptc == nil || !ptc.HasMultiProductOutput {
				log.Warnf("[processor] product type '%s' appears more than once in working directory (%d times)",
					productType, len(output.Products))
			}
		}
	}
	if hasErrors {
		return nil, pvml.Processorf("outputs produced by processor do not match task table")
	}
	return outputs, nil
}

// scanListFile reads the LIST file written by the processor. Each line
// names one product, either directly or as a stem matching several files.
// Problems are reported per line and aggregated into a single error.
func (b *Backend) scanListFile(plan *pvml.Plan, path string, outputs map[string]*pvml.Output) error {
	cfg := plan.Config
	f, err := os.Open(path)
	if err != nil {
		return pvml.Processorf("could not read LIST file '%s': %v", path, err)
	}
	defer f.Close()

	base := filepath.Base(path)
	hasErrors := false
	scanner := bufio.NewScanner(f)
	for index := 1; scanner.Scan(); index++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var files []string
		metadataFile := ""
		if cfg.VariantListFileContainsStem {
			matches, err := filepath.Glob(filepath.Join(plan.WorkingDirectory, line+"*"))
			if err != nil {
				matches = nil
			}
			var metadataFiles []string
			for _, match := range matches {
				name := filepath.Base(match)
				if filepath.Ext(name) == ".MTD" {
					metadataFiles = append(metadataFiles, name)
				} else {
					files = append(files, name)
				}
			}
			if len(files) == 0 {
				log.Errorf("[processor] %s:%d: stem does not match any (non-metadata) files in working directory", base, index)
				hasErrors = true
			}
			if len(metadataFiles) > 1 {
				log.Errorf("[processor] %s:%d: found more than one metadata file matching stem in working directory", base, index)
				hasErrors = true
			} else if len(metadataFiles) == 1 {
				metadataFile = metadataFiles[0]
			}
		} else {
			if _, err := os.Stat(filepath.Join(plan.WorkingDirectory, line)); err == nil {
				files = append(files, line)
				mtd := stemName(line) + ".MTD"
				if _, err := os.Stat(filepath.Join(plan.WorkingDirectory, mtd)); err == nil {
					metadataFile = mtd
				}
			} else {
				log.Errorf("[processor] %s:%d: file not found in working directory", base, index)
				hasErrors = true
			}
		}

		productType := determineProductType(cfg, line)
		if productType == "" {
			log.Errorf("[processor] %s:%d: cannot determine product type", base, index)
			hasErrors = true
		} else if len(files) > 0 {
			if _, expected := b.outputs[productType]; !expected {
				log.Errorf("[processor] %s:%d: unexpected product type '%s'", base, index, productType)
				hasErrors = true
			} else {
				addOutputProduct(outputs, productType, files, metadataFile)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return pvml.Processorf("could not read LIST file '%s': %v", path, err)
	}
	if hasErrors {
		return pvml.Processorf("%s: LIST file contains errors", base)
	}
	return nil
}

// scanWorkingDirectory discovers outputs by matching every working
// directory entry against the expected product types' match expressions.
func (b *Backend) scanWorkingDirectory(plan *pvml.Plan, outputs map[string]*pvml.Output) error {
	cfg := plan.Config
	entries, err := os.ReadDir(plan.WorkingDirectory)
	if err != nil {
		return pvml.Processorf("could not scan working directory: %v", err)
	}
	for _, productType := range b.outputOrder {
		ptc := cfg.ProductTypes[productType]
		if ptc == nil || ptc.MatchExpression == "" {
			continue
		}
		re, err := regexp.Compile(ptc.MatchExpression)
		if err != nil {
			return pvml.Errorf("invalid match expression for product type '%s': %v", productType, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasSuffix(name, ".MTD") || !matchesPrefix(re, name) {
				continue
			}
			metadataFile := ""
			mtd := stemName(name) + ".MTD"
			if _, err := os.Stat(filepath.Join(plan.WorkingDirectory, mtd)); err == nil {
				metadataFile = mtd
			}
			addOutputProduct(outputs, productType, []string{name}, metadataFile)
		}
	}
	return nil
}

func addOutputProduct(outputs map[string]*pvml.Output, productType string, files []string, metadataFile string) {
	output, ok := outputs[productType]
	if !ok {
		output = &pvml.Output{ProductType: productType}
		outputs[productType] = output
	}
	output.Products = append(output.Products, &pvml.OutputProduct{
		Filepaths:        files,
		MetadataFilepath: metadataFile,
	})
}

// groupProductsByStem merges files sharing a stem into one logical
// product for product types carrying a stem expression.
func groupProductsByStem(cfg *pvml.Config, outputs map[string]*pvml.Output) error {
	for _, output := range outputs {
		ptc := cfg.ProductTypes[output.ProductType]
		if ptc == nil || ptc.StemExpression == "" {
			continue
		}
		re, err := regexp.Compile(ptc.StemExpression)
		if err != nil {
			return pvml.Errorf("invalid stem expression for product type '%s': %v", output.ProductType, err)
		}
		groups := make(map[string]*pvml.OutputProduct)
		var order []string
		for _, product := range output.Products {
			for _, file := range product.Filepaths {
				stem := matchPrefix(re, filepath.Base(file))
				if stem == "" {
					return pvml.Errorf(
						"stem expression '%s' of product type '%s' returns empty stem when applied to filename '%s'",
						ptc.StemExpression, output.ProductType, filepath.Base(file))
				}
				group, ok := groups[stem]
				if !ok {
					groups[stem] = &pvml.OutputProduct{
						Filepaths:        []string{file},
						MetadataFilepath: product.MetadataFilepath,
					}
					order = append(order, stem)
					continue
				}
				if group.MetadataFilepath != product.MetadataFilepath {
					return pvml.Processorf(
						"inconsistent metadata file presence when combining outputs for product type '%s' with stem '%s'",
						output.ProductType, stem)
				}
				group.Filepaths = append(group.Filepaths, file)
			}
		}
		output.Products = output.Products[:0]
		for _, stem := range order {
			output.Products = append(output.Products, groups[stem])
		}
	}
	return nil
}

func checkMetadataPresence(cfg *pvml.Config, outputs map[string]*pvml.Output) {
	for _, output := range outputs {
		ptc := cfg.ProductTypes[output.ProductType]
		if ptc == nil {
			continue
		}
		for _, product := range output.Products {
			if ptc.HasMetadataFile && product.MetadataFilepath == "" {
				log.Warnf("[processor] missing metadata file for output '%s'", output.ProductType)
				break
			}
			if !ptc.HasMetadataFile && product.MetadataFilepath != "" {
				log.Warnf("[processor] unexpected metadata file for output '%s'", output.ProductType)
				break
			}
		}
	}
}

// determineProductType classifies a name by match expression. Product
// types are tried in sorted order so overlapping expressions classify
// deterministically.
func determineProductType(cfg *pvml.Config, name string) string {
	types := make([]string, 0, len(cfg.ProductTypes))
	for productType := range cfg.ProductTypes {
		types = append(types, productType)
	}
	sort.Strings(types)
	for _, productType := range types {
		ptc := cfg.ProductTypes[productType]
		if ptc.MatchExpression == "" {
			continue
		}
		re, err := regexp.Compile(ptc.MatchExpression)
		if err != nil {
			continue
		}
		if matchesPrefix(re, name) {
			return productType
		}
	}
	return ""
}

// matchesPrefix reports whether the expression matches at the start of
// name, the way anchored match expressions are applied.
func matchesPrefix(re *regexp.Regexp, name string) bool {
	loc := re.FindStringIndex(name)
	return loc != nil && loc[0] == 0
}

// matchPrefix returns the text matched at the start of name, or "".
func matchPrefix(re *regexp.Regexp, name string) string {
	loc := re.FindStringIndex(name)
	if loc == nil || loc[0] != 0 {
		return ""
	}
	return name[:loc[1]]
}

// stemName strips the final extension, pairing FOO.DAT with FOO.MTD.
func stemName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
