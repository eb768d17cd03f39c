// Package local implements the archive contract against plain directories
// on the local filesystem. It supports resolving product references and
// retrieving products into a working directory; it cannot run time window
// queries and does not store outputs.
package local

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/imagvfx/pvml"
	"github.com/imagvfx/pvml/log"
)

func init() {
	pvml.RegisterArchive("local", New)
}

// Archive is a job scoped local filesystem archive.
type Archive struct {
	cfg         *pvml.Config
	useSymlinks bool
}

// New creates a local Archive for one job. The "useSymlinks" archive
// option makes Retrieve link products into the working directory instead
// of copying them.
func New(cfg *pvml.Config) (pvml.Archive, error) {
	a := &Archive{cfg: cfg}
	if v, ok := cfg.ArchiveOptions["useSymlinks"]; ok {
		a.useSymlinks = v == "true" || v == "1"
	}
	return a, nil
}

// Close implements pvml.Archive. The local archive holds no resources.
func (a *Archive) Close() error { return nil }

// determineProductType classifies a filename using the configured match
// expressions, anchored at the start of the name. Product types are tried
// in sorted order so overlapping expressions classify deterministically.
// Returns "" when no product type matches.
func (a *Archive) determineProductType(filename string) string {
	types := make([]string, 0, len(a.cfg.ProductTypes))
	for productType := range a.cfg.ProductTypes {
		types = append(types, productType)
	}
	sort.Strings(types)
	for _, productType := range types {
		ptc := a.cfg.ProductTypes[productType]
		if ptc.MatchExpression == "" {
			continue
		}
		re, err := regexp.Compile(ptc.MatchExpression)
		if err != nil {
			continue
		}
		if loc := re.FindStringIndex(filename); loc != nil && loc[0] == 0 {
			return productType
		}
	}
	return ""
}

// extractTime pulls a validity timestamp out of a filename. The expression
// must match at the start of the name; the first capture group holds the
// timestamp text.
func (a *Archive) extractTime(expr string, format pvml.TimeFormat, filename string) *time.Time {
	if expr == "" || format == "" {
		return nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil
	}
	m := re.FindStringSubmatchIndex(filename)
	if m == nil || m[0] != 0 || len(m) < 4 || m[2] < 0 {
		return nil
	}
	t, err := a.cfg.ParseTimestamp(filename[m[2]:m[3]], format)
	if err != nil {
		return nil
	}
	return &t
}

// ResolveReference implements pvml.Archive. References may be relative to
// the job configuration directory and may contain glob metacharacters for
// non stem based product types, in which case they must match exactly one
// file.
func (a *Archive) ResolveReference(reference, productType string) (pvml.Product, error) {
	configType := a.determineProductType(filepath.Base(strings.TrimRight(reference, "/")))
	if configType != "" && configType != productType {
		return pvml.Product{}, pvml.Errorf(
			"inconsistent product types for product reference '%s' ('%s' specified, '%s' from config)",
			reference, productType, configType)
	}

	if !filepath.IsAbs(reference) {
		if a.cfg.ConfigDir == "" {
			return pvml.Product{}, pvml.Errorf("product reference '%s' is not an absolute path", reference)
		}
		reference = filepath.Join(a.cfg.ConfigDir, reference)
	}

	if strings.ContainsAny(reference, "?*[") && !a.cfg.ProductTypes[productType].UsesStem() {
		files, err := filepath.Glob(reference)
		if err != nil {
			return pvml.Product{}, &pvml.ArchiveError{Op: "resolve", Err: err}
		}
		if len(files) == 0 {
			return pvml.Product{}, pvml.Errorf("could not find input product matching pattern '%s'", reference)
		}
		if len(files) > 1 {
			return pvml.Product{}, pvml.Errorf("found multiple matches for input product pattern '%s'", reference)
		}
		reference = files[0]
	}

	reference = filepath.Clean(reference)
	filename := filepath.Base(reference)

	ptc := a.cfg.ProductTypes[productType]
	var start, stop *time.Time
	if ptc != nil {
		start = a.extractTime(ptc.StartTimeExpression, ptc.StartTimeFormat, filename)
		stop = a.extractTime(ptc.StopTimeExpression, ptc.StopTimeFormat, filename)
	}
	return pvml.Product{
		ProductType:   productType,
		Filename:      filename,
		Reference:     reference,
		ValidityStart: start,
		ValidityStop:  stop,
	}, nil
}

// ResolveQuery implements pvml.Archive. The local archive does not support
// querying, so the result is always empty.
func (a *Archive) ResolveQuery(productType, retrievalMode string, window pvml.Interval, t0, t1 time.Duration) ([]pvml.Product, error) {
	return nil, nil
}

// Retrieve implements pvml.Archive. Products sharing a canonical source
// path are materialized only once; stem based product types pull in every
// file matching the reference stem.
func (a *Archive) Retrieve(inputs []*pvml.Input, targetDir string) error {
	seen := make(map[string]bool)
	for _, input := range inputs {
		useStem := a.cfg.ProductTypes[input.ProductType].UsesStem()
		for _, product := range input.Products {
			root := strings.TrimRight(product.Reference, "/")
			if seen[root] {
				continue
			}
			if useStem {
				stem := root + "*"
				paths, err := filepath.Glob(stem)
				if err != nil {
					return &pvml.ArchiveError{Op: "retrieve", Err: err}
				}
				if len(paths) == 0 {
					return pvml.Errorf("could not find any files matching the pattern '%s'", stem)
				}
				for _, path := range paths {
					if err := a.copyProduct(path, targetDir); err != nil {
						return err
					}
				}
			} else {
				if err := a.copyProduct(root, targetDir); err != nil {
					return err
				}
			}
			seen[root] = true
		}
	}
	return nil
}

// Ingest implements pvml.Archive. The local archive does not store
// outputs.
func (a *Archive) Ingest(outputs []*pvml.Output, inputs []*pvml.Input) error {
	return nil
}

func (a *Archive) copyProduct(path, targetDir string) error {
	info, err := os.Stat(path)
	if err != nil {
		return pvml.Errorf("cannot access '%s' (does not exist or no permission)", path)
	}
	dest := filepath.Join(targetDir, filepath.Base(path))
	if a.useSymlinks {
		log.Infof("creating symlink for %s in working directory", filepath.Base(path))
		if target, err := os.Readlink(dest); err == nil && target != "" {
			os.Remove(dest)
		}
		if err := os.Symlink(path, dest); err != nil {
			return &pvml.ArchiveError{Op: "retrieve", Err: errors.Wrapf(err, "could not create symlink for %s", path)}
		}
		return nil
	}
	log.Infof("copying %s to working directory", filepath.Base(path))
	if info.IsDir() {
		err = copyTree(path, dest)
	} else {
		err = copyFile(path, dest, info.Mode())
	}
	if err != nil {
		return &pvml.ArchiveError{Op: "retrieve", Err: errors.Wrapf(err, "could not copy %s to %s", path, dest)}
	}
	return nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyTree(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		destPath := filepath.Join(dest, entry.Name())
		if entry.IsDir() {
			if err := copyTree(srcPath, destPath); err != nil {
				return err
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if err := copyFile(srcPath, destPath, info.Mode()); err != nil {
			return err
		}
	}
	return nil
}
