// Package plan expands a validated configuration into the ordered list of
// (package, partition) installations and checks that they fit.
package plan

import (
	"fmt"
	"path"
	"strings"

	"github.com/jgarman/image-placer/internal/archive"
	"github.com/jgarman/image-placer/internal/config"
	"github.com/jgarman/image-placer/internal/service"
)

// Package is a package spec joined with its archive's central directory.
type Package struct {
	Index   int
	Spec    config.PackageSpec
	Archive *archive.Archive

	// Strip is set when the archive's wrapping directory is dropped on
	// install (configuration packages in the stripped layout).
	Strip    bool
	TopLevel string
}

// Name identifies the package in messages
func (p *Package) Name() string {
	return path.Base(p.Spec.PackagePath)
}

// Owner is the writer name recorded for the package's files. The position
// keeps two packages with the same file name apart.
func (p *Package) Owner() string {
	return fmt.Sprintf("%s #%d", p.Name(), p.Index+1)
}

// RelPath maps an archive entry name to its path below the package's
// target directory, e.g. "app/bin/run" -> "/app/bin/run", or "/bin/run"
// when the wrapping directory is stripped. ok is false for the wrapping
// directory itself when it is stripped.
func (p *Package) RelPath(entryName string) (rel string, ok bool) {
	if p.Strip {
		rest, found := strings.CutPrefix(entryName, p.TopLevel+"/")
		if !found {
			return "", false
		}
		return "/" + rest, true
	}
	return "/" + entryName, true
}

// InstallRoot is the image path of the directory the package owns:
// <target>/<top> for normal packages, <target> for stripped packages.
func (p *Package) InstallRoot() string {
	if !p.Strip && p.TopLevel != "" {
		return path.Join(p.Spec.TargetDirectory, p.TopLevel)
	}
	return p.Spec.TargetDirectory
}

// ServiceUnits returns the archive entries that look like service units.
func (p *Package) ServiceUnits() []archive.Entry {
	var units []archive.Entry
	for _, e := range p.Archive.Files() {
		if strings.HasSuffix(e.Name, service.UnitSuffix) {
			units = append(units, e)
		}
	}
	return units
}

// Entry is one (package, partition) installation.
type Entry struct {
	Package   *Package
	Partition int
}

// DestinationRoot is the image path the package's archive root maps to on
// the entry's partition.
func (e Entry) DestinationRoot() string {
	return e.Package.InstallRoot()
}

// InstallPlan is the derived, read-only description of a run.
type InstallPlan struct {
	Packages   []*Package
	Partitions []int

	// Partition-major; packages keep configuration order within a partition
	Entries []Entry
}

// Build inspects every package archive and expands the configuration into
// an InstallPlan. The configuration must already be validated.
func Build(cfg *config.Config) (*InstallPlan, error) {
	p := &InstallPlan{Partitions: append([]int(nil), cfg.PartitionNumbers...)}

	for i, spec := range cfg.PackageSpecs() {
		a, err := archive.Inspect(spec.PackagePath)
		if err != nil {
			return nil, err
		}

		pkg := &Package{Index: i, Spec: spec, Archive: a}
		if top, ok := a.TopLevel(); ok {
			pkg.TopLevel = top
			pkg.Strip = spec.Kind == config.KindConfiguration && cfg.ConfigurationLayout != config.LayoutPreserved
		}

		if err := checkOverwriteList(pkg); err != nil {
			return nil, err
		}
		p.Packages = append(p.Packages, pkg)
	}

	for _, partition := range p.Partitions {
		for _, pkg := range p.Packages {
			p.Entries = append(p.Entries, Entry{Package: pkg, Partition: partition})
		}
	}
	return p, nil
}

// ForPartition returns the entries of one partition in installation order.
func (p *InstallPlan) ForPartition(partition int) []Entry {
	var entries []Entry
	for _, e := range p.Entries {
		if e.Partition == partition {
			entries = append(entries, e)
		}
	}
	return entries
}

// checkOverwriteList rejects allow-list entries that name no file of the
// package.
func checkOverwriteList(pkg *Package) error {
	if len(pkg.Spec.OverwriteFiles) == 0 {
		return nil
	}

	placed := make(map[string]bool)
	for _, e := range pkg.Archive.Files() {
		if rel, ok := pkg.RelPath(e.Name); ok {
			placed[rel] = true
		}
	}

	for _, entry := range pkg.Spec.OverwriteFiles {
		if !placed[entry] {
			return &config.ConfigError{
				Field:  "overwrite-files",
				Reason: fmt.Sprintf("%s: %s is not a file of this package", pkg.Name(), entry),
			}
		}
	}
	return nil
}
