package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jgarman/image-placer/internal/archive"
	"github.com/sirupsen/logrus"
)

// Destination writes into a mounted partition, subject to conflict rules.
type Destination interface {
	WriteFile(ctx context.Context, imagePath, owner string, allowed bool, data []byte, mode os.FileMode) error
	Symlink(ctx context.Context, imagePath, owner string, allowed bool, target string) error
}

// Source describes a package with services enabled, after extraction.
type Source struct {
	Package string
	// Archive-relative paths of the package's unit files
	Units  []string
	Suffix string
	Layout Layout
}

// Prepared is a validated unit ready to be enabled.
type Prepared struct {
	// Installed unit name, suffix applied
	Name string
	// Archive-relative path of the unit inside the package
	UnitPath string
	Content  []byte
	Requires []string
}

// ValidateSuffix rejects suffixes that cannot be part of a unit name.
func ValidateSuffix(suffix string) error {
	switch {
	case suffix == "":
		return nil
	case strings.HasPrefix(suffix, "-"):
		return &InvalidServiceNameError{Suffix: suffix, Reason: "must not begin with a hyphen"}
	case strings.ContainsAny(suffix, "/ \t\n"):
		return &InvalidServiceNameError{Suffix: suffix, Reason: "must not contain slashes or whitespace"}
	}
	return nil
}

// UnitName returns the installed name of unitPath: "app.service" with
// suffix "a" becomes "app-a.service".
func UnitName(unitPath, suffix string) (string, error) {
	if err := ValidateSuffix(suffix); err != nil {
		return "", err
	}
	base := path.Base(unitPath)
	if strings.HasPrefix(base, "-") {
		return "", &InvalidServiceNameError{Suffix: suffix, Reason: fmt.Sprintf("unit name %s begins with a hyphen", base)}
	}
	if suffix == "" {
		return base, nil
	}
	return strings.TrimSuffix(base, UnitSuffix) + "-" + suffix + UnitSuffix, nil
}

// Prepare checks the package's unit cardinality and content, rewrites its
// paths and stores the result back into the extracted tree so that the
// copy inside the package matches the installed one.
func Prepare(src Source) (*Prepared, error) {
	if len(src.Units) != 1 {
		return nil, &ServiceCountError{Package: src.Package, Found: src.Units}
	}
	unitPath := src.Units[0]

	name, err := UnitName(unitPath, src.Suffix)
	if err != nil {
		return nil, err
	}

	hostPath := filepath.Join(src.Layout.ScratchRoot, filepath.FromSlash(unitPath))
	// the unit is rewritten in place, so it must be a file of the package
	// and not a link leading out of the scratch tree
	info, err := os.Lstat(hostPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read service unit: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, &archive.ExtractionError{
			Archive: src.Package,
			Entry:   unitPath,
			Err:     fmt.Errorf("service unit is not a regular file: %w", archive.ErrUnsafePath),
		}
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read service unit: %w", err)
	}

	u, err := ParseUnit(unitPath, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}

	layout := src.Layout
	layout.UnitPath = unitPath
	if err := u.Rewrite(layout); err != nil {
		return nil, err
	}

	content, err := u.Bytes()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(hostPath, content, 0644); err != nil {
		return nil, fmt.Errorf("unable to update service unit: %w", err)
	}

	return &Prepared{Name: name, UnitPath: unitPath, Content: content, Requires: u.Requires()}, nil
}

// UnitPath is the image path a unit named name is installed at.
func UnitPath(name string) string {
	return path.Join(SystemUnitDir, name)
}

// AutostartLink is the image path of the link enabling a unit at boot.
func AutostartLink(name string) string {
	return path.Join(SystemUnitDir, AutostartTarget+".wants", name)
}

// Enable installs the unit and its autostart link. Both paths go through
// the same conflict rules as package files.
func Enable(ctx context.Context, dest Destination, p *Prepared, owner string, allowed bool, log logrus.FieldLogger) error {
	unitPath := UnitPath(p.Name)
	if err := dest.WriteFile(ctx, unitPath, owner, allowed, p.Content, 0644); err != nil {
		return err
	}
	if err := dest.Symlink(ctx, AutostartLink(p.Name), owner, allowed, path.Join("..", p.Name)); err != nil {
		return err
	}
	log.WithField("unit", p.Name).Info("Enabled service")
	return nil
}

// Resolver maps an image path to the host path it refers to on a mounted
// partition, following the image's own symbolic links.
type Resolver interface {
	HostPath(imagePath string) (string, error)
}

// CheckRequirements verifies that every Requires= entry of the given units
// is enabled on the partition: a service must be linked from some *.wants
// or *.requires directory, a target must have such a directory.
func CheckRequirements(r Resolver, units []*Prepared) error {
	for _, u := range units {
		for _, req := range u.Requires {
			enabled, err := isEnabled(r, path.Base(req))
			if err != nil {
				return fmt.Errorf("unable to check requirement %s of %s: %w", req, u.Name, err)
			}
			if !enabled {
				return &RequirementError{Unit: u.Name, Requirement: req}
			}
		}
	}
	return nil
}

func isEnabled(r Resolver, name string) (bool, error) {
	if strings.HasSuffix(name, ".target") {
		for _, kind := range []string{".wants", ".requires"} {
			hostPath, err := r.HostPath(path.Join(SystemUnitDir, name+kind))
			if err != nil {
				return false, err
			}
			if _, err := os.Stat(hostPath); err == nil {
				return true, nil
			}
		}
		return false, nil
	}

	unitDir, err := r.HostPath(SystemUnitDir)
	if err != nil {
		return false, err
	}
	entries, err := os.ReadDir(unitDir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".wants") && !strings.HasSuffix(e.Name(), ".requires") {
			continue
		}
		dir, err := r.HostPath(path.Join(SystemUnitDir, e.Name()))
		if err != nil {
			return false, err
		}
		// the link itself marks the unit enabled, wherever it points
		if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
			return true, nil
		}
	}
	return false, nil
}
