package config

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// Validate checks that every required field is present and resolvable.
// It touches the host filesystem only with stat calls; the image itself is
// never opened here. The first problem found is returned as *ConfigError.
func (c *Config) Validate() error {
	if c.Target == "" {
		return &ConfigError{Field: "target", Reason: "target image path is missing, start with -h to see arguments"}
	}

	switch {
	case c.NoClone && c.Source != "":
		return &ConfigError{Field: "source", Reason: "source image and no-clone are mutually exclusive"}
	case c.NoClone:
		if err := requireFile("target", c.Target); err != nil {
			return err
		}
	case c.Source == "":
		return &ConfigError{Field: "source", Reason: "either source or no-clone must be defined, start with -h to see arguments"}
	default:
		if err := requireFile("source", c.Source); err != nil {
			return err
		}
		if sameFile(c.Source, c.Target) {
			return &ConfigError{Field: "target", Reason: "source and target image paths are the same, use no-clone to modify an image in place"}
		}
	}

	if len(c.Packages)+len(c.ConfigurationPackages) == 0 {
		return &ConfigError{Field: "packages", Reason: "no packages defined in configuration"}
	}
	for i, pkg := range c.Packages {
		field := fmt.Sprintf("packages[%d]", i)
		if err := validatePackage(field, pkg.PackagePath, pkg.TargetDirectory, pkg.OverwriteFiles); err != nil {
			return err
		}
	}
	for i, pkg := range c.ConfigurationPackages {
		field := fmt.Sprintf("configuration-packages[%d]", i)
		if err := validatePackage(field, pkg.PackagePath, pkg.TargetDirectory, pkg.OverwriteFiles); err != nil {
			return err
		}
	}

	if len(c.PartitionNumbers) == 0 {
		return &ConfigError{Field: "partition-numbers", Reason: "no partition numbers defined in configuration"}
	}
	seen := make(map[int]bool, len(c.PartitionNumbers))
	for _, n := range c.PartitionNumbers {
		if n <= 0 {
			return &ConfigError{Field: "partition-numbers", Reason: fmt.Sprintf("partition number %d must be positive", n)}
		}
		if seen[n] {
			return &ConfigError{Field: "partition-numbers", Reason: fmt.Sprintf("partition number %d listed twice", n)}
		}
		seen[n] = true
	}

	if c.ParallelPartitions < 0 {
		return &ConfigError{Field: "parallel-partitions", Reason: "must not be negative"}
	}
	if c.ParallelPartitions == 0 {
		c.ParallelPartitions = 1
	}

	switch c.ConfigurationLayout {
	case "":
		c.ConfigurationLayout = LayoutStripped
	case LayoutStripped, LayoutPreserved:
	default:
		return &ConfigError{Field: "configuration-layout", Reason: fmt.Sprintf("unknown layout %q", c.ConfigurationLayout)}
	}

	switch c.LoopBackend {
	case "":
		c.LoopBackend = BackendLosetup
	case BackendLosetup, BackendUDisks:
	default:
		return &ConfigError{Field: "loop-backend", Reason: fmt.Sprintf("unknown backend %q", c.LoopBackend)}
	}

	if c.LogPath != "" {
		info, err := os.Stat(c.LogPath)
		if err != nil || !info.IsDir() {
			return &ConfigError{Field: "log-path", Reason: fmt.Sprintf("log directory %s does not exist", c.LogPath)}
		}
	}
	if c.ScratchDir != "" {
		info, err := os.Stat(c.ScratchDir)
		if err != nil || !info.IsDir() {
			return &ConfigError{Field: "scratch-dir", Reason: fmt.Sprintf("scratch directory %s does not exist", c.ScratchDir)}
		}
	}

	return nil
}

func validatePackage(field, packagePath, targetDir string, overwrite []string) error {
	if packagePath == "" {
		return &ConfigError{Field: field + ".package-path", Reason: "package path is missing"}
	}
	// Stat follows symbolic links, so a link to an archive is accepted
	info, err := os.Stat(packagePath)
	if err != nil {
		return &ConfigError{Field: field + ".package-path", Reason: fmt.Sprintf("package %s does not exist", packagePath)}
	}
	if info.IsDir() {
		return &ConfigError{Field: field + ".package-path", Reason: fmt.Sprintf("package %s is a directory, expected a zip archive", packagePath)}
	}
	if escapesRoot(targetDir) {
		return &ConfigError{Field: field + ".target-directory", Reason: fmt.Sprintf("%q leaves the partition root", targetDir)}
	}
	for _, p := range overwrite {
		if strings.TrimSpace(p) == "" {
			return &ConfigError{Field: field + ".overwrite-files", Reason: "empty path"}
		}
		if escapesRoot(p) {
			return &ConfigError{Field: field + ".overwrite-files", Reason: fmt.Sprintf("%q leaves the package directory", p)}
		}
	}
	return nil
}

func requireFile(field, p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("image path %s does not exist", p)}
	}
	if info.IsDir() {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("image path %s is a directory", p)}
	}
	return nil
}

func sameFile(a, b string) bool {
	if a == b {
		return true
	}
	ai, errA := os.Stat(a)
	bi, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

// escapesRoot reports whether a relative image path climbs above its root.
func escapesRoot(p string) bool {
	clean := path.Clean(strings.TrimLeft(p, "/"))
	return clean == ".." || strings.HasPrefix(clean, "../")
}
