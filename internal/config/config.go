package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Configuration package layouts
const (
	// LayoutStripped merges the archive's contents into the target directory
	// without the archive's wrapping directory.
	LayoutStripped = "stripped"
	// LayoutPreserved keeps the wrapping directory, like a normal package.
	LayoutPreserved = "preserved"
)

// Loop device backends
const (
	BackendLosetup = "losetup"
	BackendUDisks  = "udisks"
)

// PackageConfig describes a normal package: an archive installed under its
// own directory, optionally carrying one service unit.
type PackageConfig struct {
	PackagePath       string   `json:"package-path" yaml:"package-path"`
	EnableServices    bool     `json:"enable-services" yaml:"enable-services"`
	ServiceNameSuffix string   `json:"service-name-suffix" yaml:"service-name-suffix"`
	TargetDirectory   string   `json:"target-directory" yaml:"target-directory"`
	OverwriteFiles    []string `json:"overwrite-files" yaml:"overwrite-files"`
}

// ConfigurationPackage describes an archive merged directly into the
// target directory.
type ConfigurationPackage struct {
	PackagePath     string   `json:"package-path" yaml:"package-path"`
	TargetDirectory string   `json:"target-directory,omitempty" yaml:"target-directory,omitempty"`
	OverwriteFiles  []string `json:"overwrite-files" yaml:"overwrite-files"`
}

// Config represents a single placement run
type Config struct {
	// Image settings
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	NoClone   bool   `json:"no-clone" yaml:"no-clone"`
	Overwrite bool   `json:"overwrite" yaml:"overwrite"`

	// Packages, installed in order
	Packages              []PackageConfig        `json:"packages" yaml:"packages"`
	ConfigurationPackages []ConfigurationPackage `json:"configuration-packages" yaml:"configuration-packages"`

	// Partitions (1-based) every package is installed to
	PartitionNumbers []int `json:"partition-numbers" yaml:"partition-numbers"`

	// Directory for image_placer.log, empty means stderr only
	LogPath string `json:"log-path" yaml:"log-path"`

	// Number of partitions staged concurrently
	ParallelPartitions int `json:"parallel-partitions,omitempty" yaml:"parallel-partitions,omitempty"`

	// Layout of configuration packages, see LayoutStripped
	ConfigurationLayout string `json:"configuration-layout,omitempty" yaml:"configuration-layout,omitempty"`

	// Where per-run scratch directories are created
	ScratchDir string `json:"scratch-dir,omitempty" yaml:"scratch-dir,omitempty"`

	// How the image is attached, see BackendLosetup
	LoopBackend string `json:"loop-backend,omitempty" yaml:"loop-backend,omitempty"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Packages:              []PackageConfig{},
		ConfigurationPackages: []ConfigurationPackage{},
		PartitionNumbers:      []int{},
		ParallelPartitions:    1,
		ConfigurationLayout:   LayoutStripped,
		LoopBackend:           BackendLosetup,
	}
}

// Load loads configuration from a JSON or YAML file. Unknown keys are
// rejected. Relative paths in the file are resolved against the file's
// directory.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, &ConfigError{Field: "config", Reason: fmt.Sprintf("failed to read config file: %v", err)}
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil {
			return nil, &ConfigError{Field: "config", Reason: fmt.Sprintf("failed to parse config file: %v", err)}
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil {
			return nil, &ConfigError{Field: "config", Reason: fmt.Sprintf("failed to parse config file: %v", err)}
		}
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	config.ResolvePaths(filepath.Dir(absPath))
	return config, nil
}

// Save writes the configuration to a JSON file
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Overrides carries command line values that take precedence over the file.
// Nil pointers and empty strings leave the file's value in place.
type Overrides struct {
	Source          string
	Target          string
	LogPath         string
	TargetDirectory string
	NoClone         *bool
	Overwrite       *bool
}

// Apply overlays command line values onto the configuration.
func (c *Config) Apply(o Overrides) {
	if o.Source != "" {
		c.Source = o.Source
	}
	if o.Target != "" {
		c.Target = o.Target
	}
	if o.LogPath != "" {
		c.LogPath = o.LogPath
	}
	if o.NoClone != nil {
		c.NoClone = *o.NoClone
	}
	if o.Overwrite != nil {
		c.Overwrite = *o.Overwrite
	}
	if o.TargetDirectory != "" {
		for i := range c.Packages {
			if c.Packages[i].TargetDirectory == "" {
				c.Packages[i].TargetDirectory = o.TargetDirectory
			}
		}
		for i := range c.ConfigurationPackages {
			if c.ConfigurationPackages[i].TargetDirectory == "" {
				c.ConfigurationPackages[i].TargetDirectory = o.TargetDirectory
			}
		}
	}
}

// ResolvePaths makes every relative host path absolute against baseDir.
func (c *Config) ResolvePaths(baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	c.Source = resolve(c.Source)
	c.Target = resolve(c.Target)
	c.LogPath = resolve(c.LogPath)
	c.ScratchDir = resolve(c.ScratchDir)
	for i := range c.Packages {
		c.Packages[i].PackagePath = resolve(c.Packages[i].PackagePath)
	}
	for i := range c.ConfigurationPackages {
		c.ConfigurationPackages[i].PackagePath = resolve(c.ConfigurationPackages[i].PackagePath)
	}
}

// ImagePath returns the image whose partition table describes the run:
// the source in clone mode, the target in no-clone mode.
func (c *Config) ImagePath() string {
	if c.NoClone {
		return c.Target
	}
	return c.Source
}

// PackageSpecs returns every package of the run in installation order:
// normal packages first, then configuration packages.
func (c *Config) PackageSpecs() []PackageSpec {
	specs := make([]PackageSpec, 0, len(c.Packages)+len(c.ConfigurationPackages))
	for _, p := range c.Packages {
		specs = append(specs, PackageSpec{
			Kind:              KindNormal,
			PackagePath:       p.PackagePath,
			TargetDirectory:   NormalizeImagePath(p.TargetDirectory),
			EnableServices:    p.EnableServices,
			ServiceNameSuffix: p.ServiceNameSuffix,
			OverwriteFiles:    normalizeAll(p.OverwriteFiles),
		})
	}
	for _, p := range c.ConfigurationPackages {
		specs = append(specs, PackageSpec{
			Kind:            KindConfiguration,
			PackagePath:     p.PackagePath,
			TargetDirectory: NormalizeImagePath(p.TargetDirectory),
			OverwriteFiles:  normalizeAll(p.OverwriteFiles),
		})
	}
	return specs
}

// NormalizeImagePath turns a path inside an image partition into its
// canonical rooted form: "a/b/" becomes "/a/b", "" becomes "/".
func NormalizeImagePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func normalizeAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, NormalizeImagePath(p))
	}
	return out
}
