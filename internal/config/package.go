package config

import "slices"

// PackageKind distinguishes how an archive is laid out on the partition.
type PackageKind int

const (
	// KindNormal packages land in <target-directory>/<archive top dir>/.
	KindNormal PackageKind = iota
	// KindConfiguration packages are merged into <target-directory>/.
	KindConfiguration
)

func (k PackageKind) String() string {
	switch k {
	case KindNormal:
		return "package"
	case KindConfiguration:
		return "configuration package"
	default:
		return "unknown"
	}
}

// PackageSpec is the resolved, read-only description of one package.
// Image paths (TargetDirectory, OverwriteFiles) are rooted and cleaned.
type PackageSpec struct {
	Kind              PackageKind
	PackagePath       string
	TargetDirectory   string
	EnableServices    bool
	ServiceNameSuffix string

	// Paths relative to TargetDirectory that this package may replace
	OverwriteFiles []string
}

// MayOverwrite reports whether rel (rooted at TargetDirectory) is on the
// package's allow-list.
func (p PackageSpec) MayOverwrite(rel string) bool {
	return slices.Contains(p.OverwriteFiles, NormalizeImagePath(rel))
}
