// Package service validates the service unit carried by a package, adapts
// it to the package's installed location and enables it in the image.
package service

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

const (
	// UnitSuffix marks service unit files inside a package.
	UnitSuffix = ".service"
	// SystemUnitDir is where units are installed on the image.
	SystemUnitDir = "/etc/systemd/system"
	// AutostartTarget is the only install target supported.
	AutostartTarget = "multi-user.target"
	// ServiceType is the only service type supported.
	ServiceType = "simple"
)

// RequiredFields must be present in every unit.
var RequiredFields = []string{"ExecStart", "Type", "User", "RestartSec", "WorkingDirectory", "WantedBy"}

// Unit is a parsed unit file. Option order is kept so that serialising an
// unchanged unit reproduces its structure.
type Unit struct {
	Name    string
	Options []*unit.UnitOption
}

// ParseUnit reads a unit file.
func ParseUnit(name string, r io.Reader) (*Unit, error) {
	opts, err := unit.DeserializeOptions(r)
	if err != nil {
		return nil, &UnitError{Unit: name, Reason: fmt.Sprintf("unable to parse: %v", err)}
	}
	return &Unit{Name: name, Options: opts}, nil
}

// Get returns the last value of the named option in any section.
func (u *Unit) Get(name string) (string, bool) {
	value, found := "", false
	for _, opt := range u.Options {
		if opt.Name == name {
			value, found = opt.Value, true
		}
	}
	return value, found
}

// GetAll returns every value of the named option in file order.
func (u *Unit) GetAll(name string) []string {
	var values []string
	for _, opt := range u.Options {
		if opt.Name == name {
			values = append(values, opt.Value)
		}
	}
	return values
}

// Set replaces the value of every occurrence of the named option.
func (u *Unit) Set(name, value string) {
	for _, opt := range u.Options {
		if opt.Name == name {
			opt.Value = value
		}
	}
}

// Validate checks required fields and supported values.
func (u *Unit) Validate() error {
	var missing []string
	for _, field := range RequiredFields {
		if _, ok := u.Get(field); !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &UnitError{Unit: u.Name, Missing: missing}
	}

	if v, _ := u.Get("Type"); v != ServiceType {
		return &UnitError{Unit: u.Name, Reason: fmt.Sprintf("only Type=%s is supported, got %q", ServiceType, v)}
	}
	if v, _ := u.Get("WantedBy"); v != AutostartTarget {
		return &UnitError{Unit: u.Name, Reason: fmt.Sprintf("only WantedBy=%s is supported, got %q", AutostartTarget, v)}
	}
	if v, _ := u.Get("ExecStart"); len(splitQuoted(v)) == 0 {
		return &UnitError{Unit: u.Name, Reason: "ExecStart is empty"}
	}
	return nil
}

// Requires returns the units listed in Requires= options.
func (u *Unit) Requires() []string {
	var required []string
	for _, v := range u.GetAll("Requires") {
		for _, name := range splitQuoted(v) {
			required = append(required, strings.Trim(name, `'"`))
		}
	}
	return required
}

// Bytes serialises the unit.
func (u *Unit) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, unit.Serialize(u.Options)); err != nil {
		return nil, fmt.Errorf("failed to serialise unit %s: %w", u.Name, err)
	}
	return buf.Bytes(), nil
}

// Layout locates an extracted package on the host and on the image.
type Layout struct {
	// Host directory holding the extracted archive
	ScratchRoot string
	// Archive-relative path of the unit file
	UnitPath string
	// Archive-relative directory the executable search may not leave;
	// empty for the whole archive
	PackageDir string
	// Image directory the archive root is installed at
	ImageRoot string
}

// Rewrite points WorkingDirectory and the ExecStart executable at the
// package's installed location. The executable, taken relative to the
// unit's original working directory, is searched from the unit's
// directory downward, then in each parent up to the package directory.
func (u *Unit) Rewrite(l Layout) error {
	workingDir, _ := u.Get("WorkingDirectory")
	execStart, _ := u.Get("ExecStart")

	fields := splitQuoted(execStart)
	if len(fields) == 0 {
		return &UnitError{Unit: u.Name, Reason: "ExecStart is empty"}
	}
	exe := strings.Trim(fields[0], `'"`)
	prefix := exe[:len(exe)-len(strings.TrimLeft(exe, "-@+!:"))]
	exe = exe[len(prefix):]

	rel := exe
	if wd := path.Clean(workingDir); wd != "." && strings.HasPrefix(exe, wd+"/") {
		rel = strings.TrimPrefix(exe, wd+"/")
	}
	rel = strings.TrimLeft(strings.TrimPrefix(rel, "./"), "/")
	if rel == "" {
		return &UnitError{Unit: u.Name, Reason: fmt.Sprintf("cannot derive executable from ExecStart %q", execStart)}
	}

	dir, err := findExecutable(l.ScratchRoot, archiveDir(path.Dir(l.UnitPath)), rel, archiveDir(l.PackageDir))
	if err != nil {
		return &UnitError{Unit: u.Name, Reason: err.Error()}
	}

	newWorkDir := path.Join(l.ImageRoot, dir)
	if !strings.HasSuffix(newWorkDir, "/") {
		newWorkDir += "/"
	}

	command := []string{prefix + path.Join(newWorkDir, rel)}
	for _, arg := range fields[1:] {
		if strings.HasPrefix(workingDir, "/") && strings.HasPrefix(arg, workingDir) {
			arg = newWorkDir + strings.TrimLeft(strings.TrimPrefix(arg, workingDir), "/")
		}
		command = append(command, arg)
	}

	u.Set("ExecStart", strings.Join(command, " "))
	u.Set("WorkingDirectory", newWorkDir)
	return nil
}

// findExecutable returns the archive-relative directory below which rel
// exists.
func findExecutable(root, start, rel, boundary string) (string, error) {
	exists := func(dir string) bool {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(dir), filepath.FromSlash(rel)))
		return err == nil && !info.IsDir()
	}

	var down func(dir string) (string, bool)
	down = func(dir string) (string, bool) {
		if exists(dir) {
			return dir, true
		}
		entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(dir)))
		if err != nil {
			return "", false
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if found, ok := down(path.Join(dir, e.Name())); ok {
				return found, true
			}
		}
		return "", false
	}

	if found, ok := down(start); ok {
		return found, nil
	}
	for dir := start; within(dir, boundary) && dir != boundary; {
		dir = archiveDir(path.Dir(dir))
		if !within(dir, boundary) {
			break
		}
		if exists(dir) {
			return dir, nil
		}
	}
	return "", fmt.Errorf("executable %s not found in package directory /%s", rel, boundary)
}

func within(dir, boundary string) bool {
	return boundary == "" || dir == boundary || strings.HasPrefix(dir, boundary+"/")
}

func archiveDir(dir string) string {
	if dir == "." || dir == "/" {
		return ""
	}
	return strings.TrimPrefix(dir, "/")
}

// splitQuoted splits s on spaces, keeping quoted substrings together.
func splitQuoted(s string) []string {
	var (
		fields  []string
		current strings.Builder
		quote   rune
	)
	flush := func() {
		if current.Len() > 0 {
			fields = append(fields, current.String())
			current.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			current.WriteRune(r)
		case r == ' ' || r == '\t':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return fields
}
