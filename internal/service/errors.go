package service

import (
	"fmt"
	"strings"
)

// ServiceCountError is returned when a package with services enabled does
// not carry exactly one unit file.
type ServiceCountError struct {
	Package string
	Found   []string
}

func (e *ServiceCountError) Error() string {
	if len(e.Found) == 0 {
		return fmt.Sprintf("package %s has enable-services set but contains no %s file", e.Package, UnitSuffix)
	}
	return fmt.Sprintf("package %s must contain exactly one %s file, found %d: %s",
		e.Package, UnitSuffix, len(e.Found), strings.Join(e.Found, ", "))
}

// InvalidServiceNameError reports a service name suffix that would produce
// an invalid unit name.
type InvalidServiceNameError struct {
	Suffix string
	Reason string
}

func (e *InvalidServiceNameError) Error() string {
	return fmt.Sprintf("invalid service-name-suffix %q: %s", e.Suffix, e.Reason)
}

// UnitError reports a unit file that is missing required keys or uses
// unsupported values.
type UnitError struct {
	Unit    string
	Missing []string
	Reason  string
}

func (e *UnitError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("service unit %s: missing required fields: %s", e.Unit, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("service unit %s: %s", e.Unit, e.Reason)
}

// RequirementError reports a Requires= dependency that is not enabled in
// the image.
type RequirementError struct {
	Unit        string
	Requirement string
}

func (e *RequirementError) Error() string {
	return fmt.Sprintf("service unit %s requires %s, which is not enabled in the image", e.Unit, e.Requirement)
}
