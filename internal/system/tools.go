package system

import (
	"fmt"
	"os/exec"
	"strings"
)

// MissingToolsError lists host programs that could not be found in PATH
type MissingToolsError struct {
	Tools []string
}

func (e *MissingToolsError) Error() string {
	return fmt.Sprintf("required tools not found in PATH: %s", strings.Join(e.Tools, ", "))
}

// CheckTools verifies that every named program is in PATH
func CheckTools(tools ...string) error {
	var missing []string
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return &MissingToolsError{Tools: missing}
	}
	return nil
}
