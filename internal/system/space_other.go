//go:build !linux && !darwin && !freebsd

package system

import "errors"

// FreeSpace is not available on this platform
func FreeSpace(dir string) (uint64, error) {
	return 0, errors.New("free space queries are not supported on this platform")
}

// IsRoot always returns false on this platform
func IsRoot() bool {
	return false
}
