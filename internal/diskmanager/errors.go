package diskmanager

import (
	"errors"
	"fmt"
)

var (
	ErrTargetExists      = errors.New("target already exists and overwrite is not set")
	ErrSessionState      = errors.New("operation not allowed in current session state")
	ErrPartitionNotFound = errors.New("partition not found")
	ErrNotAttached       = errors.New("image not attached")
)

// ImageIOError reports a failure to read, copy, attach, mount or unmount an
// image.
type ImageIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *ImageIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ImageIOError) Unwrap() error {
	return e.Err
}
