package diskmanager

import (
	"context"
	"fmt"

	"github.com/jgarman/image-placer/internal/config"
	"github.com/sirupsen/logrus"
)

// Mounter attaches an image and mounts its partitions.
// Different implementations can use different methods (losetup, UDisks2, plain directories).
type Mounter interface {
	// Attach makes the image's partitions available for mounting
	Attach(ctx context.Context, imagePath string) error

	// Mount mounts partition n. mountDir is a private, empty directory the
	// implementation may use; the returned path is where the partition's
	// root actually is.
	Mount(ctx context.Context, n int, mountDir string) (string, error)

	// FreeSpace reports the bytes available on mounted partition n
	FreeSpace(n int) (uint64, error)

	// Unmount unmounts partition n; it is a no-op when n is not mounted
	Unmount(ctx context.Context, n int) error

	// Detach releases the image; it is a no-op when nothing is attached
	Detach(ctx context.Context) error
}

// NewMounter returns the Mounter for the configured backend.
func NewMounter(backend string, log logrus.FieldLogger) (Mounter, error) {
	switch backend {
	case config.BackendLosetup, "":
		return newLoopbackMounterPlatform(log)
	case config.BackendUDisks:
		return newUDisksMounterPlatform(log)
	default:
		return nil, fmt.Errorf("unknown loop backend %q", backend)
	}
}

// RequiredTools lists the host programs a backend runs.
func RequiredTools(backend string) []string {
	switch backend {
	case config.BackendLosetup, "":
		return []string{"losetup", "mount", "umount"}
	default:
		return nil
	}
}
