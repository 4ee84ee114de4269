package diskmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/jgarman/image-placer/internal/system"
)

// DirMounter is a Mounter backed by plain directories, one per partition.
// It never touches the image and is used for testing and dry runs.
type DirMounter struct {
	// Partition number to directory standing in for its root
	Dirs map[int]string
	// Optional free space override per partition
	Free map[int]uint64
	// Error returned by Mount, if set
	MountErr error

	mu       sync.Mutex
	attached string
	mounted  map[int]bool

	// Call counters
	Attaches  int
	Mounts    int
	Unmounts  int
	Detaches  int
	LastImage string
}

// NewDirMounter creates a directory backed mounter
func NewDirMounter(dirs map[int]string) *DirMounter {
	return &DirMounter{Dirs: dirs, mounted: make(map[int]bool)}
}

// Attach records the image
func (m *DirMounter) Attach(ctx context.Context, imagePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = imagePath
	m.LastImage = imagePath
	m.Attaches++
	return nil
}

// Mount returns the directory configured for partition n
func (m *DirMounter) Mount(ctx context.Context, n int, mountDir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attached == "" {
		return "", &ImageIOError{Op: "mount", Path: mountDir, Err: ErrNotAttached}
	}
	if m.MountErr != nil {
		return "", &ImageIOError{Op: "mount", Path: m.attached, Err: m.MountErr}
	}
	dir, ok := m.Dirs[n]
	if !ok {
		return "", &ImageIOError{Op: "mount", Path: m.attached, Err: fmt.Errorf("%w: %d", ErrPartitionNotFound, n)}
	}
	m.mounted[n] = true
	m.Mounts++
	return dir, nil
}

// FreeSpace returns the override for n, or the free space of its directory
func (m *DirMounter) FreeSpace(n int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if free, ok := m.Free[n]; ok {
		return free, nil
	}
	dir, ok := m.Dirs[n]
	if !ok || !m.mounted[n] {
		return 0, fmt.Errorf("partition %d: %w", n, ErrPartitionNotFound)
	}
	return system.FreeSpace(dir)
}

// Unmount marks partition n unmounted
func (m *DirMounter) Unmount(ctx context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted[n] {
		delete(m.mounted, n)
		m.Unmounts++
	}
	return nil
}

// Detach forgets the image
func (m *DirMounter) Detach(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached != "" {
		m.attached = ""
		m.Detaches++
	}
	return nil
}

// Mounted returns the number of partitions currently mounted
func (m *DirMounter) Mounted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mounted)
}
