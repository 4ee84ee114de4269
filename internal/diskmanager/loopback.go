package diskmanager

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jgarman/image-placer/internal/system"
	"github.com/sirupsen/logrus"
)

// CommandRunner runs an external program and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// LoopbackMounter attaches the image with losetup and mounts its partitions
// with mount(8)
type LoopbackMounter struct {
	// Run executes external commands; tests replace it
	Run CommandRunner
	// Unmount attempts after the first failure, with linear backoff
	UnmountRetries int
	UnmountBackoff time.Duration

	log logrus.FieldLogger

	mu     sync.Mutex
	device string
	mounts map[int]string
}

// NewLoopbackMounter creates a losetup based mounter
func NewLoopbackMounter(log logrus.FieldLogger) *LoopbackMounter {
	return &LoopbackMounter{
		Run:            execRunner,
		UnmountRetries: 5,
		UnmountBackoff: 200 * time.Millisecond,
		log:            log,
		mounts:         make(map[int]string),
	}
}

// Attach sets up a loop device with partition scanning for the image
func (m *LoopbackMounter) Attach(ctx context.Context, imagePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != "" {
		return &ImageIOError{Op: "attach", Path: imagePath, Err: fmt.Errorf("already attached to %s", m.device)}
	}

	output, err := m.Run(ctx, "losetup", "--show", "--find", "--partscan", imagePath)
	if err != nil {
		return &ImageIOError{Op: "attach", Path: imagePath, Err: fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(output)))}
	}

	device := strings.TrimSpace(string(output))
	if device == "" {
		return &ImageIOError{Op: "attach", Path: imagePath, Err: fmt.Errorf("losetup returned no device")}
	}
	m.device = device
	m.log.WithFields(logrus.Fields{"image": imagePath, "device": device}).Info("Attached image")
	return nil
}

// PartitionDevice returns the block device of partition n
func (m *LoopbackMounter) PartitionDevice(n int) string {
	return fmt.Sprintf("%sp%d", m.device, n)
}

// Mount mounts partition n on mountDir
func (m *LoopbackMounter) Mount(ctx context.Context, n int, mountDir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == "" {
		return "", &ImageIOError{Op: "mount", Path: mountDir, Err: ErrNotAttached}
	}

	device := m.PartitionDevice(n)
	if output, err := m.Run(ctx, "mount", device, mountDir); err != nil {
		return "", &ImageIOError{Op: "mount", Path: device, Err: fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(output)))}
	}

	m.mounts[n] = mountDir
	m.log.WithFields(logrus.Fields{"partition": n, "device": device, "mount": mountDir}).Info("Mounted partition")
	return mountDir, nil
}

// FreeSpace reports the space available on mounted partition n
func (m *LoopbackMounter) FreeSpace(n int) (uint64, error) {
	m.mu.Lock()
	dir, ok := m.mounts[n]
	m.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("partition %d: %w", n, ErrPartitionNotFound)
	}
	return system.FreeSpace(dir)
}

// Unmount unmounts partition n, retrying while the mount is busy
func (m *LoopbackMounter) Unmount(ctx context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.mounts[n]
	if !ok {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= m.UnmountRetries; attempt++ {
		if attempt > 0 {
			m.log.WithFields(logrus.Fields{"partition": n, "attempt": attempt}).Warnf("Unmount failed, retrying: %v", lastErr)
			select {
			case <-time.After(time.Duration(attempt) * m.UnmountBackoff):
			case <-ctx.Done():
				return &ImageIOError{Op: "unmount", Path: dir, Err: ctx.Err()}
			}
		}

		output, err := m.Run(ctx, "umount", dir)
		if err == nil {
			delete(m.mounts, n)
			m.log.WithField("partition", n).Info("Unmounted partition")
			return nil
		}
		lastErr = fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return &ImageIOError{Op: "unmount", Path: dir, Err: lastErr}
}

// Detach releases the loop device
func (m *LoopbackMounter) Detach(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == "" {
		return nil
	}
	if len(m.mounts) > 0 {
		return &ImageIOError{Op: "detach", Path: m.device, Err: fmt.Errorf("%d partitions still mounted", len(m.mounts))}
	}

	if output, err := m.Run(ctx, "losetup", "--detach", m.device); err != nil {
		return &ImageIOError{Op: "detach", Path: m.device, Err: fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(output)))}
	}
	m.log.WithField("device", m.device).Info("Detached image")
	m.device = ""
	return nil
}
