//go:build linux

package diskmanager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/jgarman/image-placer/internal/system"
	"github.com/sirupsen/logrus"
)

const (
	udisksService      = "org.freedesktop.UDisks2"
	udisksRoot         = dbus.ObjectPath("/org/freedesktop/UDisks2")
	udisksManager      = dbus.ObjectPath("/org/freedesktop/UDisks2/Manager")
	udisksPartitionIf  = "org.freedesktop.UDisks2.Partition"
	udisksFilesystemIf = "org.freedesktop.UDisks2.Filesystem"
)

// UDisksMounter attaches and mounts through UDisks2 over the system bus,
// which works without root when polkit allows it. UDisks chooses the mount
// points itself.
type UDisksMounter struct {
	conn *dbus.Conn
	log  logrus.FieldLogger

	mu     sync.Mutex
	image  *os.File
	loop   dbus.ObjectPath
	mounts map[int]udisksMount
}

type udisksMount struct {
	object dbus.ObjectPath
	path   string
}

// NewUDisksMounter connects to the system bus
func NewUDisksMounter(log logrus.FieldLogger) (*UDisksMounter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &UDisksMounter{conn: conn, log: log, mounts: make(map[int]udisksMount)}, nil
}

func noOptions() map[string]dbus.Variant {
	return map[string]dbus.Variant{}
}

// Attach hands the image to UDisks as a loop device
func (m *UDisksMounter) Attach(ctx context.Context, imagePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loop != "" {
		return &ImageIOError{Op: "attach", Path: imagePath, Err: fmt.Errorf("already attached to %s", m.loop)}
	}

	f, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return &ImageIOError{Op: "attach", Path: imagePath, Err: err}
	}

	var loop dbus.ObjectPath
	manager := m.conn.Object(udisksService, udisksManager)
	err = manager.CallWithContext(ctx, "org.freedesktop.UDisks2.Manager.LoopSetup", 0,
		dbus.UnixFD(f.Fd()), noOptions()).Store(&loop)
	if err != nil {
		f.Close()
		return &ImageIOError{Op: "attach", Path: imagePath, Err: fmt.Errorf("LoopSetup failed: %w", err)}
	}

	m.image = f
	m.loop = loop
	m.log.WithFields(logrus.Fields{"image": imagePath, "device": loop}).Info("Attached image")
	return nil
}

// findPartition waits for UDisks to publish partition n of the loop device
func (m *UDisksMounter) findPartition(ctx context.Context, n int) (dbus.ObjectPath, error) {
	root := m.conn.Object(udisksService, udisksRoot)
	for attempt := 0; attempt < 10; attempt++ {
		var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
		err := root.CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects)
		if err != nil {
			return "", fmt.Errorf("failed to list block devices: %w", err)
		}

		for path, ifaces := range objects {
			part, ok := ifaces[udisksPartitionIf]
			if !ok {
				continue
			}
			if _, ok := ifaces[udisksFilesystemIf]; !ok {
				continue
			}
			table, _ := part["Table"].Value().(dbus.ObjectPath)
			number, _ := part["Number"].Value().(uint32)
			if table == m.loop && int(number) == n {
				return path, nil
			}
		}

		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("partition %d: %w", n, ErrPartitionNotFound)
}

// Mount asks UDisks to mount partition n; mountDir is not used
func (m *UDisksMounter) Mount(ctx context.Context, n int, mountDir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loop == "" {
		return "", &ImageIOError{Op: "mount", Path: mountDir, Err: ErrNotAttached}
	}

	object, err := m.findPartition(ctx, n)
	if err != nil {
		return "", &ImageIOError{Op: "mount", Path: string(m.loop), Err: err}
	}

	var mountPath string
	fs := m.conn.Object(udisksService, object)
	if err := fs.CallWithContext(ctx, udisksFilesystemIf+".Mount", 0, noOptions()).Store(&mountPath); err != nil {
		return "", &ImageIOError{Op: "mount", Path: string(object), Err: err}
	}

	m.mounts[n] = udisksMount{object: object, path: mountPath}
	m.log.WithFields(logrus.Fields{"partition": n, "device": object, "mount": mountPath}).Info("Mounted partition")
	return mountPath, nil
}

// FreeSpace reports the space available on mounted partition n
func (m *UDisksMounter) FreeSpace(n int) (uint64, error) {
	m.mu.Lock()
	mnt, ok := m.mounts[n]
	m.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("partition %d: %w", n, ErrPartitionNotFound)
	}
	return system.FreeSpace(mnt.path)
}

// Unmount unmounts partition n, retrying while the filesystem is busy
func (m *UDisksMounter) Unmount(ctx context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mnt, ok := m.mounts[n]
	if !ok {
		return nil
	}

	fs := m.conn.Object(udisksService, mnt.object)
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			case <-ctx.Done():
				return &ImageIOError{Op: "unmount", Path: mnt.path, Err: ctx.Err()}
			}
		}
		if err = fs.CallWithContext(ctx, udisksFilesystemIf+".Unmount", 0, noOptions()).Store(); err == nil {
			delete(m.mounts, n)
			m.log.WithField("partition", n).Info("Unmounted partition")
			return nil
		}
	}
	return &ImageIOError{Op: "unmount", Path: mnt.path, Err: err}
}

// Detach deletes the loop device and closes the bus connection
func (m *UDisksMounter) Detach(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loop == "" {
		return nil
	}
	if len(m.mounts) > 0 {
		return &ImageIOError{Op: "detach", Path: string(m.loop), Err: fmt.Errorf("%d partitions still mounted", len(m.mounts))}
	}

	loop := m.conn.Object(udisksService, m.loop)
	if err := loop.CallWithContext(ctx, "org.freedesktop.UDisks2.Loop.Delete", 0, noOptions()).Store(); err != nil {
		return &ImageIOError{Op: "detach", Path: string(m.loop), Err: err}
	}
	m.log.WithField("device", m.loop).Info("Detached image")

	m.loop = ""
	m.image.Close()
	m.image = nil
	return m.conn.Close()
}
