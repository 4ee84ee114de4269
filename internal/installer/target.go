package installer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jgarman/image-placer/internal/conflict"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDiskFull is returned when the partition runs out of space
	// despite the capacity check.
	ErrDiskFull = errors.New("disk full")
	// ErrNotDirectory is returned when a path the package needs as a
	// directory exists as something else.
	ErrNotDirectory = errors.New("not a directory")
)

const maxLinkHops = 40

// Target is one mounted partition. Paths are image paths ("/etc/x"); they
// are resolved below Root, following symbolic links the way the image
// would see them.
type Target struct {
	Root      string
	Partition int
	Tracker   *conflict.Tracker
	Log       logrus.FieldLogger
}

// WriteFile writes data to imagePath after claiming it.
func (t *Target) WriteFile(ctx context.Context, imagePath, owner string, allowed bool, data []byte, mode os.FileMode) error {
	return t.place(ctx, imagePath, owner, allowed, func(hostPath string) error {
		return writeFile(hostPath, bytes.NewReader(data), mode)
	})
}

// Symlink creates a link at imagePath after claiming it.
func (t *Target) Symlink(ctx context.Context, imagePath, owner string, allowed bool, target string) error {
	return t.place(ctx, imagePath, owner, allowed, func(hostPath string) error {
		return os.Symlink(target, hostPath)
	})
}

// CopyFile copies the host file src to imagePath after claiming it.
func (t *Target) CopyFile(ctx context.Context, imagePath, owner string, allowed bool, src string, mode os.FileMode) error {
	return t.place(ctx, imagePath, owner, allowed, func(hostPath string) error {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		return writeFile(hostPath, f, mode)
	})
}

// MkdirAll creates imagePath and its parents. Directories are shared
// between packages and are not claimed.
func (t *Target) MkdirAll(imagePath string, mode os.FileMode) error {
	hostPath, err := t.resolve(imagePath, true)
	if err != nil {
		return err
	}
	info, err := os.Stat(hostPath)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("partition %d: %s: %w", t.Partition, imagePath, ErrNotDirectory)
		}
		return nil
	}
	if err := os.MkdirAll(hostPath, mode); err != nil {
		return t.wrap(imagePath, err)
	}
	return nil
}

// HostPath returns the host path imagePath refers to, following the
// image's symbolic links.
func (t *Target) HostPath(imagePath string) (string, error) {
	return t.resolve(imagePath, true)
}

// place claims imagePath for owner and, when granted, replaces whatever is
// there with the output of write.
func (t *Target) place(ctx context.Context, imagePath, owner string, allowed bool, write func(hostPath string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.MkdirAll(path.Dir(imagePath), 0755); err != nil {
		return err
	}
	hostPath, err := t.resolve(imagePath, false)
	if err != nil {
		return err
	}

	info, statErr := os.Lstat(hostPath)
	existing := statErr == nil
	if existing && info.IsDir() {
		return fmt.Errorf("partition %d: cannot replace directory %s with a file", t.Partition, imagePath)
	}

	var previous string
	if existing {
		if previous = t.Tracker.Owner(t.Partition, imagePath); previous == "" {
			previous = conflict.ImageOwner
		}
	}

	claim := conflict.Claim{Partition: t.Partition, Path: imagePath, Owner: owner, Allowed: allowed, Existing: existing}
	if err := t.Tracker.Register(ctx, claim); err != nil {
		return err
	}

	if existing {
		t.Log.WithFields(logrus.Fields{
			"partition": t.Partition,
			"path":      imagePath,
			"package":   owner,
			"previous":  previous,
		}).Info("Replacing file")
		if err := os.Remove(hostPath); err != nil {
			return t.wrap(imagePath, err)
		}
	}
	if err := write(hostPath); err != nil {
		return t.wrap(imagePath, err)
	}
	return nil
}

func (t *Target) wrap(imagePath string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("partition %d: %s: %w", t.Partition, imagePath, ErrDiskFull)
	}
	return fmt.Errorf("partition %d: %s: %w", t.Partition, imagePath, err)
}

// resolve maps an image path to a host path below Root. Symbolic links in
// the parent components are followed inside the image; absolute link
// targets are taken relative to Root. The last component is followed only
// when followLast is set.
func (t *Target) resolve(imagePath string, followLast bool) (string, error) {
	parts := strings.Split(strings.Trim(path.Clean("/"+imagePath), "/"), "/")
	resolved := "/"
	hops := 0

	for i := 0; i < len(parts); i++ {
		part := parts[i]
		if part == "" || part == "." {
			continue
		}
		if part == ".." {
			resolved = path.Dir(resolved)
			continue
		}

		next := path.Join(resolved, part)
		last := i == len(parts)-1
		if last && !followLast {
			resolved = next
			break
		}

		info, err := os.Lstat(t.host(next))
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > maxLinkHops {
			return "", fmt.Errorf("partition %d: %s: too many levels of symbolic links", t.Partition, imagePath)
		}
		link, err := os.Readlink(t.host(next))
		if err != nil {
			return "", t.wrap(imagePath, err)
		}
		if !path.IsAbs(link) {
			link = path.Join(resolved, link)
		}
		rest := append(strings.Split(strings.Trim(path.Clean(link), "/"), "/"), parts[i+1:]...)
		parts, i, resolved = rest, -1, "/"
	}
	return t.host(resolved), nil
}

func (t *Target) host(imagePath string) string {
	return filepath.Join(t.Root, filepath.FromSlash(imagePath))
}

func writeFile(hostPath string, r io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(hostPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode.Perm())
	if err != nil {
		return err
	}

	w := bufio.NewWriterSize(f, 1024*1024)
	_, err = io.Copy(w, r)
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	// the umask may have narrowed the requested mode
	return os.Chmod(hostPath, mode.Perm())
}
