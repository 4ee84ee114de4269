//go:build linux

package diskmanager

import (
	"os"
	"syscall"

	"github.com/jgarman/image-placer/internal/system"
	"golang.org/x/sys/unix"
)

// cloneContents shares src's extents with dst where the filesystem supports
// reflinks and falls back to a byte copy elsewhere.
func cloneContents(dst, src *os.File) error {
	if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err == nil {
		return dst.Sync()
	}
	return copyContents(dst, src)
}

// copyOwner gives dst the owner of src. Only root can change ownership;
// other users keep their own.
func copyOwner(dst string, src os.FileInfo) error {
	st, ok := src.Sys().(*syscall.Stat_t)
	if !ok || !system.IsRoot() {
		return nil
	}
	return unix.Chown(dst, int(st.Uid), int(st.Gid))
}
