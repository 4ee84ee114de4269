// Package archive reads package archives and unpacks them into scratch
// directories.
//
// Inspect only reads the zip central directory, which is enough to size a
// package and validate its entry names before anything is written. Extract
// unpacks an archive into a directory, recreating symbolic links as links.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	// ErrUnsafePath is returned for entries that would land outside the
	// extraction directory.
	ErrUnsafePath = errors.New("entry escapes extraction directory")
	// ErrEmptyArchive is returned for archives without any entry.
	ErrEmptyArchive = errors.New("archive is empty")
)

// ExtractionError reports a corrupt or unreadable archive.
type ExtractionError struct {
	Archive string
	Entry   string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("archive %s: %v", e.Archive, e.Err)
	}
	return fmt.Sprintf("archive %s: entry %s: %v", e.Archive, e.Entry, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Entry is one member of an archive
type Entry struct {
	// Slash separated path relative to the archive root, no leading slash
	Name      string
	Size      uint64
	Mode      os.FileMode
	IsDir     bool
	IsSymlink bool
}

// Archive is the central directory of a zip package
type Archive struct {
	Path      string
	Entries   []Entry
	TotalSize uint64
}

// Inspect reads the archive's central directory. Entry names are validated
// here so that later stages can trust them.
func Inspect(archivePath string) (*Archive, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &ExtractionError{Archive: archivePath, Err: fmt.Errorf("failed to open zip file: %w", err)}
	}
	defer reader.Close()

	a := &Archive{Path: archivePath}
	for _, f := range reader.File {
		name, err := cleanName(f.Name)
		if err != nil {
			return nil, &ExtractionError{Archive: archivePath, Entry: f.Name, Err: err}
		}
		if name == "" {
			continue
		}
		mode := f.Mode()
		entry := Entry{
			Name:      name,
			Size:      f.UncompressedSize64,
			Mode:      mode,
			IsDir:     mode.IsDir(),
			IsSymlink: mode&os.ModeSymlink != 0,
		}
		a.Entries = append(a.Entries, entry)
		a.TotalSize += f.UncompressedSize64
	}

	if len(a.Entries) == 0 {
		return nil, &ExtractionError{Archive: archivePath, Err: ErrEmptyArchive}
	}
	return a, nil
}

// TopLevel returns the archive's wrapping directory when every entry lives
// below one single top-level directory.
func (a *Archive) TopLevel() (string, bool) {
	top := ""
	for _, e := range a.Entries {
		first, _, nested := strings.Cut(e.Name, "/")
		if !nested && !e.IsDir {
			return "", false
		}
		if top == "" {
			top = first
		} else if top != first {
			return "", false
		}
	}
	return top, top != ""
}

// Files returns the non-directory entries in archive order.
func (a *Archive) Files() []Entry {
	var files []Entry
	for _, e := range a.Entries {
		if !e.IsDir {
			files = append(files, e)
		}
	}
	return files
}

// Extract unpacks the archive into destDir, which is created if needed.
// Entries are written in archive order; symbolic links are recreated as
// links and never followed while writing.
func Extract(ctx context.Context, archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return &ExtractionError{Archive: archivePath, Err: fmt.Errorf("failed to open zip file: %w", err)}
	}
	defer reader.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	for _, f := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		name, err := cleanName(f.Name)
		if err != nil {
			return &ExtractionError{Archive: archivePath, Entry: f.Name, Err: err}
		}
		if name == "" {
			continue
		}
		if err := ensureNoLinkParents(destDir, name); err != nil {
			return &ExtractionError{Archive: archivePath, Entry: f.Name, Err: err}
		}

		if err := extractEntry(f, filepath.Join(destDir, filepath.FromSlash(name))); err != nil {
			return &ExtractionError{Archive: archivePath, Entry: f.Name, Err: err}
		}
	}
	return nil
}

func extractEntry(f *zip.File, destPath string) error {
	mode := f.Mode()

	if mode.IsDir() {
		return os.MkdirAll(destPath, dirPerm(mode))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("unable to open entry: %w", err)
	}
	defer src.Close()

	if mode&os.ModeSymlink != 0 {
		target, err := io.ReadAll(src)
		if err != nil {
			return fmt.Errorf("unable to read link target: %w", err)
		}
		return os.Symlink(string(target), destPath)
	}

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, filePerm(mode))
	if err != nil {
		return fmt.Errorf("unable to create file: %w", err)
	}

	written, err := io.Copy(dest, src)
	if closeErr := dest.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("unable to decompress: %w", err)
	}
	if uint64(written) != f.UncompressedSize64 {
		return fmt.Errorf("short read: got %d of %d bytes", written, f.UncompressedSize64)
	}

	if !f.Modified.IsZero() {
		_ = os.Chtimes(destPath, f.Modified, f.Modified)
	}
	return nil
}

// cleanName normalises an entry name and rejects names that would escape
// the extraction root.
func cleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", ErrUnsafePath
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrUnsafePath
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// ensureNoLinkParents rejects entries whose parent directory is a symbolic
// link created by an earlier entry.
func ensureNoLinkParents(root, name string) error {
	current := root
	parts := strings.Split(name, "/")
	for _, part := range parts[:len(parts)-1] {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return ErrUnsafePath
		}
	}
	return nil
}

func filePerm(mode os.FileMode) os.FileMode {
	if perm := mode.Perm(); perm != 0 {
		return perm
	}
	return 0644
}

func dirPerm(mode os.FileMode) os.FileMode {
	if perm := mode.Perm(); perm != 0 {
		return perm | 0700
	}
	return 0755
}
