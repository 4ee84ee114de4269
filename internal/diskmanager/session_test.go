package diskmanager

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

type sessionFixture struct {
	dir     string
	source  string
	target  string
	mounter *DirMounter
	roots   map[int]string
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	dir := t.TempDir()
	f := &sessionFixture{
		dir:    dir,
		source: filepath.Join(dir, "source.img"),
		target: filepath.Join(dir, "out", "target.img"),
		roots:  map[int]string{1: filepath.Join(dir, "p1"), 2: filepath.Join(dir, "p2")},
	}
	if err := os.WriteFile(f.source, []byte("source image bytes"), 0644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.target), 0755); err != nil {
		t.Fatalf("Failed to create target dir: %v", err)
	}
	for _, r := range f.roots {
		if err := os.MkdirAll(r, 0755); err != nil {
			t.Fatalf("Failed to create partition dir: %v", err)
		}
	}
	f.mounter = NewDirMounter(f.roots)
	return f
}

func (f *sessionFixture) session(t *testing.T, noClone, overwrite bool) *Session {
	log, _ := test.NewNullLogger()
	return NewSession(Options{
		Source:     f.source,
		Target:     f.target,
		NoClone:    noClone,
		Overwrite:  overwrite,
		Partitions: []int{1, 2},
		MountRoot:  filepath.Join(f.dir, "mnt"),
	}, f.mounter, log)
}

func readFile(t *testing.T, p string) []byte {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", p, err)
	}
	return data
}

// TestSessionCommit walks the whole lifecycle in clone mode
func TestSessionCommit(t *testing.T) {
	f := newSessionFixture(t)
	s := f.session(t, false, false)
	defer s.Close()
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	work := s.WorkingImage()
	if filepath.Dir(work) != filepath.Dir(f.target) {
		t.Errorf("Working copy %s is not next to the target", work)
	}
	if _, err := os.Stat(f.target); !os.IsNotExist(err) {
		t.Errorf("Target must not exist before commit")
	}

	roots, err := s.MountAll(ctx)
	if err != nil {
		t.Fatalf("MountAll failed: %v", err)
	}
	if roots[2] != f.roots[2] {
		t.Errorf("Expected root %s for partition 2, got %s", f.roots[2], roots[2])
	}
	if f.mounter.LastImage != work {
		t.Errorf("Mounter attached %s, expected the working copy %s", f.mounter.LastImage, work)
	}

	free, err := s.FreeSpace()
	if err != nil {
		t.Fatalf("FreeSpace failed: %v", err)
	}
	if len(free) != 2 {
		t.Errorf("Expected free space for 2 partitions, got %d", len(free))
	}

	if err := s.MarkStaged(); err != nil {
		t.Fatalf("MarkStaged failed: %v", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if s.State() != StateCommitted {
		t.Errorf("Expected state committed, got %s", s.State())
	}
	if !bytes.Equal(readFile(t, f.target), []byte("source image bytes")) {
		t.Error("Target content does not match source")
	}
	if _, err := os.Stat(work); !os.IsNotExist(err) {
		t.Error("Working copy still exists after commit")
	}
	if f.mounter.Mounted() != 0 || f.mounter.Detaches != 1 {
		t.Errorf("Expected everything released, mounted=%d detaches=%d", f.mounter.Mounted(), f.mounter.Detaches)
	}

	// Close after commit must not undo anything
	if err := s.Close(); err != nil {
		t.Fatalf("Close after commit failed: %v", err)
	}
	if _, err := os.Stat(f.target); err != nil {
		t.Errorf("Target vanished after Close: %v", err)
	}
}

func TestSessionDiscardClone(t *testing.T) {
	f := newSessionFixture(t)
	s := f.session(t, false, false)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	work := s.WorkingImage()
	if _, err := s.MountAll(ctx); err != nil {
		t.Fatalf("MountAll failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}

	if s.State() != StateDiscarded {
		t.Errorf("Expected state discarded, got %s", s.State())
	}
	if _, err := os.Stat(work); !os.IsNotExist(err) {
		t.Error("Working copy not removed")
	}
	if _, err := os.Stat(f.target); !os.IsNotExist(err) {
		t.Error("Target created by a discarded session")
	}
	if f.mounter.Unmounts != 2 || f.mounter.Detaches != 1 {
		t.Errorf("Expected 2 unmounts and 1 detach, got %d and %d", f.mounter.Unmounts, f.mounter.Detaches)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "mnt", "partition-1")); !os.IsNotExist(err) {
		t.Error("Mount point not removed")
	}
}

func TestSessionTargetExists(t *testing.T) {
	f := newSessionFixture(t)
	if err := os.WriteFile(f.target, []byte("previous"), 0644); err != nil {
		t.Fatal(err)
	}

	s := f.session(t, false, false)
	defer s.Close()
	err := s.Acquire(context.Background())
	if !errors.Is(err, ErrTargetExists) {
		t.Fatalf("Expected ErrTargetExists, got %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("Refused acquire must stay idle, got %s", s.State())
	}

	entries, _ := os.ReadDir(filepath.Dir(f.target))
	if len(entries) != 1 {
		t.Errorf("Expected no working copy next to the target, found %d entries", len(entries))
	}
}

func TestSessionOverwrite(t *testing.T) {
	f := newSessionFixture(t)
	if err := os.WriteFile(f.target, []byte("previous"), 0644); err != nil {
		t.Fatal(err)
	}
	s := f.session(t, false, true)
	defer s.Close()
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := s.MountAll(ctx); err != nil {
		t.Fatalf("MountAll failed: %v", err)
	}
	if !bytes.Equal(readFile(t, f.target), []byte("previous")) {
		t.Error("Target changed before commit")
	}
	if err := s.MarkStaged(); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !bytes.Equal(readFile(t, f.target), []byte("source image bytes")) {
		t.Error("Target was not replaced")
	}
}

func TestSessionNoCloneRestoresSnapshot(t *testing.T) {
	f := newSessionFixture(t)
	if err := os.WriteFile(f.target, []byte("original target"), 0644); err != nil {
		t.Fatal(err)
	}
	s := f.session(t, true, false)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if s.WorkingImage() != f.target {
		t.Errorf("No-clone mode must work on the target, got %s", s.WorkingImage())
	}

	// simulate a partial write through the mounted image
	if err := os.WriteFile(f.target, []byte("half written"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Discard(ctx); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}

	if !bytes.Equal(readFile(t, f.target), []byte("original target")) {
		t.Error("Target not restored from snapshot")
	}
	entries, _ := os.ReadDir(filepath.Dir(f.target))
	if len(entries) != 1 {
		t.Errorf("Snapshot left behind: %d entries", len(entries))
	}
}

// TestSessionNoCloneRestoresMode checks that a restored target keeps its
// permissions
func TestSessionNoCloneRestoresMode(t *testing.T) {
	f := newSessionFixture(t)
	if err := os.WriteFile(f.target, []byte("private target"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(f.target, 0600); err != nil {
		t.Fatal(err)
	}
	s := f.session(t, true, false)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := os.WriteFile(f.target, []byte("half written"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := s.Discard(ctx); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}

	st, err := os.Stat(f.target)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600 after restore, got %v", st.Mode().Perm())
	}
	if !bytes.Equal(readFile(t, f.target), []byte("private target")) {
		t.Error("Target not restored from snapshot")
	}
}

func TestSessionNoCloneCommit(t *testing.T) {
	f := newSessionFixture(t)
	if err := os.WriteFile(f.target, []byte("original target"), 0644); err != nil {
		t.Fatal(err)
	}
	s := f.session(t, true, false)
	defer s.Close()
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MountAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.target, []byte("modified"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkStaged(); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !bytes.Equal(readFile(t, f.target), []byte("modified")) {
		t.Error("In-place changes lost on commit")
	}
	entries, _ := os.ReadDir(filepath.Dir(f.target))
	if len(entries) != 1 {
		t.Errorf("Snapshot left behind: %d entries", len(entries))
	}
}

func TestSessionStateErrors(t *testing.T) {
	f := newSessionFixture(t)
	s := f.session(t, false, false)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.MountAll(ctx); !errors.Is(err, ErrSessionState) {
		t.Errorf("MountAll before Acquire: expected ErrSessionState, got %v", err)
	}
	if err := s.Commit(ctx); !errors.Is(err, ErrSessionState) {
		t.Errorf("Commit before staging: expected ErrSessionState, got %v", err)
	}
	if err := s.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire(ctx); !errors.Is(err, ErrSessionState) {
		t.Errorf("Second Acquire: expected ErrSessionState, got %v", err)
	}
	if err := s.MarkStaged(); !errors.Is(err, ErrSessionState) {
		t.Errorf("MarkStaged before mount: expected ErrSessionState, got %v", err)
	}
}

func TestSessionMountFailure(t *testing.T) {
	f := newSessionFixture(t)
	f.mounter.MountErr = errors.New("bad superblock")
	s := f.session(t, false, false)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := s.MountAll(ctx)
	var ioErr *ImageIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Expected ImageIOError, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if f.mounter.Detaches != 1 {
		t.Error("Image not detached after mount failure")
	}
	if _, err := os.Stat(f.target); !os.IsNotExist(err) {
		t.Error("Target created after mount failure")
	}
}

func TestSessionSourceUnchanged(t *testing.T) {
	f := newSessionFixture(t)
	s := f.session(t, false, false)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.WorkingImage(), []byte("mutated"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readFile(t, f.source), []byte("source image bytes")) {
		t.Error("Source modified")
	}
}
