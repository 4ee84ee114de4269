// Package diskmanager owns the working copy of an image for the length of
// one run: it clones or snapshots the image, attaches and mounts the
// selected partitions and either commits the result atomically or restores
// everything to its state before the run.
package diskmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

// State of a Session
type State int

const (
	StateIdle State = iota
	StateAcquired
	StateMounted
	StateStaged
	StateCommitted
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquired:
		return "acquired"
	case StateMounted:
		return "mounted"
	case StateStaged:
		return "staged"
	case StateCommitted:
		return "committed"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Options configures a Session
type Options struct {
	Source    string
	Target    string
	NoClone   bool
	Overwrite bool

	// Partitions to mount, in order
	Partitions []int

	// Private directory the per-partition mount points are created in
	MountRoot string
}

// Session is the Idle -> Acquired -> Mounted -> Staged -> Committed or
// Discarded lifecycle of one working image.
//
// Example usage:
//
//	s := diskmanager.NewSession(opts, mounter, log)
//	defer s.Close()
//	if err := s.Acquire(ctx); err != nil {
//	    return err
//	}
//	roots, err := s.MountAll(ctx)
//	...
//	if err := s.MarkStaged(); err != nil {
//	    return err
//	}
//	return s.Commit(ctx)
type Session struct {
	opts    Options
	mounter Mounter
	log     logrus.FieldLogger

	mu    sync.Mutex
	state State

	// the image being modified: a temporary clone, or the target itself
	// in no-clone mode
	workPath string
	// pre-run copy of the target in no-clone mode
	snapshotPath string

	attached  bool
	mounted   []int
	mountDirs []string
	roots     map[int]string
}

// NewSession creates an idle session. Close must be called on every path.
func NewSession(opts Options, mounter Mounter, log logrus.FieldLogger) *Session {
	return &Session{
		opts:    opts,
		mounter: mounter,
		log:     log.WithField("target", opts.Target),
		roots:   make(map[int]string),
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkingImage returns the path of the image being modified
func (s *Session) WorkingImage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workPath
}

func (s *Session) expect(want State, op string) error {
	if s.state != want {
		return fmt.Errorf("%s in state %s: %w", op, s.state, ErrSessionState)
	}
	return nil
}

// Acquire prepares the working image. In clone mode the source is copied
// next to the target and an existing target without overwrite is refused
// before anything is copied. In no-clone mode the target is snapshotted so
// that Discard can restore it.
func (s *Session) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.expect(StateIdle, "acquire"); err != nil {
		return err
	}

	var err error
	if s.opts.NoClone {
		err = s.acquireInPlace(ctx)
	} else {
		err = s.acquireClone(ctx)
	}
	if err != nil {
		return err
	}

	s.state = StateAcquired
	return nil
}

func (s *Session) acquireClone(ctx context.Context) error {
	target := s.opts.Target
	st, err := os.Stat(target)
	switch {
	case err == nil && st.IsDir():
		return &ImageIOError{Op: "acquire", Path: target, Err: fmt.Errorf("target is a directory")}
	case err == nil && !s.opts.Overwrite:
		return fmt.Errorf("%s: %w", target, ErrTargetExists)
	case err != nil && !os.IsNotExist(err):
		return &ImageIOError{Op: "acquire", Path: target, Err: err}
	}

	work, err := s.copyBeside(ctx, s.opts.Source, target, "partial")
	if err != nil {
		return err
	}
	s.workPath = work
	s.log.WithFields(logrus.Fields{"source": s.opts.Source, "working": work}).Info("Cloned source image")
	return nil
}

func (s *Session) acquireInPlace(ctx context.Context) error {
	snapshot, err := s.copyBeside(ctx, s.opts.Target, s.opts.Target, "snapshot")
	if err != nil {
		return err
	}
	s.snapshotPath = snapshot
	s.workPath = s.opts.Target
	s.log.WithField("snapshot", snapshot).Info("Snapshotted target image")
	return nil
}

// copyBeside copies src into a new hidden file in target's directory, so
// that the copy can later be renamed over target.
func (s *Session) copyBeside(ctx context.Context, src, target, kind string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	in, err := os.Open(src)
	if err != nil {
		return "", &ImageIOError{Op: "clone", Path: src, Err: err}
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return "", &ImageIOError{Op: "clone", Path: src, Err: err}
	}

	out, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*."+kind)
	if err != nil {
		return "", &ImageIOError{Op: "clone", Path: target, Err: err}
	}

	err = cloneContents(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	// the copy may replace target later, so it takes over src's mode and owner
	if err == nil {
		err = os.Chmod(out.Name(), st.Mode().Perm())
	}
	if err == nil {
		err = copyOwner(out.Name(), st)
	}
	if err != nil {
		os.Remove(out.Name())
		return "", &ImageIOError{Op: "clone", Path: src, Err: err}
	}
	return out.Name(), nil
}

// MountAll attaches the working image and mounts every selected partition
// on a private mount point. It returns each partition's root directory.
func (s *Session) MountAll(ctx context.Context) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.expect(StateAcquired, "mount"); err != nil {
		return nil, err
	}

	if err := s.mounter.Attach(ctx, s.workPath); err != nil {
		return nil, err
	}
	s.attached = true

	for _, n := range s.opts.Partitions {
		dir := filepath.Join(s.opts.MountRoot, fmt.Sprintf("partition-%d", n))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &ImageIOError{Op: "mount", Path: dir, Err: err}
		}
		s.mountDirs = append(s.mountDirs, dir)

		root, err := s.mounter.Mount(ctx, n, dir)
		if err != nil {
			return nil, err
		}
		s.mounted = append(s.mounted, n)
		s.roots[n] = root
	}

	s.state = StateMounted
	roots := make(map[int]string, len(s.roots))
	for n, r := range s.roots {
		roots[n] = r
	}
	return roots, nil
}

// FreeSpace reports the space available on every mounted partition
func (s *Session) FreeSpace() (map[int]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.expect(StateMounted, "free space"); err != nil {
		return nil, err
	}
	free := make(map[int]uint64, len(s.mounted))
	for _, n := range s.mounted {
		f, err := s.mounter.FreeSpace(n)
		if err != nil {
			return nil, &ImageIOError{Op: "free space", Path: s.roots[n], Err: err}
		}
		free[n] = f
	}
	return free, nil
}

// MarkStaged records that every package has been placed
func (s *Session) MarkStaged() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.expect(StateMounted, "stage"); err != nil {
		return err
	}
	s.state = StateStaged
	return nil
}

// Commit unmounts and detaches, then makes the working image the target.
// A failed commit discards.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.expect(StateStaged, "commit"); err != nil {
		return err
	}

	if err := s.release(ctx); err != nil {
		return errors.Join(err, s.discard(context.WithoutCancel(ctx)))
	}

	if s.opts.NoClone {
		if err := os.Remove(s.snapshotPath); err != nil {
			s.log.WithError(err).Warn("Failed to remove snapshot")
		}
		s.snapshotPath = ""
	} else {
		if _, err := os.Stat(s.opts.Target); err == nil && !s.opts.Overwrite {
			return errors.Join(fmt.Errorf("%s: %w", s.opts.Target, ErrTargetExists), s.discard(ctx))
		}
		if err := os.Rename(s.workPath, s.opts.Target); err != nil {
			return errors.Join(&ImageIOError{Op: "commit", Path: s.opts.Target, Err: err}, s.discard(ctx))
		}
		syncDir(filepath.Dir(s.opts.Target))
	}

	s.state = StateCommitted
	s.log.Info("Committed image")
	return nil
}

// Discard releases the image and undoes every change: the clone is
// deleted, or in no-clone mode the snapshot is moved back over the target.
// It is safe to call in any state.
func (s *Session) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discard(ctx)
}

func (s *Session) discard(ctx context.Context) error {
	switch s.state {
	case StateCommitted, StateDiscarded:
		return nil
	case StateIdle:
		s.state = StateDiscarded
		return nil
	}

	err := s.release(ctx)

	if s.opts.NoClone {
		if s.snapshotPath != "" {
			if renameErr := os.Rename(s.snapshotPath, s.opts.Target); renameErr != nil {
				err = errors.Join(err, &ImageIOError{Op: "restore", Path: s.opts.Target, Err: renameErr})
			} else {
				s.snapshotPath = ""
				s.log.Info("Restored target from snapshot")
			}
		}
	} else if s.workPath != "" {
		if rmErr := os.Remove(s.workPath); rmErr != nil && !os.IsNotExist(rmErr) {
			err = errors.Join(err, &ImageIOError{Op: "discard", Path: s.workPath, Err: rmErr})
		}
		s.workPath = ""
	}

	s.state = StateDiscarded
	s.log.Info("Discarded working image")
	return err
}

// Close discards unless the session was committed
func (s *Session) Close() error {
	return s.Discard(context.Background())
}

// release unmounts every mounted partition, detaches the image and
// removes the empty mount points. It keeps going after errors.
func (s *Session) release(ctx context.Context) error {
	var errs []error

	remaining := s.mounted[:0:0]
	for _, n := range slices.Backward(s.mounted) {
		if err := s.mounter.Unmount(ctx, n); err != nil {
			errs = append(errs, err)
			remaining = append(remaining, n)
		}
	}
	s.mounted = remaining

	if s.attached && len(remaining) == 0 {
		if err := s.mounter.Detach(ctx); err != nil {
			errs = append(errs, err)
		} else {
			s.attached = false
		}
	}

	if len(remaining) == 0 {
		for _, dir := range s.mountDirs {
			// os.Remove, never RemoveAll: a mount point must be empty
			os.Remove(dir)
		}
		s.mountDirs = nil
	}
	return errors.Join(errs...)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
