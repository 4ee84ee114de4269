// Package conflict records which package wrote each destination path of a
// run. A single goroutine owns the registry; callers on any partition send
// it claims and wait for the verdict.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ImageOwner is recorded for files that were on the partition before the
// run started.
const ImageOwner = "image"

// ErrClosed is returned for claims sent after Close.
var ErrClosed = errors.New("conflict tracker closed")

// ConflictError reports a write to a path another writer already owns.
type ConflictError struct {
	Partition int
	Path      string
	Owner     string
	Intruder  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on partition %d: %s is written by %s and %s, and %s does not list it in overwrite-files",
		e.Partition, e.Path, e.Owner, e.Intruder, e.Intruder)
}

// Claim asks to become the writer of Path on Partition.
type Claim struct {
	Partition int
	Path      string
	Owner     string

	// Allowed is set when the path is on the claiming package's
	// overwrite-files list.
	Allowed bool
	// Existing is set when the path is already present on the partition.
	// Without an earlier claim it is attributed to ImageOwner.
	Existing bool
}

type key struct {
	partition int
	path      string
}

type request struct {
	claim Claim
	reply chan error
}

type lookup struct {
	key   key
	reply chan string
}

// Tracker is the run-scoped registry of destination paths.
type Tracker struct {
	claims  chan request
	lookups chan lookup
	done    chan struct{}
	once    sync.Once
}

// NewTracker starts a tracker. Close must be called to stop it.
func NewTracker() *Tracker {
	t := &Tracker{
		claims:  make(chan request),
		lookups: make(chan lookup),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Tracker) run() {
	owners := make(map[key]string)
	for {
		select {
		case <-t.done:
			return
		case l := <-t.lookups:
			l.reply <- owners[l.key]
		case r := <-t.claims:
			r.reply <- decide(owners, r.claim)
		}
	}
}

// decide applies one claim to the registry.
func decide(owners map[key]string, c Claim) error {
	k := key{partition: c.Partition, path: c.Path}
	prior, seen := owners[k]
	if !seen && c.Existing {
		prior, seen = ImageOwner, true
	}
	if seen && prior != c.Owner && !c.Allowed {
		return &ConflictError{Partition: c.Partition, Path: c.Path, Owner: prior, Intruder: c.Owner}
	}
	owners[k] = c.Owner
	return nil
}

// Register records c.Owner as the writer of the claimed path, or returns a
// *ConflictError when another writer owns it and the claim is not
// allow-listed.
func (t *Tracker) Register(ctx context.Context, c Claim) error {
	r := request{claim: c, reply: make(chan error, 1)}
	select {
	case t.claims <- r:
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-r.reply
}

// Owner returns the current writer of path on partition, empty if none.
func (t *Tracker) Owner(partition int, path string) string {
	l := lookup{key: key{partition: partition, path: path}, reply: make(chan string, 1)}
	select {
	case t.lookups <- l:
		return <-l.reply
	case <-t.done:
		return ""
	}
}

// Close stops the tracker. It is safe to call more than once.
func (t *Tracker) Close() {
	t.once.Do(func() { close(t.done) })
}
