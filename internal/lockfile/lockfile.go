// Package lockfile implements the advisory OS file-range locking used by
// the halt file and prefix index (spec.md §5 "Shared-resource policy"):
// acquisition and release are scoped so any exit path releases, matching
// the design-notes guidance to use OS file-range locks rather than a
// separate lock-manager process.
package lockfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory lock on a single file, covering its full range.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) path and takes an exclusive
// advisory lock (flock LOCK_EX) over it, blocking until available.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file descriptor. Safe to call
// from any exit path (including defer after a failed later step), matching
// the scoped-acquire/scoped-release rule from the design notes.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("lockfile: unlock: %w", err)
	}
	return cerr
}

// WithLock acquires path, runs fn, and always releases, even on panic.
func WithLock(path string, fn func() error) error {
	lk, err := Acquire(path)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()
	return fn()
}
