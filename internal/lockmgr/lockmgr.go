// Package lockmgr is C3 LockManager: per-box cross-process exclusive file
// locks, allocated by id and retrievable by path.
package lockmgr

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ErrWouldBlock is returned by TryLock when another process already holds
// the lock.
var ErrWouldBlock = fmt.Errorf("lockmgr: lock held by another process")

// ErrTimeout is returned by Lock when the lock could not be acquired within
// the configured deadline.
var ErrTimeout = fmt.Errorf("lockmgr: timed out waiting for lock")

// Locker is a handle to one box's lock file. Holding it excludes other
// host processes that take the same lock. The box build path in the root
// package does not acquire it; Runtime.Create only allocates its id.
type Locker struct {
	path string
	file *os.File
}

// Retrieve returns a Locker for path without acquiring it; the path need
// not exist yet.
func Retrieve(path string) *Locker {
	return &Locker{path: path}
}

// Path returns the file path backing this lock.
func (l *Locker) Path() string { return l.path }

// TryLock attempts a non-blocking exclusive flock, returning ErrWouldBlock
// immediately if another process holds it.
func (l *Locker) TryLock() (*Guard, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockmgr: open %s: %w", l.path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, ErrWouldBlock
	}
	l.file = f
	return &Guard{locker: l}, nil
}

// Lock blocks until the exclusive flock is acquired or timeout elapses
// (zero timeout means wait forever). Polls at a short interval since
// syscall.Flock's blocking mode cannot be interrupted by a context.
func (l *Locker) Lock(ctx context.Context, timeout time.Duration) (*Guard, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		g, err := l.TryLock()
		if err == nil {
			return g, nil
		}
		if err != ErrWouldBlock {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrTimeout
		case <-tick.C:
		}
	}
}

// Guard holds an acquired lock for a scope. Release is mandatory to allow a future acquirer to proceed — though the OS also
// releases the flock automatically if the process crashes or exits.
type Guard struct {
	locker *Locker
	freed  bool
}

// Release unlocks and closes the underlying file. Safe to call more than
// once.
func (g *Guard) Release() error {
	if g.freed {
		return nil
	}
	g.freed = true
	f := g.locker.file
	g.locker.file = nil
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("lockmgr: unlock %s: %w", g.locker.path, err)
	}
	return f.Close()
}
