// Package dblock implements the advisory file locking that database
// readers hold shared while open and that guards compaction from running
// more than once at a time. It targets Linux via
// golang.org/x/sys/unix; a different platform would need its own file
// behind the same Lock type.
package dblock

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryExclusive when the lock is already held.
var ErrWouldBlock = errors.New("dblock: lock is held")

// Lock is an advisory lock backed by a single open file descriptor. The
// zero value is not usable; construct with Open.
type Lock struct {
	file *os.File
}

// Open opens (creating if necessary) the lock file at path. It does not
// acquire any lock; call Shared or Exclusive for that.
func Open(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "dblock: open %s", path)
	}
	return &Lock{file: f}, nil
}

// Shared blocks until a shared (read) lock is held. Any number of holders
// may hold a shared lock concurrently, so long as no one holds Exclusive.
func (l *Lock) Shared() error {
	return errors.Wrapf(unix.Flock(int(l.file.Fd()), unix.LOCK_SH), "dblock: lock_sh")
}

// Exclusive blocks until an exclusive (write) lock is held, to the
// exclusion of all other shared or exclusive holders.
func (l *Lock) Exclusive() error {
	return errors.Wrapf(unix.Flock(int(l.file.Fd()), unix.LOCK_EX), "dblock: lock_ex")
}

// TryExclusive attempts to acquire an exclusive lock without blocking. It
// returns ErrWouldBlock if another holder already has the lock.
func (l *Lock) TryExclusive() error {
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return errors.Wrapf(err, "dblock: try_lock_ex")
}

// Unlock releases whatever lock is currently held.
func (l *Lock) Unlock() error {
	return errors.Wrapf(unix.Flock(int(l.file.Fd()), unix.LOCK_UN), "dblock: unlock")
}

// Close releases the lock and closes the underlying file descriptor.
func (l *Lock) Close() error {
	_ = l.Unlock()
	return l.file.Close()
}
