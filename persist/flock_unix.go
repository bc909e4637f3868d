//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package persist

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flockAcquire takes a non-blocking advisory lock on the open lock
// file: exclusive for writers, shared for snapshot readers.
func flockAcquire(f *os.File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	return unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
}

func flockRelease(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// flockIsContention reports whether the acquisition failed because
// another process holds a conflicting lock.
func flockIsContention(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}
