//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package persist

import (
	"errors"
	"os"
)

// Platforms without flock fall back to a create-exclusive sentinel file
// next to the lock file. Shared locks degrade to exclusive ones, which
// is safe, just coarser.

var errSentinelHeld = errors.New("lock sentinel held")

func flockAcquire(f *os.File, exclusive bool) error {
	sentinel := f.Name() + ".held"
	s, err := os.OpenFile(sentinel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return errSentinelHeld
		}
		return err
	}
	return s.Close()
}

func flockRelease(f *os.File) error {
	return os.Remove(f.Name() + ".held")
}

func flockIsContention(err error) bool {
	return errors.Is(err, errSentinelHeld)
}
