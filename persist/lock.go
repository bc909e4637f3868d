package persist

import (
	"fmt"
	"os"
	"time"
)

// withExclusiveLock runs fn while holding the keystore writer lock.
// Acquisition is retried with exponential backoff up to the configured
// budget; exhaustion surfaces as LockContentionError with no mutation
// performed.
func (fs *FileSystemStore) withExclusiveLock(fn func() error) error {
	return fs.withLock(true, fn)
}

// withSharedLock runs fn while holding the lock shared with other
// readers. Writers are excluded for the duration.
func (fs *FileSystemStore) withSharedLock(fn func() error) error {
	return fs.withLock(false, fn)
}

func (fs *FileSystemStore) withLock(exclusive bool, fn func() error) error {
	f, err := os.OpenFile(fs.lockFile, os.O_CREATE|os.O_RDWR, FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	delay := fs.retry.BaseDelay
	waited := time.Duration(0)
	for attempt := 1; ; attempt++ {
		err = flockAcquire(f, exclusive)
		if err == nil {
			break
		}
		if !flockIsContention(err) {
			return fmt.Errorf("failed to acquire keystore lock: %w", err)
		}
		if attempt >= fs.retry.Attempts {
			return &LockContentionError{Path: fs.lockFile, Attempts: attempt, Waited: waited}
		}
		time.Sleep(delay)
		waited += delay
		delay *= 2
		if delay > fs.retry.MaxDelay {
			delay = fs.retry.MaxDelay
		}
	}
	defer func() { _ = flockRelease(f) }()

	return fn()
}
