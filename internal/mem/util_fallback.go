//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// Cannot prevent swapping here; buffers are still wiped on release
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
