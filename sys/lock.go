package sys

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("directory is locked by another process")

// LockFile takes an exclusive advisory lock on lockPath and writes the
// caller's pid into it. Platforms without flock fall back to an O_EXCL
// create, which a crashed process leaves behind.
func LockFile(lockPath string) (func() error, error) {
	release, err := acquireOSFileLock(lockPath)
	if err == nil {
		return release, nil
	}
	if !errors.Is(err, errOSFileLockNotSupported) {
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("lock %s: %w", lockPath, ErrLocked)
		}
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	if err := f.Close(); err != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}
	return func() error { return os.Remove(lockPath) }, nil
}
