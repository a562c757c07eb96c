//go:build unix

package sys

import (
	"errors"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

var errOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

// acquireOSFileLock takes a non-blocking flock on lockPath. The release
// function unlocks, closes and removes the file.
func acquireOSFileLock(lockPath string) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, err
	}
	_ = f.Truncate(0)
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")

	return func() error {
		// Remove before unlocking so a waiter never locks an unlinked file.
		rmErr := os.Remove(lockPath)
		_ = unix.Flock(fd, unix.LOCK_UN)
		closeErr := f.Close()
		if rmErr != nil && !os.IsNotExist(rmErr) {
			return rmErr
		}
		return closeErr
	}, nil
}
