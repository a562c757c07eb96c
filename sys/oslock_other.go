//go:build !unix

package sys

import "errors"

var errOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

func acquireOSFileLock(string) (func() error, error) {
	return nil, errOSFileLockNotSupported
}
