//go:build !unix

package sys

import "os"

// SyncDir is a no-op where directories cannot be opened for sync.
func SyncDir(dir string) error {
	_, err := os.Stat(dir)
	return err
}

// AcquireDirLock falls back to an O_EXCL lock file.
func AcquireDirLock(lockPath string) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return func() error {
		f.Close()
		return os.Remove(lockPath)
	}, nil
}
