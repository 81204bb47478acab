package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPreallocNotSupported is returned by Preallocate when the platform or
// filesystem cannot reserve space ahead of writes.
var ErrPreallocNotSupported = errors.New("preallocation not supported")

// ErrLocked is returned when another process holds a directory lock.
var ErrLocked = errors.New("directory is locked by another process")

// WriteFileAtomic writes data to path using write-and-rename: the bytes go to
// a temporary file in the same directory, which is synced, closed and then
// renamed over path. Readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file %s: %w", tmpPath, err)
	}
	// close before rename for platforms that refuse to rename open files
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err)
	}
	return SyncDir(dir)
}

// IsTempFile reports whether name was left behind by WriteFileAtomic.
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.Contains(base, ".tmp-")
}
