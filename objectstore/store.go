// Package objectstore abstracts the immutable object storage that SST files
// and manifest records live in.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// ErrNotFound is returned when an object does not exist. Implementations
// return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// ObjectStore stores whole objects addressed by slash-separated names.
type ObjectStore interface {
	// Put writes an object atomically: readers see all of data or nothing.
	Put(ctx context.Context, name string, data []byte) error
	// Get reads a whole object.
	Get(ctx context.Context, name string) ([]byte, error)
	// Open returns a handle for ranged reads.
	Open(ctx context.Context, name string) (Blob, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names of all objects under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to one object.
type Blob interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	Size() int64
	Close() error
}

// Join builds an object name from its parts.
func Join(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// ReadFull reads exactly len(p) bytes at off.
func ReadFull(ctx context.Context, b Blob, p []byte, off int64) error {
	n, err := b.ReadAt(ctx, p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("short read of %d bytes at offset %d: %w", len(p), off, err)
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
