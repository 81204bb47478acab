package core

import (
	"errors"
	"fmt"
)

var (
	ErrRegionNotFound = errors.New("region not found")
	ErrRegionExists   = errors.New("region already exists")
	ErrRegionClosed   = errors.New("region is closed")
	ErrMemtableFrozen = errors.New("memtable is frozen")
	ErrNotFound       = errors.New("not found")
)

// ValidationError reports a write or alter request that does not match the
// region schema. It is always returned before anything reaches the WAL.
type ValidationError struct {
	Message string
	Field   string // column name, "batch" or "schema"
	Value   string // the offending value, if any
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(field, value, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)}
}

// WALError wraps a failure to durably append to or read from the write ahead log.
type WALError struct {
	Op  string
	Err error
}

func (e *WALError) Error() string { return fmt.Sprintf("wal %s: %v", e.Op, e.Err) }
func (e *WALError) Unwrap() error { return e.Err }

// ManifestError wraps a failure to persist or read a manifest record.
type ManifestError struct {
	Op      string
	Version uint64
	Err     error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s (version %d): %v", e.Op, e.Version, e.Err)
}
func (e *ManifestError) Unwrap() error { return e.Err }

// CorruptionError is returned when persisted state is damaged somewhere other
// than the tail of a log. Recovery cannot continue without operator action.
type CorruptionError struct {
	Source string // file or object name
	Offset int64
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption in %s at offset %d: %v", e.Source, e.Offset, e.Err)
}
func (e *CorruptionError) Unwrap() error { return e.Err }

// InternalError signals a broken contract between components, not bad input.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string { return "internal error: " + e.Message }

func NewInternalError(format string, args ...any) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}

// UnsupportedTypeError is returned for data types a codec cannot handle.
type UnsupportedTypeError struct {
	Message string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type value: %s", e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

func IsWALError(err error) bool {
	var walErr *WALError
	return errors.As(err, &walErr)
}

func IsManifestError(err error) bool {
	var manifestErr *ManifestError
	return errors.As(err, &manifestErr)
}

func IsCorruption(err error) bool {
	var corruptionErr *CorruptionError
	return errors.As(err, &corruptionErr)
}

func IsInternal(err error) bool {
	var internalErr *InternalError
	return errors.As(err, &internalErr)
}

func IsUnsupportedError(err error) bool {
	var unsupportedError *UnsupportedTypeError
	return errors.As(err, &unsupportedError)
}
