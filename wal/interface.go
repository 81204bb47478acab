package wal

import (
	"context"

	"github.com/INLOpen/regionstore/core"
)

// SyncMode defines how frequently the log is synced to disk.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // fsync after every append
	SyncDisabled SyncMode = "disabled" // rely on the OS page cache (tests, benchmarks)
)

// Record is one appended write batch together with the sequence numbers it
// was assigned.
type Record struct {
	Sequences core.SequenceRange
	Payload   []byte
}

// LogStore is the durable, append-only backend of a region's write ahead log.
type LogStore interface {
	// Append returns only once the record is durable (subject to SyncMode).
	Append(ctx context.Context, rec Record) error
	// Replay streams records whose sequence range ends at or after from, in
	// append order. A torn record at the tail of the log ends the stream.
	Replay(ctx context.Context, from core.SequenceNumber) (RecordIterator, error)
	// Obsolete releases records whose sequences are all <= upTo.
	Obsolete(ctx context.Context, upTo core.SequenceNumber) error
	Close() error
}

// RecordIterator streams records lazily.
type RecordIterator interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}
