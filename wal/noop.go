package wal

import (
	"context"

	"github.com/INLOpen/regionstore/core"
)

// NoopLogStore discards every record. Regions using it lose unflushed data
// on restart; it exists for tests and for callers that replicate writes
// elsewhere.
type NoopLogStore struct{}

var _ LogStore = NoopLogStore{}

func (NoopLogStore) Append(context.Context, Record) error { return nil }

func (NoopLogStore) Replay(context.Context, core.SequenceNumber) (RecordIterator, error) {
	return emptyRecordIterator{}, nil
}

func (NoopLogStore) Obsolete(context.Context, core.SequenceNumber) error { return nil }

func (NoopLogStore) Close() error { return nil }

type emptyRecordIterator struct{}

func (emptyRecordIterator) Next() bool     { return false }
func (emptyRecordIterator) Record() Record { return Record{} }
func (emptyRecordIterator) Err() error     { return nil }
func (emptyRecordIterator) Close() error   { return nil }
