package core

// Row is one versioned entry as produced by memtable and SST readers.
// Values are aligned with the column projection the reader was opened with.
type Row struct {
	Key      []byte
	Sequence SequenceNumber
	Op       OpType
	Values   []Value
}

// RowIterator streams rows in ascending key order. For equal keys the entry
// with the higher sequence comes first. The row returned by Row is only valid
// until the next call to Next.
type RowIterator interface {
	Next() bool
	Row() *Row
	Err() error
	Close() error
}

// EmptyRowIterator yields nothing.
type EmptyRowIterator struct{}

func (EmptyRowIterator) Next() bool   { return false }
func (EmptyRowIterator) Row() *Row    { return nil }
func (EmptyRowIterator) Err() error   { return nil }
func (EmptyRowIterator) Close() error { return nil }
