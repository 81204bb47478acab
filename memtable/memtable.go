package memtable

import (
	"github.com/INLOpen/regionstore/batch"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/metadata"
)

// IterOptions selects what a memtable iterator yields.
type IterOptions struct {
	// SequenceCeiling hides entries with a higher sequence. Use
	// core.MaxSequenceNumber to see everything.
	SequenceCeiling core.SequenceNumber
	// Columns names the output columns, in output order. Nil selects every
	// column of the memtable's metadata. Names unknown to the memtable read
	// as nulls.
	Columns []string
	// TimeRange filters rows by timestamp. Nil means unbounded.
	TimeRange *core.TimeRange
	// BatchSize bounds how many rows are copied out per lock acquisition.
	BatchSize int
	// KeepTombstones yields delete markers instead of hiding them.
	KeepTombstones bool
}

// Memtable buffers recent writes in memory, ordered by row key and, for
// equal keys, by descending sequence.
type Memtable interface {
	ID() uint32
	Metadata() *metadata.RegionMetadata
	// Write applies every row of m with sequence seq.
	Write(seq core.SequenceNumber, m *batch.Mutation) error
	// Iter returns a lazy iterator yielding, for each key, its newest entry
	// visible under the options' sequence ceiling.
	Iter(opts IterOptions) (core.RowIterator, error)
	Freeze()
	IsFrozen() bool
	BytesAllocated() int64
	NumRows() int64
	MaxSequence() core.SequenceNumber
	// TimeRange reports the min and max timestamp written, if any.
	TimeRange() (min, max int64, ok bool)
}

// Builder creates empty memtables.
type Builder interface {
	Build(id uint32, meta *metadata.RegionMetadata) Memtable
}

// DefaultBuilder builds skiplist memtables.
type DefaultBuilder struct{}

func (DefaultBuilder) Build(id uint32, meta *metadata.RegionMetadata) Memtable {
	return NewSkiplistMemtable(id, meta)
}
