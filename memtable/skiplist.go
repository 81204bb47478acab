package memtable

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/regionstore/batch"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/skiplist"
)

// MemtableKey orders entries: row key ascending, then sequence descending.
type MemtableKey struct {
	Key      []byte
	Sequence core.SequenceNumber
}

// MemtableEntry is one version of a row. Values follow the memtable's
// metadata; delete entries only carry the row key columns.
type MemtableEntry struct {
	Op     core.OpType
	Values []core.Value
	size   int64
}

func comparator(a, b *MemtableKey) int {
	if cmp := bytes.Compare(a.Key, b.Key); cmp != 0 {
		return cmp
	}
	// equal keys: the higher sequence sorts first
	if a.Sequence > b.Sequence {
		return -1
	}
	if a.Sequence < b.Sequence {
		return 1
	}
	return 0
}

// entryOverhead approximates node and slice headers per entry.
const entryOverhead = 64

func estimateSize(key []byte, values []core.Value) int64 {
	size := int64(len(key) + entryOverhead)
	for _, v := range values {
		size += 24
		if b, ok := v.Bytes(); ok {
			size += int64(len(b))
		}
	}
	return size
}

// SkiplistMemtable is the default Memtable.
type SkiplistMemtable struct {
	id   uint32
	meta *metadata.RegionMetadata

	mu   sync.RWMutex
	data *skiplist.SkipList[*MemtableKey, *MemtableEntry]

	frozen    atomic.Bool
	sizeBytes atomic.Int64
	numRows   atomic.Int64
	maxSeq    atomic.Uint64
	minTs     atomic.Int64
	maxTs     atomic.Int64
}

var _ Memtable = (*SkiplistMemtable)(nil)

func NewSkiplistMemtable(id uint32, meta *metadata.RegionMetadata) *SkiplistMemtable {
	m := &SkiplistMemtable{
		id:   id,
		meta: meta,
		data: skiplist.NewWithComparator[*MemtableKey, *MemtableEntry](comparator),
	}
	m.minTs.Store(math.MaxInt64)
	m.maxTs.Store(math.MinInt64)
	return m
}

func (m *SkiplistMemtable) ID() uint32                         { return m.id }
func (m *SkiplistMemtable) Metadata() *metadata.RegionMetadata { return m.meta }
func (m *SkiplistMemtable) Freeze()                            { m.frozen.Store(true) }
func (m *SkiplistMemtable) IsFrozen() bool                     { return m.frozen.Load() }
func (m *SkiplistMemtable) BytesAllocated() int64              { return m.sizeBytes.Load() }
func (m *SkiplistMemtable) NumRows() int64                     { return m.numRows.Load() }
func (m *SkiplistMemtable) MaxSequence() core.SequenceNumber   { return m.maxSeq.Load() }

func (m *SkiplistMemtable) TimeRange() (int64, int64, bool) {
	min, max := m.minTs.Load(), m.maxTs.Load()
	return min, max, min <= max
}

// Write applies a mutation. Columns are matched by name, so mutations
// encoded under an older schema version can be replayed: unknown columns
// are ignored and absent ones become nulls.
func (m *SkiplistMemtable) Write(seq core.SequenceNumber, mut *batch.Mutation) error {
	if m.frozen.Load() {
		return core.ErrMemtableFrozen
	}
	width := m.meta.NumColumns()
	if mut.Op == core.OpDelete {
		width = m.meta.RowKeyLen()
	}
	// source column for each destination column, -1 if absent
	src := make([]int, width)
	for i := range src {
		src[i] = -1
	}
	for j, name := range mut.Names {
		if i := m.meta.ColumnIndex(name); i >= 0 && i < width {
			src[i] = j
		}
	}
	for i := 0; i < m.meta.RowKeyLen(); i++ {
		if src[i] < 0 {
			return core.NewInternalError("mutation lacks row key column %s", m.meta.Columns()[i].Name)
		}
	}

	rows := mut.NumRows()
	entries := make([]*MemtableEntry, rows)
	keys := make([]*MemtableKey, rows)
	tsIdx := m.meta.TimestampIndex()
	minTs, maxTs := int64(math.MaxInt64), int64(math.MinInt64)
	for r := 0; r < rows; r++ {
		values := make([]core.Value, width)
		for i, j := range src {
			if j >= 0 {
				values[i] = mut.Columns[j].Values[r]
			}
		}
		key := core.EncodeKey(make([]byte, 0, 32), values[:m.meta.RowKeyLen()]...)
		ts, ok := values[tsIdx].Int64()
		if !ok {
			return fmt.Errorf("row %d: timestamp is not an integer: %w", r,
				core.NewValidationError(m.meta.Columns()[tsIdx].Name, values[tsIdx].String(), "invalid timestamp"))
		}
		if ts < minTs {
			minTs = ts
		}
		if ts > maxTs {
			maxTs = ts
		}
		keys[r] = &MemtableKey{Key: key, Sequence: seq}
		entries[r] = &MemtableEntry{Op: mut.Op, Values: values, size: estimateSize(key, values)}
	}

	m.mu.Lock()
	var added int64
	for r := range keys {
		// rows of one mutation sharing a key also share the sequence, so the
		// later row replaces the earlier one in place
		if old := m.data.Insert(keys[r], entries[r]); old != nil {
			added -= old.Value().size
		} else {
			m.numRows.Add(1)
		}
		added += entries[r].size
	}
	m.mu.Unlock()

	m.sizeBytes.Add(added)
	for {
		cur := m.maxSeq.Load()
		if seq <= cur || m.maxSeq.CompareAndSwap(cur, seq) {
			break
		}
	}
	for {
		cur := m.minTs.Load()
		if minTs >= cur || m.minTs.CompareAndSwap(cur, minTs) {
			break
		}
	}
	for {
		cur := m.maxTs.Load()
		if maxTs <= cur || m.maxTs.CompareAndSwap(cur, maxTs) {
			break
		}
	}
	return nil
}

// Iter returns a restartable, lazy iterator. Rows are copied out in bounded
// batches under a short read lock, so a long scan never blocks writers.
func (m *SkiplistMemtable) Iter(opts IterOptions) (core.RowIterator, error) {
	names := opts.Columns
	if names == nil {
		names = m.meta.ColumnNames()
	}
	proj := make([]int, len(names))
	for i, name := range names {
		proj[i] = m.meta.ColumnIndex(name)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = core.DefaultScanBatchSize
	}
	return &rowIterator{mt: m, opts: opts, proj: proj, pos: -1}, nil
}

type rowIterator struct {
	mt   *SkiplistMemtable
	opts IterOptions
	proj []int

	buf       []core.Row
	pos       int
	lastKey   []byte
	started   bool
	exhausted bool
}

func (it *rowIterator) Next() bool {
	for {
		if it.pos+1 < len(it.buf) {
			it.pos++
			return true
		}
		if it.exhausted {
			return false
		}
		it.fill()
	}
}

// fill copies the next batch of visible rows into buf.
func (it *rowIterator) fill() {
	it.buf = it.buf[:0]
	it.pos = -1

	m := it.mt
	m.mu.RLock()
	defer m.mu.RUnlock()

	iter := m.data.NewIterator()
	var valid bool
	if !it.started {
		it.started = true
		valid = iter.First()
	} else {
		// (lastKey, 0) is the last possible position of lastKey
		valid = iter.Seek(&MemtableKey{Key: it.lastKey, Sequence: 0})
		for valid && bytes.Equal(iter.Key().Key, it.lastKey) {
			valid = iter.Next()
		}
	}

	tsIdx := m.meta.TimestampIndex()
	for valid && len(it.buf) < it.opts.BatchSize {
		key := iter.Key().Key
		// versions are ordered newest first: take the first under the ceiling
		var visible *MemtableEntry
		var seq core.SequenceNumber
		for valid && bytes.Equal(iter.Key().Key, key) {
			if visible == nil && iter.Key().Sequence <= it.opts.SequenceCeiling {
				visible = iter.Value()
				seq = iter.Key().Sequence
			}
			valid = iter.Next()
		}
		it.lastKey = key
		if visible == nil {
			continue
		}
		if visible.Op == core.OpDelete && !it.opts.KeepTombstones {
			continue
		}
		if ts, _ := visible.Values[tsIdx].Int64(); !it.opts.TimeRange.Contains(ts) {
			continue
		}
		it.buf = append(it.buf, core.Row{
			Key:      key,
			Sequence: seq,
			Op:       visible.Op,
			Values:   it.project(visible.Values),
		})
	}
	if !valid {
		it.exhausted = true
	}
}

func (it *rowIterator) project(values []core.Value) []core.Value {
	out := make([]core.Value, len(it.proj))
	for i, src := range it.proj {
		if src >= 0 && src < len(values) {
			out[i] = values[src]
		}
	}
	return out
}

func (it *rowIterator) Row() *core.Row { return &it.buf[it.pos] }
func (it *rowIterator) Err() error     { return nil }

func (it *rowIterator) Close() error {
	it.exhausted = true
	it.buf = nil
	it.pos = -1
	return nil
}
