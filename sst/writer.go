package sst

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/metadata"
)

// Writer encodes rows into an in-memory SST image. Rows must arrive in
// strictly increasing key order with values aligned to the metadata columns.
type Writer struct {
	meta         *metadata.RegionMetadata
	compressor   core.Compressor
	rowGroupSize int

	buf     []byte
	index   fileIndex
	lastKey []byte

	// pending row group, one slice per column, internal columns first
	columns [][]core.Value
	pending rowGroupMeta

	stats FileMeta
}

func NewWriter(meta *metadata.RegionMetadata, compressor core.Compressor, rowGroupSize int) *Writer {
	if rowGroupSize <= 0 {
		rowGroupSize = core.DefaultRowGroupSize
	}
	w := &Writer{
		meta:         meta,
		compressor:   compressor,
		rowGroupSize: rowGroupSize,
		index: fileIndex{
			RegionID:        meta.ID(),
			SchemaVersion:   meta.Version(),
			Columns:         meta.Columns(),
			TimestampColumn: meta.TimestampColumn().Name,
		},
		columns: make([][]core.Value, numInternalColumns+meta.NumColumns()),
	}
	header := core.NewFileHeader(core.SSTMagicNumber, compressor.Type())
	var hb bytes.Buffer
	// writing to a bytes.Buffer cannot fail
	_ = binary.Write(&hb, binary.LittleEndian, &header)
	w.buf = append(w.buf, hb.Bytes()...)
	w.resetPending()
	w.stats.MinSequence = core.MaxSequenceNumber
	w.stats.MinTimestamp = math.MaxInt64
	w.stats.MaxTimestamp = math.MinInt64
	return w
}

func (w *Writer) resetPending() {
	for i := range w.columns {
		w.columns[i] = w.columns[i][:0]
	}
	w.pending = rowGroupMeta{
		MinTimestamp: math.MaxInt64,
		MaxTimestamp: math.MinInt64,
		MinSequence:  core.MaxSequenceNumber,
	}
}

// Add appends a row. The row is copied.
func (w *Writer) Add(row *core.Row) error {
	if len(row.Values) != w.meta.NumColumns() {
		return core.NewInternalError("sst row has %d values, schema has %d columns", len(row.Values), w.meta.NumColumns())
	}
	if w.lastKey != nil && bytes.Compare(row.Key, w.lastKey) <= 0 {
		return core.NewInternalError("sst rows out of order")
	}
	w.lastKey = append(w.lastKey[:0], row.Key...)

	key := make([]byte, len(row.Key))
	copy(key, row.Key)
	w.columns[0] = append(w.columns[0], core.BinaryValue(key))
	w.columns[1] = append(w.columns[1], core.UInt64Value(row.Sequence))
	w.columns[2] = append(w.columns[2], core.UInt64Value(uint64(row.Op)))
	for i, v := range row.Values {
		w.columns[numInternalColumns+i] = append(w.columns[numInternalColumns+i], v)
	}

	ts, _ := row.Values[w.meta.TimestampIndex()].Int64()
	p := &w.pending
	p.NumRows++
	p.MinTimestamp = min(p.MinTimestamp, ts)
	p.MaxTimestamp = max(p.MaxTimestamp, ts)
	p.MinSequence = min(p.MinSequence, row.Sequence)
	p.MaxSequence = max(p.MaxSequence, row.Sequence)

	if p.NumRows >= w.rowGroupSize {
		return w.flushRowGroup()
	}
	return nil
}

// NumRows reports the rows added so far.
func (w *Writer) NumRows() int64 {
	return w.stats.NumRows + int64(w.pending.NumRows)
}

func (w *Writer) flushRowGroup() error {
	if w.pending.NumRows == 0 {
		return nil
	}
	rg := w.pending
	rg.Blocks = make([]blockHandle, 0, len(w.columns))
	payload := core.BufferPool.Get()
	defer core.BufferPool.Put(payload)

	for i, col := range w.columns {
		raw, err := encodeColumn(payload.Bytes()[:0], col)
		if err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
		offset := int64(len(w.buf))
		if w.buf, err = encodeBlock(w.buf, raw, w.compressor); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
		rg.Blocks = append(rg.Blocks, blockHandle{Offset: offset, Length: uint32(int64(len(w.buf)) - offset)})
	}

	w.index.RowGroups = append(w.index.RowGroups, rg)
	w.stats.NumRows += int64(rg.NumRows)
	w.stats.MinSequence = min(w.stats.MinSequence, rg.MinSequence)
	w.stats.MaxSequence = max(w.stats.MaxSequence, rg.MaxSequence)
	w.stats.MinTimestamp = min(w.stats.MinTimestamp, rg.MinTimestamp)
	w.stats.MaxTimestamp = max(w.stats.MaxTimestamp, rg.MaxTimestamp)
	w.resetPending()
	return nil
}

// Finish writes the index and footer and returns the file image together
// with its statistics. FileName and Level are left for the caller.
func (w *Writer) Finish() ([]byte, FileMeta, error) {
	if err := w.flushRowGroup(); err != nil {
		return nil, FileMeta{}, err
	}
	w.index.NumRows = w.stats.NumRows
	index, err := json.Marshal(&w.index)
	if err != nil {
		return nil, FileMeta{}, fmt.Errorf("failed to encode sst index: %w", err)
	}
	indexOffset := int64(len(w.buf))
	w.buf = append(w.buf, index...)
	w.buf = append(w.buf, encodeFooter(indexOffset, index)...)

	stats := w.stats
	stats.FileSize = int64(len(w.buf))
	return w.buf, stats, nil
}
