package sst

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/INLOpen/regionstore/compressors"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/objectstore"
)

// readIndex loads and validates the footer, header and index of a file.
func readIndex(ctx context.Context, blob objectstore.Blob) (*fileIndex, error) {
	size := blob.Size()
	var header core.FileHeader
	if size < int64(header.Size()+FooterSize) {
		return nil, fmt.Errorf("file of %d bytes is too small: %w", size, ErrCorrupted)
	}

	headerBuf := make([]byte, header.Size())
	if err := objectstore.ReadFull(ctx, blob, headerBuf, 0); err != nil {
		return nil, err
	}
	if _, err := core.ReadFileHeader(bytes.NewReader(headerBuf), core.SSTMagicNumber); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrCorrupted)
	}

	footer := make([]byte, FooterSize)
	if err := objectstore.ReadFull(ctx, blob, footer, size-int64(FooterSize)); err != nil {
		return nil, err
	}
	offset, length, checksum, err := decodeFooter(footer)
	if err != nil {
		return nil, err
	}
	if offset < int64(header.Size()) || offset+int64(length) > size-int64(FooterSize) {
		return nil, fmt.Errorf("index range [%d, +%d) out of bounds: %w", offset, length, ErrCorrupted)
	}

	raw := make([]byte, length)
	if err := objectstore.ReadFull(ctx, blob, raw, offset); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(raw) != checksum {
		return nil, fmt.Errorf("index checksum mismatch: %w", ErrCorrupted)
	}
	var idx fileIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("failed to decode index: %v: %w", err, ErrCorrupted)
	}
	for i, rg := range idx.RowGroups {
		if len(rg.Blocks) != numInternalColumns+len(idx.Columns) {
			return nil, fmt.Errorf("row group %d has %d blocks for %d columns: %w", i, len(rg.Blocks), len(idx.Columns), ErrCorrupted)
		}
	}
	if idx.columnIndex(idx.TimestampColumn) < 0 {
		return nil, fmt.Errorf("timestamp column %q missing from index: %w", idx.TimestampColumn, ErrCorrupted)
	}
	return &idx, nil
}

func readBlock(ctx context.Context, blob objectstore.Blob, h blockHandle, numRows int) ([]core.Value, error) {
	raw := make([]byte, h.Length)
	if err := objectstore.ReadFull(ctx, blob, raw, h.Offset); err != nil {
		return nil, err
	}
	ct, payload, err := verifyBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("block at offset %d: %w", h.Offset, err)
	}
	c, err := compressors.ForType(ct)
	if err != nil {
		return nil, fmt.Errorf("block at offset %d: %v: %w", h.Offset, err, ErrCorrupted)
	}
	data, err := c.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block at offset %d: %v: %w", h.Offset, err, ErrCorrupted)
	}
	return decodeColumn(data, numRows)
}

// rowIterator streams the rows of one file, one row group at a time.
type rowIterator struct {
	ctx     context.Context
	name    string
	blob    objectstore.Blob
	index   *fileIndex
	opts    ReadOptions
	tsIndex int
	// file column for each output column, -1 when the file lacks it
	proj []int

	rg      int
	cols    map[int][]core.Value
	numRows int
	pos     int
	row     core.Row
	err     error
	done    bool
}

func newRowIterator(ctx context.Context, name string, blob objectstore.Blob, index *fileIndex, opts ReadOptions) *rowIterator {
	names := opts.Columns
	if names == nil {
		names = make([]string, len(index.Columns))
		for i, c := range index.Columns {
			names[i] = c.Name
		}
	}
	proj := make([]int, len(names))
	for i, name := range names {
		proj[i] = index.columnIndex(name)
	}
	return &rowIterator{
		ctx:     ctx,
		name:    name,
		blob:    blob,
		index:   index,
		opts:    opts,
		tsIndex: index.columnIndex(index.TimestampColumn),
		proj:    proj,
		rg:      -1,
	}
}

// loadNextRowGroup advances to the next row group that can hold visible
// rows. It returns false at the end of the file or on error.
func (it *rowIterator) loadNextRowGroup() bool {
	for {
		it.rg++
		if it.rg >= len(it.index.RowGroups) {
			return false
		}
		rg := it.index.RowGroups[it.rg]
		if rg.NumRows == 0 || rg.MinSequence > it.opts.SequenceCeiling || !it.opts.TimeRange.Overlaps(rg.MinTimestamp, rg.MaxTimestamp) {
			continue
		}

		needed := []int{0, 1, 2, numInternalColumns + it.tsIndex}
		for _, c := range it.proj {
			if c >= 0 {
				needed = append(needed, numInternalColumns+c)
			}
		}
		it.cols = make(map[int][]core.Value, len(needed))
		for _, block := range needed {
			if _, ok := it.cols[block]; ok {
				continue
			}
			values, err := readBlock(it.ctx, it.blob, rg.Blocks[block], rg.NumRows)
			if err != nil {
				err = fmt.Errorf("row group %d: %w", it.rg, err)
				if errors.Is(err, ErrCorrupted) {
					it.err = &core.CorruptionError{Source: it.name, Offset: rg.Blocks[block].Offset, Err: err}
				} else {
					it.err = fmt.Errorf("sst %s: %w", it.name, err)
				}
				return false
			}
			it.cols[block] = values
		}
		it.numRows = rg.NumRows
		it.pos = -1
		return true
	}
}

func (it *rowIterator) Next() bool {
	if it.done {
		return false
	}
	for {
		if it.err == nil {
			if err := it.ctx.Err(); err != nil {
				it.err = err
			}
		}
		if it.err != nil {
			it.done = true
			return false
		}
		if it.cols == nil || it.pos+1 >= it.numRows {
			if !it.loadNextRowGroup() {
				it.done = true
				return false
			}
		}
		it.pos++

		seq, _ := it.cols[1][it.pos].Uint64()
		if seq > it.opts.SequenceCeiling {
			continue
		}
		ts, _ := it.cols[numInternalColumns+it.tsIndex][it.pos].Int64()
		if !it.opts.TimeRange.Contains(ts) {
			continue
		}
		key, _ := it.cols[0][it.pos].Bytes()
		op, _ := it.cols[2][it.pos].Uint64()

		values := make([]core.Value, len(it.proj))
		for i, c := range it.proj {
			if c >= 0 {
				values[i] = it.cols[numInternalColumns+c][it.pos]
			}
		}
		it.row = core.Row{Key: key, Sequence: seq, Op: core.OpType(op), Values: values}
		return true
	}
}

func (it *rowIterator) Row() *core.Row { return &it.row }
func (it *rowIterator) Err() error     { return it.err }

func (it *rowIterator) Close() error {
	it.done = true
	it.cols = nil
	return it.blob.Close()
}
